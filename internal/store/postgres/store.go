package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qline/internal/lifecycle"
	"qline/internal/models"
	"qline/internal/realtime"
	"qline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketNumberPad = 3

// priorityOrder ranks the waiting set the same way the in-memory
// snapshot does: priority class first, then age, then ticket ID.
const priorityOrder = `
	CASE priority
		WHEN 'urgent' THEN 3
		WHEN 'high' THEN 2
		WHEN 'normal' THEN 1
		WHEN 'low' THEN 0
		ELSE -1
	END DESC, issued_at ASC, ticket_id ASC`

const ticketColumns = `ticket_id, ticket_number, tenant_id, unit_id, queue_id, service_id, priority, status, issued_at, called_at, started_at, completed_at, session_id, cancel_reason, request_id`

const sessionColumns = `session_id, tenant_id, unit_id, user_id, resource_id, status, started_at, paused_at, paused_seconds, completed_at, current_ticket_id`

type Options struct {
	// NoShowReturnToQueue sends stale called tickets back to waiting
	// instead of cancelling them.
	NoShowReturnToQueue bool
}

type Store struct {
	pool *pgxpool.Pool
	opts Options
}

func NewStore(pool *pgxpool.Pool, opts Options) *Store {
	return &Store{pool: pool, opts: opts}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, lookupErr := findTicketByRequestID(ctx, tx, input.TenantID, input.RequestID)
		if lookupErr != nil {
			err = lookupErr
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	// Row lock on the queue serializes capacity checks and numbering
	// for concurrent creates on the same queue.
	queue, err := lockQueue(ctx, tx, input.TenantID, input.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if input.ServiceID != "" {
		if err = ensureService(ctx, tx, input.TenantID, input.ServiceID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	waiting, err := countWaiting(ctx, tx, input.TenantID, input.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = lifecycle.AdmitTicket(queue, waiting); err != nil {
		return models.Ticket{}, false, err
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	seq, err := nextTicketNumber(ctx, tx, input.TenantID, input.QueueID, issuedAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		TicketNumber: fmt.Sprintf("%s-%0*d", queue.Code, ticketNumberPad, seq),
		TenantID:     input.TenantID,
		UnitID:       queue.UnitID,
		QueueID:      input.QueueID,
		ServiceID:    input.ServiceID,
		Priority:     priority,
		Status:       models.StatusWaiting,
		IssuedAt:     issuedAt,
		RequestID:    input.RequestID,
	}

	// ON CONFLICT absorbs the race where two creates carry the same
	// request_id and both miss the replay lookup above.
	tag, err := tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, ticket_number, tenant_id, unit_id, queue_id, service_id, priority, status, issued_at, request_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tenant_id, request_id) WHERE request_id IS NOT NULL DO NOTHING
	`, ticket.TicketID, ticket.TicketNumber, ticket.TenantID, ticket.UnitID, ticket.QueueID, nullIfEmpty(ticket.ServiceID), ticket.Priority, ticket.Status, ticket.IssuedAt, nullIfEmpty(ticket.RequestID))
	if err != nil {
		return models.Ticket{}, false, err
	}
	if tag.RowsAffected() == 0 && input.RequestID != "" {
		_ = tx.Rollback(ctx)
		existing, found, lookupErr := findTicketByRequestID(ctx, s.pool, input.TenantID, input.RequestID)
		if lookupErr != nil {
			err = lookupErr
			return models.Ticket{}, false, err
		}
		if !found {
			err = store.ErrTicketNotFound
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	if err = insertTicketOutbox(ctx, tx, realtime.EventTicketCreated, ticket, waiting+1, ""); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND tenant_id = $2
	`, ticketID, tenantID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) FindWaitingTickets(ctx context.Context, tenantID, queueID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = $1 AND queue_id = $2 AND status = 'waiting'
		ORDER BY `+priorityOrder+`
	`, tenantID, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	var queue models.Queue
	row := s.pool.QueryRow(ctx, `
		SELECT queue_id, tenant_id, unit_id, name, code, status, is_active, max_capacity
		FROM queues
		WHERE queue_id = $1 AND tenant_id = $2
	`, queueID, tenantID)
	if err := row.Scan(&queue.QueueID, &queue.TenantID, &queue.UnitID, &queue.Name, &queue.Code, &queue.Status, &queue.IsActive, &queue.MaxCapacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) ListQueues(ctx context.Context, tenantID, unitID string) ([]models.Queue, error) {
	query := `
		SELECT queue_id, tenant_id, unit_id, name, code, status, is_active, max_capacity
		FROM queues
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if unitID != "" {
		query += ` AND unit_id = $2`
		args = append(args, unitID)
	}
	query += ` ORDER BY name ASC, queue_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		var queue models.Queue
		if err := rows.Scan(&queue.QueueID, &queue.TenantID, &queue.UnitID, &queue.Name, &queue.Code, &queue.Status, &queue.IsActive, &queue.MaxCapacity); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, tenant_id, name, code, estimated_minutes
		FROM services
		WHERE service_id = $1 AND tenant_id = $2
	`, serviceID, tenantID)
	if err := row.Scan(&svc.ServiceID, &svc.TenantID, &svc.Name, &svc.Code, &svc.EstimatedMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	session, err := lockSession(ctx, tx, input.TenantID, input.SessionID)
	if err != nil {
		return models.Ticket{}, err
	}
	if session.Status != models.SessionActive || session.CurrentTicketID != nil {
		err = lifecycle.ErrSessionConflict
		return models.Ticket{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE tenant_id = $1 AND queue_id = $2 AND status = 'waiting'
			ORDER BY `+priorityOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'called',
			called_at = $3,
			session_id = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+qualifiedTicketColumns("tickets"), input.TenantID, input.QueueID, calledAt, input.SessionID)

	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err = lockQueue(ctx, tx, input.TenantID, input.QueueID); err != nil {
				return models.Ticket{}, err
			}
			err = store.ErrNoTicket
		}
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET current_ticket_id = $1
		WHERE session_id = $2
	`, ticket.TicketID, input.SessionID)
	if err != nil {
		return models.Ticket{}, err
	}

	waiting, err := countWaiting(ctx, tx, input.TenantID, input.QueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = insertTicketOutbox(ctx, tx, realtime.EventTicketCalled, ticket, waiting, ""); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return s.updateTicketStatus(ctx, input, realtime.EventTicketServing, `
		UPDATE tickets
		SET status = 'in_service',
			started_at = $3
		WHERE ticket_id = $1 AND tenant_id = $2 AND status = 'called'
		RETURNING `+ticketColumns, false, input.TicketID, input.TenantID, occurred)
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return s.updateTicketStatus(ctx, input, realtime.EventTicketCompleted, `
		UPDATE tickets
		SET status = 'completed',
			completed_at = $3
		WHERE ticket_id = $1 AND tenant_id = $2 AND status = 'in_service'
		RETURNING `+ticketColumns, true, input.TicketID, input.TenantID, occurred)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return s.updateTicketStatus(ctx, input, realtime.EventTicketCancelled, `
		UPDATE tickets
		SET status = 'cancelled',
			completed_at = $3,
			cancel_reason = $4
		WHERE ticket_id = $1 AND tenant_id = $2 AND status IN ('waiting','called')
		RETURNING `+ticketColumns, true, input.TicketID, input.TenantID, occurred, input.Reason)
}

// updateTicketStatus runs one guarded transition. When the guard
// matches no row the current status decides between not-found and
// state-conflict.
func (s *Store) updateTicketStatus(ctx context.Context, input store.TicketActionInput, eventType, query string, releaseSession bool, args ...interface{}) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyMissingTicket(ctx, tx, input.TenantID, input.TicketID)
		}
		return models.Ticket{}, err
	}

	if releaseSession {
		_, err = tx.Exec(ctx, `
			UPDATE sessions
			SET current_ticket_id = NULL
			WHERE tenant_id = $1 AND current_ticket_id = $2
		`, input.TenantID, input.TicketID)
		if err != nil {
			return models.Ticket{}, err
		}
	}

	waiting, err := countWaiting(ctx, tx, ticket.TenantID, ticket.QueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = insertTicketOutbox(ctx, tx, eventType, ticket, waiting, ""); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) TransferTicket(ctx context.Context, input store.TransferInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := lockTicket(ctx, tx, input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !lifecycle.CanTransition("transfer", ticket.Status) {
		err = lifecycle.ErrStateConflict
		return models.Ticket{}, err
	}
	fromQueueID := ticket.QueueID

	dest, err := lockQueue(ctx, tx, input.TenantID, input.ToQueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if input.ToService != "" {
		if err = ensureService(ctx, tx, input.TenantID, input.ToService); err != nil {
			return models.Ticket{}, err
		}
	}

	waiting, err := countWaiting(ctx, tx, input.TenantID, input.ToQueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = lifecycle.AdmitTicket(dest, waiting); err != nil {
		return models.Ticket{}, err
	}

	// IssuedAt is untouched so the ticket keeps its place in time on
	// the destination queue.
	serviceID := ticket.ServiceID
	if input.ToService != "" {
		serviceID = input.ToService
	}
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'waiting',
			queue_id = $3,
			unit_id = $4,
			service_id = $5,
			called_at = NULL,
			session_id = NULL
		WHERE ticket_id = $1 AND tenant_id = $2
		RETURNING `+ticketColumns, input.TicketID, input.TenantID, dest.QueueID, dest.UnitID, nullIfEmpty(serviceID))
	ticket, err = scanTicket(row)
	if err != nil {
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET current_ticket_id = NULL
		WHERE tenant_id = $1 AND current_ticket_id = $2
	`, input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}

	if err = insertTicketOutbox(ctx, tx, realtime.EventTicketTransferred, ticket, waiting+1, fromQueueID); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) StartSession(ctx context.Context, input store.StartSessionInput) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM sessions
			WHERE tenant_id = $1 AND user_id = $2 AND status <> 'completed'
		)
	`, input.TenantID, input.UserID)
	if err = row.Scan(&exists); err != nil {
		return models.Session{}, err
	}
	if exists {
		err = lifecycle.ErrSessionConflict
		return models.Session{}, err
	}

	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	session := models.Session{
		SessionID: uuid.NewString(),
		TenantID:  input.TenantID,
		UnitID:    input.UnitID,
		UserID:    input.UserID,
		Status:    models.SessionActive,
		StartedAt: startedAt,
	}
	if input.ResourceID != "" {
		resource := input.ResourceID
		session.ResourceID = &resource
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (session_id, tenant_id, unit_id, user_id, resource_id, status, started_at, paused_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0)
	`, session.SessionID, session.TenantID, session.UnitID, session.UserID, session.ResourceID, session.Status, session.StartedAt)
	if err != nil {
		return models.Session{}, err
	}

	if err = insertSessionOutbox(ctx, tx, realtime.EventSessionStarted, session); err != nil {
		return models.Session{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) PauseSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(ctx, input, func(session *models.Session, now time.Time) error {
		return lifecycle.PauseSession(session, now)
	}, "")
}

func (s *Store) ResumeSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(ctx, input, func(session *models.Session, now time.Time) error {
		return lifecycle.ResumeSession(session, now)
	}, "")
}

func (s *Store) CompleteSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(ctx, input, func(session *models.Session, now time.Time) error {
		return lifecycle.CompleteSession(session, input.Force, now)
	}, realtime.EventSessionCompleted)
}

// sessionAction locks the session row, applies the transition in Go,
// and writes the whole mutable state back.
func (s *Store) sessionAction(ctx context.Context, input store.SessionActionInput, apply func(*models.Session, time.Time) error, eventType string) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	session, err := lockSession(ctx, tx, input.TenantID, input.SessionID)
	if err != nil {
		return models.Session{}, err
	}

	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	if err = apply(&session, occurred); err != nil {
		return models.Session{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET status = $1,
			paused_at = $2,
			paused_seconds = $3,
			completed_at = $4,
			current_ticket_id = $5
		WHERE session_id = $6 AND tenant_id = $7
	`, session.Status, session.PausedAt, int64(session.PausedDuration/time.Second), session.CompletedAt, session.CurrentTicketID, session.SessionID, session.TenantID)
	if err != nil {
		return models.Session{}, err
	}

	if eventType != "" {
		if err = insertSessionOutbox(ctx, tx, eventType, session); err != nil {
			return models.Session{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) FindActiveSession(ctx context.Context, tenantID, userID string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE tenant_id = $1 AND user_id = $2 AND status <> 'completed'
		ORDER BY started_at DESC
		LIMIT 1
	`, tenantID, userID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) CountActiveSessions(ctx context.Context, tenantID, unitID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM sessions
		WHERE tenant_id = $1 AND status = 'active'
	`
	args := []interface{}{tenantID}
	if unitID != "" {
		query += " AND unit_id = $2"
		args = append(args, unitID)
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, tenant_id, type, queue_id, unit_id, payload, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, after.LastEventTime, after.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var queueIDNull sql.NullString
		var unitIDNull sql.NullString
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.Type, &queueIDNull, &unitIDNull, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if queueIDNull.Valid {
			event.QueueID = queueIDNull.String
		}
		if unitIDNull.Valid {
			event.UnitID = unitIDNull.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context) (store.Offset, error) {
	var offset store.Offset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM dispatcher_offsets
		WHERE consumer = 'realtime'
	`)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Offset{}, nil
		}
		return store.Offset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatcher_offsets (consumer, last_event_time, last_event_id)
		VALUES ('realtime', $1, $2)
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error) {
	if grace <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	cutoff := now.Add(-grace)
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return nil, err
	}
	var stale []models.Ticket
	for rows.Next() {
		ticket, scanErr := scanTicket(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, err
		}
		stale = append(stale, ticket)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range stale {
		ticket := stale[i]
		eventType := realtime.EventTicketCancelled
		if s.opts.NoShowReturnToQueue {
			_, err = tx.Exec(ctx, `
				UPDATE tickets
				SET status = 'waiting',
					called_at = NULL,
					session_id = NULL
				WHERE ticket_id = $1
			`, ticket.TicketID)
			if err != nil {
				return nil, err
			}
			ticket.Status = models.StatusWaiting
			ticket.CalledAt = nil
			ticket.SessionID = nil
			eventType = realtime.EventTicketRequeued
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE tickets
				SET status = 'cancelled',
					completed_at = $2,
					cancel_reason = 'no_show'
				WHERE ticket_id = $1
			`, ticket.TicketID, now)
			if err != nil {
				return nil, err
			}
			ticket.Status = models.StatusCancelled
			ticket.CompletedAt = &now
			ticket.CancelReason = "no_show"
		}
		_, err = tx.Exec(ctx, `
			UPDATE sessions
			SET current_ticket_id = NULL
			WHERE tenant_id = $1 AND current_ticket_id = $2
		`, ticket.TenantID, ticket.TicketID)
		if err != nil {
			return nil, err
		}

		waiting, countErr := countWaiting(ctx, tx, ticket.TenantID, ticket.QueueID)
		if countErr != nil {
			err = countErr
			return nil, err
		}
		if err = insertTicketOutbox(ctx, tx, eventType, ticket, waiting, ""); err != nil {
			return nil, err
		}
		stale[i] = ticket
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stale, nil
}

// rowQuerier is satisfied by both pgx.Tx and *pgxpool.Pool so the
// replay lookup can run inside the create transaction or after it
// rolled back on conflict.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTicketByRequestID(ctx context.Context, q rowQuerier, tenantID, requestID string) (models.Ticket, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE tenant_id = $1 AND request_id = $2
	`, tenantID, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func lockQueue(ctx context.Context, tx pgx.Tx, tenantID, queueID string) (models.Queue, error) {
	var queue models.Queue
	row := tx.QueryRow(ctx, `
		SELECT queue_id, tenant_id, unit_id, name, code, status, is_active, max_capacity
		FROM queues
		WHERE queue_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, queueID, tenantID)
	if err := row.Scan(&queue.QueueID, &queue.TenantID, &queue.UnitID, &queue.Name, &queue.Code, &queue.Status, &queue.IsActive, &queue.MaxCapacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, tenantID, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, ticketID, tenantID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, tenantID, sessionID string) (models.Session, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, sessionID, tenantID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func ensureService(ctx context.Context, tx pgx.Tx, tenantID, serviceID string) error {
	var id string
	row := tx.QueryRow(ctx, `
		SELECT service_id
		FROM services
		WHERE service_id = $1 AND tenant_id = $2
	`, serviceID, tenantID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrServiceNotFound
		}
		return err
	}
	return nil
}

func classifyMissingTicket(ctx context.Context, tx pgx.Tx, tenantID, ticketID string) error {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM tickets
		WHERE ticket_id = $1 AND tenant_id = $2
	`, ticketID, tenantID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	return lifecycle.ErrStateConflict
}

func countWaiting(ctx context.Context, tx pgx.Tx, tenantID, queueID string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE tenant_id = $1 AND queue_id = $2 AND status = 'waiting'
	`, tenantID, queueID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// nextTicketNumber draws from a per-queue counter keyed by the issue
// date, so display numbers restart every day.
func nextTicketNumber(ctx context.Context, tx pgx.Tx, tenantID, queueID string, issuedAt time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (tenant_id, queue_id, seq_date, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, queue_id, seq_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, tenantID, queueID, issuedAt.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTicketOutbox(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket, waitingCount int, fromQueueID string) error {
	payload := realtime.TicketEventPayload(ticket, waitingCount, fromQueueID)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, queue_id, unit_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, uuid.NewString(), ticket.TenantID, eventType, nullIfEmpty(ticket.QueueID), nullIfEmpty(ticket.UnitID), []byte(payload), time.Now().UTC())
	return err
}

func insertSessionOutbox(ctx context.Context, tx pgx.Tx, eventType string, session models.Session) error {
	payload, err := sessionPayload(session)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, queue_id, unit_id, payload, created_at)
		VALUES ($1,$2,$3,NULL,$4,$5,$6)
	`, uuid.NewString(), session.TenantID, eventType, nullIfEmpty(session.UnitID), payload, time.Now().UTC())
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceIDNull sql.NullString
	var calledAtNull sql.NullTime
	var startedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var sessionIDNull sql.NullString
	var cancelReasonNull sql.NullString
	var requestIDNull sql.NullString
	if err := row.Scan(&ticket.TicketID, &ticket.TicketNumber, &ticket.TenantID, &ticket.UnitID, &ticket.QueueID, &serviceIDNull, &ticket.Priority, &ticket.Status, &ticket.IssuedAt, &calledAtNull, &startedAtNull, &completedAtNull, &sessionIDNull, &cancelReasonNull, &requestIDNull); err != nil {
		return models.Ticket{}, err
	}
	if serviceIDNull.Valid {
		ticket.ServiceID = serviceIDNull.String
	}
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.StartedAt = nullTimePtr(startedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.SessionID = nullStringPtr(sessionIDNull)
	if cancelReasonNull.Valid {
		ticket.CancelReason = cancelReasonNull.String
	}
	if requestIDNull.Valid {
		ticket.RequestID = requestIDNull.String
	}
	return ticket, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	var resourceIDNull sql.NullString
	var pausedAtNull sql.NullTime
	var pausedSeconds int64
	var completedAtNull sql.NullTime
	var currentTicketNull sql.NullString
	if err := row.Scan(&session.SessionID, &session.TenantID, &session.UnitID, &session.UserID, &resourceIDNull, &session.Status, &session.StartedAt, &pausedAtNull, &pausedSeconds, &completedAtNull, &currentTicketNull); err != nil {
		return models.Session{}, err
	}
	session.ResourceID = nullStringPtr(resourceIDNull)
	session.PausedAt = nullTimePtr(pausedAtNull)
	session.PausedDuration = time.Duration(pausedSeconds) * time.Second
	session.CompletedAt = nullTimePtr(completedAtNull)
	session.CurrentTicketID = nullStringPtr(currentTicketNull)
	return session, nil
}
