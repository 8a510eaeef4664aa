// Package memory is an in-process TicketStore used by tests and dev
// mode. One mutex serializes all access, which doubles as the
// consistent-snapshot and per-session serialization guarantees the
// postgres store gets from transactions and row locks.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"qline/internal/lifecycle"
	"qline/internal/models"
	"qline/internal/ordering"
	"qline/internal/realtime"
	"qline/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu            sync.Mutex
	queues        map[string]models.Queue
	services      map[string]models.Service
	tickets       map[string]models.Ticket
	sessions      map[string]models.Session
	byRequestID   map[string]string
	sequence      map[string]int
	outbox        []store.OutboxEvent
	offset        store.Offset
	now           func() time.Time
	returnToQueue bool
}

func NewStore() *Store {
	return &Store{
		queues:      make(map[string]models.Queue),
		services:    make(map[string]models.Service),
		tickets:     make(map[string]models.Ticket),
		sessions:    make(map[string]models.Session),
		byRequestID: make(map[string]string),
		sequence:    make(map[string]int),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetNoShowReturnToQueue switches the no-show sweep from cancelling
// stale tickets to sending them back to waiting.
func (s *Store) SetNoShowReturnToQueue(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnToQueue = enabled
}

// PutQueue and PutService seed catalog data.
func (s *Store) PutQueue(queue models.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue.QueueID] = queue
}

func (s *Store) PutService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) CreateTicket(_ context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if ticketID, ok := s.byRequestID[input.TenantID+"|"+input.RequestID]; ok {
			if existing, found := s.tickets[ticketID]; found {
				return existing, false, nil
			}
		}
	}

	queue, ok := s.queues[input.QueueID]
	if !ok || queue.TenantID != input.TenantID {
		return models.Ticket{}, false, store.ErrQueueNotFound
	}
	if input.ServiceID != "" {
		service, ok := s.services[input.ServiceID]
		if !ok || service.TenantID != input.TenantID {
			return models.Ticket{}, false, store.ErrServiceNotFound
		}
	}
	if err := lifecycle.AdmitTicket(queue, s.waitingCountLocked(input.TenantID, input.QueueID)); err != nil {
		return models.Ticket{}, false, err
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now().UTC()
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	// Display numbers restart every day, per queue.
	seqKey := input.QueueID + "|" + issuedAt.UTC().Format("2006-01-02")
	s.sequence[seqKey]++
	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		TicketNumber: fmt.Sprintf("%s-%03d", queue.Code, s.sequence[seqKey]),
		TenantID:     input.TenantID,
		UnitID:       queue.UnitID,
		QueueID:      input.QueueID,
		ServiceID:    input.ServiceID,
		Priority:     priority,
		Status:       models.StatusWaiting,
		IssuedAt:     issuedAt,
		RequestID:    input.RequestID,
	}
	s.tickets[ticket.TicketID] = ticket
	if input.RequestID != "" {
		s.byRequestID[input.TenantID+"|"+input.RequestID] = ticket.TicketID
	}
	s.appendTicketEventLocked(realtime.EventTicketCreated, ticket, "")
	return ticket, true, nil
}

func (s *Store) GetTicket(_ context.Context, tenantID, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTicketLocked(tenantID, ticketID)
}

func (s *Store) getTicketLocked(tenantID, ticketID string) (models.Ticket, error) {
	ticket, ok := s.tickets[ticketID]
	if !ok || ticket.TenantID != tenantID {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) FindWaitingTickets(_ context.Context, tenantID, queueID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue, ok := s.queues[queueID]; !ok || queue.TenantID != tenantID {
		return nil, store.ErrQueueNotFound
	}
	return s.waitingLocked(tenantID, queueID), nil
}

func (s *Store) waitingLocked(tenantID, queueID string) []models.Ticket {
	var snapshot []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.TenantID == tenantID && ticket.QueueID == queueID && ticket.Status == models.StatusWaiting {
			snapshot = append(snapshot, ticket)
		}
	}
	ordering.Sort(snapshot)
	return snapshot
}

func (s *Store) waitingCountLocked(tenantID, queueID string) int {
	return len(s.waitingLocked(tenantID, queueID))
}

func (s *Store) GetQueue(_ context.Context, tenantID, queueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok || queue.TenantID != tenantID {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return queue, nil
}

func (s *Store) ListQueues(_ context.Context, tenantID, unitID string) ([]models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queues []models.Queue
	for _, queue := range s.queues {
		if queue.TenantID != tenantID {
			continue
		}
		if unitID != "" && queue.UnitID != unitID {
			continue
		}
		queues = append(queues, queue)
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Name != queues[j].Name {
			return queues[i].Name < queues[j].Name
		}
		return queues[i].QueueID < queues[j].QueueID
	})
	return queues, nil
}

func (s *Store) GetService(_ context.Context, tenantID, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok || service.TenantID != tenantID {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) CallNext(_ context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[input.SessionID]
	if !ok || session.TenantID != input.TenantID {
		return models.Ticket{}, store.ErrSessionNotFound
	}
	if queue, ok := s.queues[input.QueueID]; !ok || queue.TenantID != input.TenantID {
		return models.Ticket{}, store.ErrQueueNotFound
	}

	snapshot := s.waitingLocked(input.TenantID, input.QueueID)
	next, found := ordering.Next(snapshot)
	if !found {
		return models.Ticket{}, store.ErrNoTicket
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now().UTC()
	}
	if err := lifecycle.Call(&next, &session, calledAt); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[next.TicketID] = next
	s.sessions[session.SessionID] = session
	s.appendTicketEventLocked(realtime.EventTicketCalled, next, "")
	return next, nil
}

func (s *Store) StartService(_ context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.getTicketLocked(input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	if err := lifecycle.StartService(&ticket, occurred); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.appendTicketEventLocked(realtime.EventTicketServing, ticket, "")
	return ticket, nil
}

func (s *Store) CompleteTicket(_ context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.getTicketLocked(input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	session := s.sessionOfLocked(ticket)
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	if err := lifecycle.Complete(&ticket, session, occurred); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.putSessionLocked(session)
	s.appendTicketEventLocked(realtime.EventTicketCompleted, ticket, "")
	return ticket, nil
}

func (s *Store) CancelTicket(_ context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(input)
}

func (s *Store) cancelLocked(input store.TicketActionInput) (models.Ticket, error) {
	ticket, err := s.getTicketLocked(input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	session := s.sessionOfLocked(ticket)
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	if err := lifecycle.Cancel(&ticket, session, input.Reason, occurred); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.putSessionLocked(session)
	s.appendTicketEventLocked(realtime.EventTicketCancelled, ticket, "")
	return ticket, nil
}

func (s *Store) TransferTicket(_ context.Context, input store.TransferInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.getTicketLocked(input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	dest, ok := s.queues[input.ToQueueID]
	if !ok || dest.TenantID != input.TenantID {
		return models.Ticket{}, store.ErrQueueNotFound
	}
	if input.ToService != "" {
		service, ok := s.services[input.ToService]
		if !ok || service.TenantID != input.TenantID {
			return models.Ticket{}, store.ErrServiceNotFound
		}
	}

	fromQueueID := ticket.QueueID
	session := s.sessionOfLocked(ticket)
	if err := lifecycle.Transfer(&ticket, session, dest, input.ToService, s.waitingCountLocked(input.TenantID, input.ToQueueID)); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.putSessionLocked(session)
	s.appendTicketEventLocked(realtime.EventTicketTransferred, ticket, fromQueueID)
	return ticket, nil
}

func (s *Store) sessionOfLocked(ticket models.Ticket) *models.Session {
	if ticket.SessionID == nil {
		return nil
	}
	session, ok := s.sessions[*ticket.SessionID]
	if !ok {
		return nil
	}
	return &session
}

func (s *Store) putSessionLocked(session *models.Session) {
	if session != nil {
		s.sessions[session.SessionID] = *session
	}
}

func (s *Store) StartSession(_ context.Context, input store.StartSessionInput) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.TenantID == input.TenantID && existing.UserID == input.UserID && existing.Status != models.SessionCompleted {
			return models.Session{}, lifecycle.ErrSessionConflict
		}
	}

	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now().UTC()
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
	s.sessions[session.SessionID] = session
	s.appendSessionEventLocked(realtime.EventSessionStarted, session)
	return session, nil
}

func (s *Store) PauseSession(_ context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(input, func(session *models.Session, now time.Time) error {
		return lifecycle.PauseSession(session, now)
	}, "")
}

func (s *Store) ResumeSession(_ context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(input, func(session *models.Session, now time.Time) error {
		return lifecycle.ResumeSession(session, now)
	}, "")
}

func (s *Store) CompleteSession(_ context.Context, input store.SessionActionInput) (models.Session, error) {
	return s.sessionAction(input, func(session *models.Session, now time.Time) error {
		return lifecycle.CompleteSession(session, input.Force, now)
	}, realtime.EventSessionCompleted)
}

func (s *Store) sessionAction(input store.SessionActionInput, apply func(*models.Session, time.Time) error, eventType string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[input.SessionID]
	if !ok || session.TenantID != input.TenantID {
		return models.Session{}, store.ErrSessionNotFound
	}
	occurred := input.OccurredAt
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	if err := apply(&session, occurred); err != nil {
		return models.Session{}, err
	}
	s.sessions[session.SessionID] = session
	if eventType != "" {
		s.appendSessionEventLocked(eventType, session)
	}
	return session, nil
}

func (s *Store) FindActiveSession(_ context.Context, tenantID, userID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.TenantID == tenantID && session.UserID == userID && session.Status != models.SessionCompleted {
			return session, nil
		}
	}
	return models.Session{}, store.ErrSessionNotFound
}

func (s *Store) CountActiveSessions(_ context.Context, tenantID, unitID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, session := range s.sessions {
		if session.TenantID == tenantID && session.Status == models.SessionActive {
			if unitID == "" || session.UnitID == unitID {
				count++
			}
		}
	}
	return count, nil
}

func (s *Store) ListOutboxEvents(_ context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.CreatedAt.After(after.LastEventTime) ||
			(event.CreatedAt.Equal(after.LastEventTime) && event.EventID > after.LastEventID) {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].EventID < events[j].EventID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) GetOffset(_ context.Context) (store.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, nil
}

func (s *Store) UpdateOffset(_ context.Context, offset store.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	return nil
}

func (s *Store) AutoNoShow(_ context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error) {
	if grace <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	s.mu.Lock()
	cutoff := s.now().UTC().Add(-grace)
	var stale []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status == models.StatusCalled && ticket.CalledAt != nil && !ticket.CalledAt.After(cutoff) {
			stale = append(stale, ticket)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CalledAt.Before(*stale[j].CalledAt) })
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}
	s.mu.Unlock()

	var swept []models.Ticket
	for _, ticket := range stale {
		s.mu.Lock()
		var after models.Ticket
		var err error
		if s.returnToQueue {
			after, err = s.requeueLocked(ticket.TenantID, ticket.TicketID)
		} else {
			after, err = s.cancelLocked(store.TicketActionInput{
				TenantID: ticket.TenantID,
				TicketID: ticket.TicketID,
				Reason:   "no_show",
			})
		}
		s.mu.Unlock()
		if err == nil {
			swept = append(swept, after)
		}
	}
	return swept, nil
}

func (s *Store) requeueLocked(tenantID, ticketID string) (models.Ticket, error) {
	ticket, err := s.getTicketLocked(tenantID, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status != models.StatusCalled {
		return models.Ticket{}, lifecycle.ErrStateConflict
	}
	session := s.sessionOfLocked(ticket)
	if session != nil && session.CurrentTicketID != nil && *session.CurrentTicketID == ticket.TicketID {
		session.CurrentTicketID = nil
	}
	ticket.Status = models.StatusWaiting
	ticket.CalledAt = nil
	ticket.SessionID = nil
	s.tickets[ticket.TicketID] = ticket
	s.putSessionLocked(session)
	s.appendTicketEventLocked(realtime.EventTicketRequeued, ticket, "")
	return ticket, nil
}

func (s *Store) appendTicketEventLocked(eventType string, ticket models.Ticket, fromQueueID string) {
	waiting := s.waitingCountLocked(ticket.TenantID, ticket.QueueID)
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		TenantID:  ticket.TenantID,
		Type:      eventType,
		QueueID:   ticket.QueueID,
		UnitID:    ticket.UnitID,
		Payload:   realtime.TicketEventPayload(ticket, waiting, fromQueueID),
		CreatedAt: s.now().UTC(),
	})
}

func (s *Store) appendSessionEventLocked(eventType string, session models.Session) {
	payload, _ := json.Marshal(realtime.SessionPayload{
		SessionID: session.SessionID,
		UnitID:    session.UnitID,
		UserID:    session.UserID,
		Status:    session.Status,
	})
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		TenantID:  session.TenantID,
		Type:      eventType,
		UnitID:    session.UnitID,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
}
