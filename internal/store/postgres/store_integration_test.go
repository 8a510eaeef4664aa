package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qline/internal/models"
	"qline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	for i := 0; i < 8; i++ {
		_, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
			RequestID: uuid.NewString(),
			TenantID:  tenantID,
			QueueID:   queueID,
			ServiceID: serviceID,
			Priority:  models.PriorityNormal,
		})
		if err != nil {
			t.Fatalf("create ticket: %v", err)
		}
	}

	var sessions []models.Session
	for i := 0; i < 4; i++ {
		session, err := st.StartSession(ctx, store.StartSessionInput{
			TenantID: tenantID,
			UnitID:   unitID,
			UserID:   uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("start session: %v", err)
		}
		sessions = append(sessions, session)
	}

	type result struct {
		ticketID string
		err      error
	}
	results := make([]result, len(sessions))
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := st.CallNext(ctx, store.CallNextInput{
				TenantID:  tenantID,
				QueueID:   queueID,
				SessionID: sessions[i].SessionID,
			})
			results[i] = result{ticketID: ticket.TicketID, err: err}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("call next: %v", r.err)
		}
		if seen[r.ticketID] {
			t.Fatalf("ticket %s called twice", r.ticketID)
		}
		seen[r.ticketID] = true
	}

	waiting, err := st.FindWaitingTickets(ctx, tenantID, queueID)
	if err != nil {
		t.Fatalf("find waiting: %v", err)
	}
	if len(waiting) != 4 {
		t.Fatalf("waiting=%d, want 4", len(waiting))
	}
}

func TestCreateTicketIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	requestID := uuid.NewString()
	first, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		TenantID:  tenantID,
		QueueID:   queueID,
		ServiceID: serviceID,
		Priority:  models.PriorityHigh,
	})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	replay, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		TenantID:  tenantID,
		QueueID:   queueID,
		ServiceID: serviceID,
		Priority:  models.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Fatal("replay reported as new")
	}
	if replay.TicketID != first.TicketID || replay.TicketNumber != first.TicketNumber {
		t.Fatalf("replay returned %s/%s, want %s/%s", replay.TicketID, replay.TicketNumber, first.TicketID, first.TicketNumber)
	}
}

func TestCreateTicketConcurrentSameRequestID(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	// Both creates miss the replay lookup; the insert conflict must
	// resolve to a single ticket, not a unique-violation error.
	requestID := uuid.NewString()
	type result struct {
		ticket  models.Ticket
		created bool
		err     error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID: requestID,
				TenantID:  tenantID,
				QueueID:   queueID,
				ServiceID: serviceID,
				Priority:  models.PriorityNormal,
			})
			results[i] = result{ticket: ticket, created: created, err: err}
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("concurrent create: %v", r.err)
		}
		if r.created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("created=%d, want exactly 1", createdCount)
	}
	if results[0].ticket.TicketID != results[1].ticket.TicketID {
		t.Fatalf("tickets diverged: %s vs %s", results[0].ticket.TicketID, results[1].ticket.TicketID)
	}
}

func TestCreateTicketRequestIDScopedByTenant(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantA := uuid.NewString()
	queueA := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantA, uuid.NewString(), queueA, uuid.NewString())
	tenantB := uuid.NewString()
	queueB := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantB, uuid.NewString(), queueB, uuid.NewString())

	requestID := uuid.NewString()
	first, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		TenantID:  tenantA,
		QueueID:   queueA,
	})
	if err != nil || !created {
		t.Fatalf("tenant A create: created=%v err=%v", created, err)
	}

	second, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		TenantID:  tenantB,
		QueueID:   queueB,
	})
	if err != nil {
		t.Fatalf("tenant B create: %v", err)
	}
	if !created {
		t.Fatal("tenant B create replayed another tenant's ticket")
	}
	if second.TicketID == first.TicketID || second.TenantID != tenantB {
		t.Fatalf("tenant B got ticket %s of tenant %s", second.TicketID, second.TenantID)
	}
}

func TestCreateTicketDefaultsPriority(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: uuid.NewString(),
		TenantID:  tenantID,
		QueueID:   queueID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.Priority != models.PriorityNormal {
		t.Fatalf("priority=%q, want normal", ticket.Priority)
	}

	stored, err := st.GetTicket(ctx, tenantID, ticket.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Priority != models.PriorityNormal {
		t.Fatalf("stored priority=%q, want normal", stored.Priority)
	}
}

func TestAutoNoShowCancelsStaleCalled(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: uuid.NewString(),
		TenantID:  tenantID,
		QueueID:   queueID,
		ServiceID: serviceID,
		Priority:  models.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	session, err := st.StartSession(ctx, store.StartSessionInput{
		TenantID: tenantID,
		UnitID:   unitID,
		UserID:   uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{
		TenantID:  tenantID,
		QueueID:   queueID,
		SessionID: session.SessionID,
	}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	// Age the call past any realistic grace.
	if _, err := pool.Exec(ctx, `
		UPDATE tickets SET called_at = $1 WHERE ticket_id = $2
	`, time.Now().UTC().Add(-time.Hour), ticket.TicketID); err != nil {
		t.Fatalf("age ticket: %v", err)
	}

	swept, err := st.AutoNoShow(ctx, 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("auto no-show: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("swept=%d, want 1", len(swept))
	}
	if swept[0].TicketID != ticket.TicketID || swept[0].Status != models.StatusCancelled {
		t.Fatalf("swept ticket: id=%s status=%s", swept[0].TicketID, swept[0].Status)
	}

	got, err := st.GetTicket(ctx, tenantID, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelReason != "no_show" {
		t.Fatalf("status=%s reason=%s, want cancelled/no_show", got.Status, got.CancelReason)
	}

	refreshed, err := st.FindActiveSession(ctx, tenantID, session.UserID)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if refreshed.CurrentTicketID != nil {
		t.Fatal("session still bound to swept ticket")
	}
}

func TestCompleteRequiresInService(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	unitID := uuid.NewString()
	queueID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, tenantID, unitID, queueID, serviceID)

	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: uuid.NewString(),
		TenantID:  tenantID,
		QueueID:   queueID,
		ServiceID: serviceID,
		Priority:  models.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	_, err = st.CompleteTicket(ctx, store.TicketActionInput{TenantID: tenantID, TicketID: ticket.TicketID})
	if err == nil {
		t.Fatal("complete on waiting ticket succeeded")
	}
	if errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("got not-found, want state conflict: %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBaseData(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tenantID, unitID, queueID, serviceID string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO units (unit_id, tenant_id, name, is_open) VALUES ($1, $2, 'Unit', TRUE)
	`, unitID, tenantID); err != nil {
		t.Fatalf("insert unit: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO queues (queue_id, tenant_id, unit_id, name, code, status, is_active, max_capacity)
		VALUES ($1, $2, $3, 'Queue', 'Q', 'open', TRUE, 100)
	`, queueID, tenantID, unitID); err != nil {
		t.Fatalf("insert queue: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO services (service_id, tenant_id, name, code, estimated_minutes)
		VALUES ($1, $2, 'Service', 'SV', 6)
	`, serviceID, tenantID); err != nil {
		t.Fatalf("insert service: %v", err)
	}
}
