package lifecycle

import (
	"errors"
	"testing"
	"time"

	"qline/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call", models.StatusWaiting, true},
		{"call", models.StatusCalled, false},
		{"call", models.StatusCompleted, false},
		{"start", models.StatusCalled, true},
		{"start", models.StatusWaiting, false},
		{"complete", models.StatusInService, true},
		{"complete", models.StatusCalled, false},
		{"complete", models.StatusCompleted, false},
		{"cancel", models.StatusWaiting, true},
		{"cancel", models.StatusCalled, true},
		{"cancel", models.StatusInService, false},
		{"cancel", models.StatusCancelled, false},
		{"transfer", models.StatusWaiting, true},
		{"transfer", models.StatusCalled, true},
		{"transfer", models.StatusInService, false},
		{"unknown", models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := CanTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("CanTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func activeSession() models.Session {
	return models.Session{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		UserID:    "user-1",
		Status:    models.SessionActive,
		StartedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func waitingTicket() models.Ticket {
	return models.Ticket{
		TicketID: "ticket-1",
		TenantID: "tenant-1",
		QueueID:  "queue-1",
		Priority: models.PriorityNormal,
		Status:   models.StatusWaiting,
		IssuedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestCallBindsSession(t *testing.T) {
	ticket := waitingTicket()
	session := activeSession()
	now := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)

	if err := Call(&ticket, &session, now); err != nil {
		t.Fatalf("call: %v", err)
	}
	if ticket.Status != models.StatusCalled {
		t.Fatalf("status=%s, want called", ticket.Status)
	}
	if ticket.CalledAt == nil || !ticket.CalledAt.Equal(now) {
		t.Fatalf("called_at=%v, want %v", ticket.CalledAt, now)
	}
	if session.CurrentTicketID == nil || *session.CurrentTicketID != ticket.TicketID {
		t.Fatal("session did not bind the ticket")
	}
}

func TestCallGuards(t *testing.T) {
	now := time.Now()

	ticket := waitingTicket()
	paused := activeSession()
	paused.Status = models.SessionPaused
	if err := Call(&ticket, &paused, now); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("call on paused session: %v, want session conflict", err)
	}

	ticket = waitingTicket()
	busy := activeSession()
	other := "other-ticket"
	busy.CurrentTicketID = &other
	if err := Call(&ticket, &busy, now); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("call on busy session: %v, want session conflict", err)
	}

	done := waitingTicket()
	done.Status = models.StatusCompleted
	session := activeSession()
	if err := Call(&done, &session, now); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("call on completed ticket: %v, want state conflict", err)
	}
}

func TestCompleteIsTerminalOnce(t *testing.T) {
	ticket := waitingTicket()
	session := activeSession()
	base := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)

	if err := Call(&ticket, &session, base); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := StartService(&ticket, base.Add(time.Minute)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Complete(&ticket, &session, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first := *ticket.CompletedAt
	if err := Complete(&ticket, &session, base.Add(20*time.Minute)); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second complete: %v, want state conflict", err)
	}
	if !ticket.CompletedAt.Equal(first) {
		t.Fatal("completed_at changed on rejected transition")
	}
	if session.CurrentTicketID != nil {
		t.Fatal("complete did not release the session binding")
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	ticket := waitingTicket()
	session := activeSession()
	base := ticket.IssuedAt

	_ = Call(&ticket, &session, base.Add(time.Minute))
	_ = StartService(&ticket, base.Add(2*time.Minute))
	_ = Complete(&ticket, &session, base.Add(3*time.Minute))

	if ticket.CalledAt.Before(ticket.IssuedAt) ||
		ticket.StartedAt.Before(*ticket.CalledAt) ||
		ticket.CompletedAt.Before(*ticket.StartedAt) {
		t.Fatalf("timestamps not monotonic: %v %v %v %v",
			ticket.IssuedAt, ticket.CalledAt, ticket.StartedAt, ticket.CompletedAt)
	}
}

func TestTransferPreservesIssuedAt(t *testing.T) {
	ticket := waitingTicket()
	session := activeSession()
	issued := ticket.IssuedAt
	if err := Call(&ticket, &session, issued.Add(time.Minute)); err != nil {
		t.Fatalf("call: %v", err)
	}

	dest := models.Queue{
		QueueID:     "queue-2",
		TenantID:    "tenant-1",
		UnitID:      "unit-2",
		Status:      models.QueueOpen,
		IsActive:    true,
		MaxCapacity: 10,
	}
	if err := Transfer(&ticket, &session, dest, "svc-2", 3); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if ticket.Status != models.StatusWaiting {
		t.Fatalf("status=%s, want waiting", ticket.Status)
	}
	if !ticket.IssuedAt.Equal(issued) {
		t.Fatal("transfer must preserve issued_at")
	}
	if ticket.CalledAt != nil {
		t.Fatal("transfer must reset called_at")
	}
	if ticket.QueueID != "queue-2" || ticket.ServiceID != "svc-2" {
		t.Fatalf("queue=%s service=%s after transfer", ticket.QueueID, ticket.ServiceID)
	}
	if session.CurrentTicketID != nil {
		t.Fatal("transfer did not release the session binding")
	}
}

func TestTransferRespectsCapacity(t *testing.T) {
	ticket := waitingTicket()
	full := models.Queue{
		QueueID:     "queue-2",
		Status:      models.QueueOpen,
		IsActive:    true,
		MaxCapacity: 5,
	}
	if err := Transfer(&ticket, nil, full, "", 5); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("transfer into full queue: %v, want capacity exceeded", err)
	}
	if ticket.QueueID != "queue-1" {
		t.Fatal("failed transfer must not move the ticket")
	}
}

func TestAdmitTicket(t *testing.T) {
	queue := models.Queue{Status: models.QueueOpen, IsActive: true, MaxCapacity: 2}

	if err := AdmitTicket(queue, 1); err != nil {
		t.Fatalf("admit below capacity: %v", err)
	}
	if err := AdmitTicket(queue, 2); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("admit at capacity: %v, want capacity exceeded", err)
	}

	queue.Status = models.QueuePaused
	if err := AdmitTicket(queue, 0); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("admit into paused queue: %v, want capacity exceeded", err)
	}

	queue.Status = models.QueueOpen
	queue.IsActive = false
	if err := AdmitTicket(queue, 0); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("admit into inactive queue: %v, want capacity exceeded", err)
	}
}

func TestSessionPauseResumeAccumulates(t *testing.T) {
	session := activeSession()
	base := session.StartedAt

	if err := PauseSession(&session, base.Add(time.Hour)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := PauseSession(&session, base.Add(time.Hour)); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("double pause: %v, want state conflict", err)
	}
	if err := ResumeSession(&session, base.Add(90*time.Minute)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if session.PausedDuration != 30*time.Minute {
		t.Fatalf("paused_duration=%v, want 30m", session.PausedDuration)
	}
	if err := ResumeSession(&session, base.Add(2*time.Hour)); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("resume active session: %v, want state conflict", err)
	}

	if err := PauseSession(&session, base.Add(3*time.Hour)); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if err := CompleteSession(&session, false, base.Add(3*time.Hour+15*time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if session.PausedDuration != 45*time.Minute {
		t.Fatalf("paused_duration=%v, want 45m", session.PausedDuration)
	}
	if session.Status != models.SessionCompleted || session.CompletedAt == nil {
		t.Fatal("session not completed")
	}
}

func TestCompleteSessionWithBoundTicket(t *testing.T) {
	session := activeSession()
	ticketID := "ticket-1"
	session.CurrentTicketID = &ticketID
	now := time.Now()

	if err := CompleteSession(&session, false, now); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("complete with bound ticket: %v, want session conflict", err)
	}
	if err := CompleteSession(&session, true, now); err != nil {
		t.Fatalf("forced complete: %v", err)
	}
	if session.CurrentTicketID != nil {
		t.Fatal("forced complete must clear the binding")
	}
	if err := CompleteSession(&session, true, now); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("complete twice: %v, want state conflict", err)
	}
}
