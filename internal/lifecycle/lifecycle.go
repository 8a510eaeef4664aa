// Package lifecycle owns the ticket and session state machines. Store
// implementations apply every mutation through these functions so the
// same guards hold no matter which backend is in use.
package lifecycle

import (
	"errors"
	"time"

	"qline/internal/models"
)

var (
	ErrStateConflict    = errors.New("state conflict")
	ErrSessionConflict  = errors.New("session conflict")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

var ticketTransitions = map[string][]string{
	"call":     {models.StatusWaiting},
	"start":    {models.StatusCalled},
	"complete": {models.StatusInService},
	"cancel":   {models.StatusWaiting, models.StatusCalled},
	"transfer": {models.StatusWaiting, models.StatusCalled},
}

// CanTransition reports whether action is legal from the given status.
func CanTransition(action, fromStatus string) bool {
	allowed, ok := ticketTransitions[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AdmitTicket checks that queue can accept one more ticket given the
// current waiting count.
func AdmitTicket(queue models.Queue, waitingCount int) error {
	if !queue.Accepting(waitingCount) {
		return ErrCapacityExceeded
	}
	return nil
}

// Call binds ticket to session and moves it to Called. The session must
// be active and must not already hold a ticket.
func Call(ticket *models.Ticket, session *models.Session, now time.Time) error {
	if !CanTransition("call", ticket.Status) {
		return ErrStateConflict
	}
	if session.Status != models.SessionActive {
		return ErrSessionConflict
	}
	if session.CurrentTicketID != nil {
		return ErrSessionConflict
	}
	called := now.UTC()
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &called
	ticket.SessionID = &session.SessionID
	session.CurrentTicketID = &ticket.TicketID
	return nil
}

// StartService moves a called ticket into service.
func StartService(ticket *models.Ticket, now time.Time) error {
	if !CanTransition("start", ticket.Status) {
		return ErrStateConflict
	}
	started := now.UTC()
	ticket.Status = models.StatusInService
	ticket.StartedAt = &started
	return nil
}

// Complete finishes service and releases the session's current-ticket
// binding. Terminal fields are set exactly once; a second Complete fails.
func Complete(ticket *models.Ticket, session *models.Session, now time.Time) error {
	if !CanTransition("complete", ticket.Status) {
		return ErrStateConflict
	}
	completed := now.UTC()
	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &completed
	if session != nil && session.CurrentTicketID != nil && *session.CurrentTicketID == ticket.TicketID {
		session.CurrentTicketID = nil
	}
	return nil
}

// Cancel retires a ticket before service begins. Cancelling active
// service is modeled as Complete with a reason, never as Cancel.
func Cancel(ticket *models.Ticket, session *models.Session, reason string, now time.Time) error {
	if !CanTransition("cancel", ticket.Status) {
		return ErrStateConflict
	}
	completed := now.UTC()
	ticket.Status = models.StatusCancelled
	ticket.CompletedAt = &completed
	ticket.CancelReason = reason
	if session != nil && session.CurrentTicketID != nil && *session.CurrentTicketID == ticket.TicketID {
		session.CurrentTicketID = nil
	}
	return nil
}

// Transfer re-enters the ticket as Waiting on another queue. IssuedAt is
// preserved so the ticket keeps its place in time; only queue membership
// changes. CalledAt resets because the new queue has not called it.
func Transfer(ticket *models.Ticket, session *models.Session, newQueue models.Queue, newServiceID string, waitingCount int) error {
	if !CanTransition("transfer", ticket.Status) {
		return ErrStateConflict
	}
	if err := AdmitTicket(newQueue, waitingCount); err != nil {
		return err
	}
	ticket.Status = models.StatusWaiting
	ticket.QueueID = newQueue.QueueID
	ticket.UnitID = newQueue.UnitID
	if newServiceID != "" {
		ticket.ServiceID = newServiceID
	}
	ticket.CalledAt = nil
	ticket.SessionID = nil
	if session != nil && session.CurrentTicketID != nil && *session.CurrentTicketID == ticket.TicketID {
		session.CurrentTicketID = nil
	}
	return nil
}

// PauseSession moves an active session to paused and records when the
// pause began so ResumeSession can accumulate the duration.
func PauseSession(session *models.Session, now time.Time) error {
	if session.Status != models.SessionActive {
		return ErrStateConflict
	}
	paused := now.UTC()
	session.Status = models.SessionPaused
	session.PausedAt = &paused
	return nil
}

// ResumeSession returns a paused session to active.
func ResumeSession(session *models.Session, now time.Time) error {
	if session.Status != models.SessionPaused {
		return ErrStateConflict
	}
	if session.PausedAt != nil {
		session.PausedDuration += now.UTC().Sub(*session.PausedAt)
	}
	session.Status = models.SessionActive
	session.PausedAt = nil
	return nil
}

// CompleteSession retires a session. A session still holding a ticket
// only completes when forced.
func CompleteSession(session *models.Session, force bool, now time.Time) error {
	if session.Status != models.SessionActive && session.Status != models.SessionPaused {
		return ErrStateConflict
	}
	if session.CurrentTicketID != nil && !force {
		return ErrSessionConflict
	}
	completed := now.UTC()
	if session.Status == models.SessionPaused && session.PausedAt != nil {
		session.PausedDuration += completed.Sub(*session.PausedAt)
		session.PausedAt = nil
	}
	session.Status = models.SessionCompleted
	session.CompletedAt = &completed
	session.CurrentTicketID = nil
	return nil
}
