package store

import (
	"context"
	"encoding/json"
	"time"

	"qline/internal/models"
)

type CreateTicketInput struct {
	RequestID string
	TenantID  string
	QueueID   string
	ServiceID string
	Priority  string
	IssuedAt  time.Time
}

type CallNextInput struct {
	TenantID  string
	QueueID   string
	SessionID string
	CalledAt  time.Time
}

type TicketActionInput struct {
	TenantID   string
	TicketID   string
	SessionID  string
	Reason     string
	OccurredAt time.Time
}

type TransferInput struct {
	TenantID   string
	TicketID   string
	ToQueueID  string
	ToService  string
	OccurredAt time.Time
}

type StartSessionInput struct {
	TenantID   string
	UnitID     string
	UserID     string
	ResourceID string
	StartedAt  time.Time
}

type SessionActionInput struct {
	TenantID   string
	SessionID  string
	Force      bool
	OccurredAt time.Time
}

// Offset marks how far the realtime dispatcher has read the outbox.
type Offset struct {
	LastEventTime time.Time
	LastEventID   string
}

// OutboxEvent is a change event written in the same transaction as the
// mutation that produced it. The dispatcher fans it out to the hub.
type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	QueueID   string          `json:"queue_id,omitempty"`
	UnitID    string          `json:"unit_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// TicketStore is the durable backend for tickets, queues, and sessions.
// Every method is tenant-scoped; implementations must never return rows
// belonging to another tenant. Tickets are soft-retired: terminal rows
// stay in place with their terminal status.
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	// FindWaitingTickets returns one consistent snapshot of the waiting
	// set for a queue; position, next, and counts all derive from it.
	FindWaitingTickets(ctx context.Context, tenantID, queueID string) ([]models.Ticket, error)
	GetQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error)
	// ListQueues returns the tenant's queues, optionally filtered to one
	// unit. Empty unitID means all units.
	ListQueues(ctx context.Context, tenantID, unitID string) ([]models.Queue, error)
	GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error)

	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	StartService(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input TransferInput) (models.Ticket, error)

	StartSession(ctx context.Context, input StartSessionInput) (models.Session, error)
	PauseSession(ctx context.Context, input SessionActionInput) (models.Session, error)
	ResumeSession(ctx context.Context, input SessionActionInput) (models.Session, error)
	CompleteSession(ctx context.Context, input SessionActionInput) (models.Session, error)
	FindActiveSession(ctx context.Context, tenantID, userID string) (models.Session, error)
	CountActiveSessions(ctx context.Context, tenantID, unitID string) (int, error)

	ListOutboxEvents(ctx context.Context, after Offset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context) (Offset, error)
	UpdateOffset(ctx context.Context, offset Offset) error

	// AutoNoShow retires called tickets whose holder never showed up
	// within the grace period and returns the tickets it touched, so
	// callers can drop the cache entries those mutations made stale.
	AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error)
}
