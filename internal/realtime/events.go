package realtime

import (
	"encoding/json"
	"time"

	"qline/internal/models"
	"qline/internal/store"
)

// Event types carried over the live channel.
const (
	EventTicketCreated     = "ticket.created"
	EventTicketCalled      = "ticket.called"
	EventTicketServing     = "ticket.serving"
	EventTicketCompleted   = "ticket.completed"
	EventTicketCancelled   = "ticket.cancelled"
	EventTicketTransferred = "ticket.transferred"
	EventTicketRequeued    = "ticket.requeued"
	EventQueueStatus       = "queue.status_changed"
	EventQueueMetrics      = "queue.metrics_updated"
	EventSessionStarted    = "session.started"
	EventSessionCompleted  = "session.completed"
	EventDashboardMetrics  = "dashboard.metrics_updated"
	EventAlertTriggered    = "alert.triggered"
)

// Topics.
const TopicDashboard = "dashboard"

func TopicQueue(queueID string) string { return "queue:" + queueID }
func TopicUnit(unitID string) string   { return "unit:" + unitID }

// Envelope is the wire form of one event. EventID is a nonce so clients
// can drop duplicates; delivery is at-most-once and carries no ordering
// guarantee across topics.
type Envelope struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	QueueID    string          `json:"queue_id,omitempty"`
	UnitID     string          `json:"unit_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Topics lists every topic this envelope fans out to. Dashboard always
// receives a copy so overview screens need no per-queue joins.
func (e Envelope) Topics() []string {
	topics := make([]string, 0, 3)
	if e.QueueID != "" {
		topics = append(topics, TopicQueue(e.QueueID))
	}
	if e.UnitID != "" {
		topics = append(topics, TopicUnit(e.UnitID))
	}
	return append(topics, TopicDashboard)
}

// TicketPayload carries enough denormalized state that a subscriber can
// update its view without a follow-up read.
type TicketPayload struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber string     `json:"ticket_number"`
	QueueID      string     `json:"queue_id"`
	UnitID       string     `json:"unit_id"`
	ServiceID    string     `json:"service_id,omitempty"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	IssuedAt     time.Time  `json:"issued_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	WaitingCount int        `json:"waiting_count"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	FromQueueID  string     `json:"from_queue_id,omitempty"`
}

type QueueMetricsPayload struct {
	QueueID             string `json:"queue_id"`
	QueueName           string `json:"queue_name,omitempty"`
	WaitingCount        int    `json:"waiting_count"`
	NextTicketNumber    string `json:"next_ticket_number,omitempty"`
	ActiveSessions      int    `json:"active_sessions"`
	EstimatedWaitMinute int    `json:"estimated_wait_minutes"`
}

type SessionPayload struct {
	SessionID string `json:"session_id"`
	UnitID    string `json:"unit_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
}

type AlertPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	QueueID  string `json:"queue_id,omitempty"`
}

// FromOutbox lifts a stored outbox row into a wire envelope.
func FromOutbox(event store.OutboxEvent) Envelope {
	return Envelope{
		Type:       event.Type,
		EventID:    event.EventID,
		TenantID:   event.TenantID,
		QueueID:    event.QueueID,
		UnitID:     event.UnitID,
		OccurredAt: event.CreatedAt,
		Payload:    event.Payload,
	}
}

// TicketEventPayload builds the payload for a ticket lifecycle event.
func TicketEventPayload(ticket models.Ticket, waitingCount int, fromQueueID string) json.RawMessage {
	payload := TicketPayload{
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.TicketNumber,
		QueueID:      ticket.QueueID,
		UnitID:       ticket.UnitID,
		ServiceID:    ticket.ServiceID,
		Priority:     ticket.Priority,
		Status:       ticket.Status,
		IssuedAt:     ticket.IssuedAt,
		CalledAt:     ticket.CalledAt,
		WaitingCount: waitingCount,
		CancelReason: ticket.CancelReason,
		FromQueueID:  fromQueueID,
	}
	if ticket.SessionID != nil {
		payload.SessionID = *ticket.SessionID
	}
	raw, _ := json.Marshal(payload)
	return raw
}
