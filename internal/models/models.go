package models

import "time"

// Ticket statuses.
const (
	StatusWaiting     = "waiting"
	StatusCalled      = "called"
	StatusInService   = "in_service"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusTransferred = "transferred"
)

// Ticket priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
)

// Queue statuses.
const (
	QueueOpen   = "open"
	QueueClosed = "closed"
	QueuePaused = "paused"
)

// PriorityRank maps a priority class to its ordering weight. Unknown
// classes rank below low so malformed data never jumps the line.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// TenantScoped marks entities that live under a tenant boundary. Store
// implementations only accept tenant-scoped entities, so cross-tenant
// access fails at compile time instead of at runtime.
type TenantScoped interface {
	Tenant() string
}

type Unit struct {
	UnitID   string `json:"unit_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	IsOpen   bool   `json:"is_open"`
}

func (u Unit) Tenant() string { return u.TenantID }

type Queue struct {
	QueueID     string `json:"queue_id"`
	TenantID    string `json:"tenant_id"`
	UnitID      string `json:"unit_id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Status      string `json:"status"`
	IsActive    bool   `json:"is_active"`
	MaxCapacity int    `json:"max_capacity"`
}

func (q Queue) Tenant() string { return q.TenantID }

// Accepting reports whether the queue may take a new ticket given the
// current waiting count.
func (q Queue) Accepting(waitingCount int) bool {
	if !q.IsActive || q.Status != QueueOpen {
		return false
	}
	return waitingCount < q.MaxCapacity
}

type Service struct {
	ServiceID        string `json:"service_id"`
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	Code             string `json:"code"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

func (s Service) Tenant() string { return s.TenantID }

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber string     `json:"ticket_number"`
	TenantID     string     `json:"tenant_id"`
	UnitID       string     `json:"unit_id"`
	QueueID      string     `json:"queue_id"`
	ServiceID    string     `json:"service_id,omitempty"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	IssuedAt     time.Time  `json:"issued_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SessionID    *string    `json:"session_id,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	RequestID    string     `json:"request_id,omitempty"`
}

func (t Ticket) Tenant() string { return t.TenantID }

type Session struct {
	SessionID       string        `json:"session_id"`
	TenantID        string        `json:"tenant_id"`
	UnitID          string        `json:"unit_id"`
	UserID          string        `json:"user_id"`
	ResourceID      *string       `json:"resource_id,omitempty"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	PausedAt        *time.Time    `json:"paused_at,omitempty"`
	PausedDuration  time.Duration `json:"paused_duration"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CurrentTicketID *string       `json:"current_ticket_id,omitempty"`
}

func (s Session) Tenant() string { return s.TenantID }
