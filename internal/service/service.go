// Package service exposes the queue platform's operations to transport
// layers. Mutations run store-first, then invalidate affected cache
// entries; reads go through the cache-aside layer.
package service

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"qline/internal/cache"
	"qline/internal/models"
	"qline/internal/ordering"
	"qline/internal/store"
)

type Options struct {
	// AverageServiceMinutes is the wait-estimate fallback for tickets
	// without a catalog service.
	AverageServiceMinutes float64
}

type QueueService struct {
	store      store.TicketStore
	cache      *cache.Cache
	avgMinutes float64
}

func New(ticketStore store.TicketStore, c *cache.Cache, options Options) *QueueService {
	avg := options.AverageServiceMinutes
	if avg <= 0 {
		avg = 10
	}
	return &QueueService{store: ticketStore, cache: c, avgMinutes: avg}
}

// QueueStatus is the authoritative snapshot dashboards and reconnecting
// live-channel clients resync from.
type QueueStatus struct {
	QueueID              string `json:"queue_id"`
	QueueName            string `json:"queue_name"`
	Status               string `json:"status"`
	WaitingCount         int    `json:"waiting_count"`
	NextTicketNumber     string `json:"next_ticket_number,omitempty"`
	ActiveSessions       int    `json:"active_sessions"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

func (s *QueueService) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	ticket, created, err := s.store.CreateTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if created {
		s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	}
	return ticket, created, nil
}

func (s *QueueService) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	ticket, err := s.store.CallNext(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	return ticket, nil
}

func (s *QueueService) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	ticket, err := s.store.StartService(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	return ticket, nil
}

// CompleteCurrent finishes the ticket bound to the user's active
// session.
func (s *QueueService) CompleteCurrent(ctx context.Context, tenantID, userID, reason string) (models.Ticket, error) {
	session, err := s.store.FindActiveSession(ctx, tenantID, userID)
	if err != nil {
		return models.Ticket{}, err
	}
	if session.CurrentTicketID == nil {
		return models.Ticket{}, store.ErrNoTicket
	}
	return s.CompleteTicket(ctx, store.TicketActionInput{
		TenantID:  tenantID,
		TicketID:  *session.CurrentTicketID,
		SessionID: session.SessionID,
		Reason:    reason,
	})
}

func (s *QueueService) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	ticket, err := s.store.CompleteTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	return ticket, nil
}

func (s *QueueService) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	ticket, err := s.store.CancelTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	return ticket, nil
}

func (s *QueueService) TransferTicket(ctx context.Context, input store.TransferInput) (models.Ticket, error) {
	before, err := s.store.GetTicket(ctx, input.TenantID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket, err := s.store.TransferTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, before.QueueID, ticket.QueueID)...)
	return ticket, nil
}

func (s *QueueService) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	key := cache.KeyTicket(tenantID, ticketID)
	raw, err := s.cache.GetOrCompute(ctx, key, cache.TTLPoint, func(ctx context.Context) ([]byte, error) {
		ticket, err := s.store.GetTicket(ctx, tenantID, ticketID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ticket)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	var ticket models.Ticket
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// GetQueuePosition returns the ticket's 1-based place among the queue's
// waiting tickets, or 0 once the ticket is past Waiting.
func (s *QueueService) GetQueuePosition(ctx context.Context, tenantID, queueID, ticketID string) (int, error) {
	key := cache.KeyPosition(tenantID, queueID, ticketID)
	raw, err := s.cache.GetOrCompute(ctx, key, cache.TTLPosition, func(ctx context.Context) ([]byte, error) {
		snapshot, err := s.store.FindWaitingTickets(ctx, tenantID, queueID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ordering.Position(snapshot, ticketID))
	})
	if err != nil {
		return 0, err
	}
	var position int
	if err := json.Unmarshal(raw, &position); err != nil {
		return 0, err
	}
	return position, nil
}

// ListQueues is catalog data; it only changes on admin edits, so it
// rides the list TTL instead of mutation invalidation.
func (s *QueueService) ListQueues(ctx context.Context, tenantID, unitID string) ([]models.Queue, error) {
	key := cache.KeyQueueList(tenantID, unitID)
	raw, err := s.cache.GetOrCompute(ctx, key, cache.TTLList, func(ctx context.Context) ([]byte, error) {
		queues, err := s.store.ListQueues(ctx, tenantID, unitID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(queues)
	})
	if err != nil {
		return nil, err
	}
	var queues []models.Queue
	if err := json.Unmarshal(raw, &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *QueueService) GetQueueStatus(ctx context.Context, tenantID, queueID string) (QueueStatus, error) {
	key := cache.KeyQueueStatus(tenantID, queueID)
	raw, err := s.cache.GetOrCompute(ctx, key, cache.TTLStatus, func(ctx context.Context) ([]byte, error) {
		status, err := s.computeQueueStatus(ctx, tenantID, queueID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)
	})
	if err != nil {
		return QueueStatus{}, err
	}
	var status QueueStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return QueueStatus{}, err
	}
	return status, nil
}

// getQueue is the cached read used by status computation; queue rows
// are catalog data and only change on admin edits.
func (s *QueueService) getQueue(ctx context.Context, tenantID, queueID string) (models.Queue, error) {
	key := cache.KeyQueue(tenantID, queueID)
	raw, err := s.cache.GetOrCompute(ctx, key, cache.TTLPoint, func(ctx context.Context) ([]byte, error) {
		queue, err := s.store.GetQueue(ctx, tenantID, queueID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(queue)
	})
	if err != nil {
		return models.Queue{}, err
	}
	var queue models.Queue
	if err := json.Unmarshal(raw, &queue); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *QueueService) computeQueueStatus(ctx context.Context, tenantID, queueID string) (QueueStatus, error) {
	queue, err := s.getQueue(ctx, tenantID, queueID)
	if err != nil {
		return QueueStatus{}, err
	}
	snapshot, err := s.store.FindWaitingTickets(ctx, tenantID, queueID)
	if err != nil {
		return QueueStatus{}, err
	}
	agents, err := s.store.CountActiveSessions(ctx, tenantID, queue.UnitID)
	if err != nil {
		return QueueStatus{}, err
	}

	status := QueueStatus{
		QueueID:        queue.QueueID,
		QueueName:      queue.Name,
		Status:         queue.Status,
		WaitingCount:   ordering.WaitingCount(snapshot),
		ActiveSessions: agents,
	}

	avg := s.avgMinutes
	if next, ok := ordering.Next(snapshot); ok {
		status.NextTicketNumber = next.TicketNumber
		if next.ServiceID != "" {
			if service, err := s.store.GetService(ctx, tenantID, next.ServiceID); err == nil && service.EstimatedMinutes > 0 {
				avg = float64(service.EstimatedMinutes)
			}
		}
	}
	wait := ordering.EstimatedWait(status.WaitingCount, avg, agents)
	status.EstimatedWaitMinutes = int(math.Round(wait.Minutes()))
	return status, nil
}

func (s *QueueService) StartSession(ctx context.Context, input store.StartSessionInput) (models.Session, error) {
	session, err := s.store.StartSession(ctx, input)
	if err != nil {
		return models.Session{}, err
	}
	s.invalidateSessionViews(ctx, session.TenantID)
	return session, nil
}

func (s *QueueService) PauseSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	session, err := s.store.PauseSession(ctx, input)
	if err != nil {
		return models.Session{}, err
	}
	s.invalidateSessionViews(ctx, session.TenantID)
	return session, nil
}

func (s *QueueService) ResumeSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	session, err := s.store.ResumeSession(ctx, input)
	if err != nil {
		return models.Session{}, err
	}
	s.invalidateSessionViews(ctx, session.TenantID)
	return session, nil
}

func (s *QueueService) CompleteSession(ctx context.Context, input store.SessionActionInput) (models.Session, error) {
	session, err := s.store.CompleteSession(ctx, input)
	if err != nil {
		return models.Session{}, err
	}
	s.invalidateSessionViews(ctx, session.TenantID)
	return session, nil
}

func (s *QueueService) FindActiveSession(ctx context.Context, tenantID, userID string) (models.Session, error) {
	return s.store.FindActiveSession(ctx, tenantID, userID)
}

// invalidateSessionViews drops status entries that embed the active
// agent count.
func (s *QueueService) invalidateSessionViews(ctx context.Context, tenantID string) {
	s.cache.Invalidate(ctx, "queuestatus:"+tenantID+":*")
}

// SweepNoShows retires called tickets whose holder never showed up
// within the grace period and drops the cache entries those mutations
// made stale. Returns the number of tickets touched.
func (s *QueueService) SweepNoShows(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	swept, err := s.store.AutoNoShow(ctx, grace, batchSize)
	if err != nil {
		return 0, err
	}
	for _, ticket := range swept {
		s.cache.Invalidate(ctx, cache.TicketMutationPatterns(ticket.TenantID, ticket.TicketID, ticket.QueueID)...)
	}
	return len(swept), nil
}

// RunNoShowSweeper periodically runs SweepNoShows. Blocks until ctx is
// cancelled.
func (s *QueueService) RunNoShowSweeper(ctx context.Context, grace, interval time.Duration, batchSize int, onSwept func(count int)) {
	if grace <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		count, err := s.SweepNoShows(sweepCtx, grace, batchSize)
		cancel()
		if err != nil {
			log.Printf("auto no-show error: %v", err)
			continue
		}
		if count > 0 && onSwept != nil {
			onSwept(count)
		}
	}
}
