package cache

import "time"

// TTL tiers by query shape. Point lookups can ride a long TTL; volatile
// single-number reads are cheap to recompute and user-visible when
// stale, so they expire fast.
const (
	TTLPoint    = 15 * time.Minute
	TTLList     = 5 * time.Minute
	TTLStatus   = 90 * time.Second
	TTLPosition = time.Minute
)

func KeyTicket(tenantID, ticketID string) string {
	return "ticket:" + tenantID + ":" + ticketID
}

func KeyQueue(tenantID, queueID string) string {
	return "queue:" + tenantID + ":" + queueID
}

func KeyQueueList(tenantID, unitID string) string {
	return "queues:" + tenantID + ":" + unitID
}

func KeyQueueTickets(tenantID, queueID string) string {
	return "tickets:queue:" + tenantID + ":" + queueID
}

func KeyQueueStatus(tenantID, queueID string) string {
	return "queuestatus:" + tenantID + ":" + queueID
}

func KeyPosition(tenantID, queueID, ticketID string) string {
	return "position:" + tenantID + ":" + queueID + ":" + ticketID
}

// TicketMutationPatterns enumerates everything a ticket mutation on the
// given queues could have made stale. Transfers touch two queues.
func TicketMutationPatterns(tenantID, ticketID string, queueIDs ...string) []string {
	patterns := []string{KeyTicket(tenantID, ticketID)}
	for _, queueID := range queueIDs {
		patterns = append(patterns,
			KeyQueueTickets(tenantID, queueID)+"*",
			KeyQueueStatus(tenantID, queueID),
			"position:"+tenantID+":"+queueID+":*",
		)
	}
	return patterns
}
