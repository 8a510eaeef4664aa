// Package ordering ranks the waiting tickets of one queue. All functions
// are pure: they operate on a snapshot slice the caller read in a single
// store query, so two callers holding the same snapshot always agree.
package ordering

import (
	"sort"
	"time"

	"qline/internal/models"
)

// Less reports whether ticket a sorts strictly before ticket b. Higher
// priority first, then earlier issuance, then ticket ID so ties at the
// same instant still yield a total order.
func Less(a, b models.Ticket) bool {
	ra, rb := models.PriorityRank(a.Priority), models.PriorityRank(b.Priority)
	if ra != rb {
		return ra > rb
	}
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.Before(b.IssuedAt)
	}
	return a.TicketID < b.TicketID
}

// Sort orders tickets in place by the queue ranking.
func Sort(tickets []models.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		return Less(tickets[i], tickets[j])
	})
}

// Next returns the ticket that should be called next from the snapshot,
// or false if no ticket is waiting.
func Next(snapshot []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range snapshot {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		if !found || Less(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

// Position returns the 1-based place of ticketID in the snapshot, or 0
// if the ticket is absent or no longer waiting.
func Position(snapshot []models.Ticket, ticketID string) int {
	var target models.Ticket
	found := false
	for _, ticket := range snapshot {
		if ticket.TicketID == ticketID && ticket.Status == models.StatusWaiting {
			target = ticket
			found = true
			break
		}
	}
	if !found {
		return 0
	}
	position := 1
	for _, ticket := range snapshot {
		if ticket.Status != models.StatusWaiting || ticket.TicketID == target.TicketID {
			continue
		}
		if Less(ticket, target) {
			position++
		}
	}
	return position
}

// WaitingCount counts tickets in the snapshot still waiting.
func WaitingCount(snapshot []models.Ticket) int {
	count := 0
	for _, ticket := range snapshot {
		if ticket.Status == models.StatusWaiting {
			count++
		}
	}
	return count
}

// EstimatedWait projects how long a new arrival would wait. The average
// service time is an input so the engine stays pure; callers take it from
// the service catalog or config.
func EstimatedWait(waitingCount int, averageServiceMinutes float64, activeAgents int) time.Duration {
	if waitingCount <= 0 || averageServiceMinutes <= 0 {
		return 0
	}
	if activeAgents < 1 {
		activeAgents = 1
	}
	minutes := float64(waitingCount) * averageServiceMinutes / float64(activeAgents)
	return time.Duration(minutes * float64(time.Minute))
}
