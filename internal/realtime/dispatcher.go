package realtime

import (
	"context"
	"log"
	"time"

	"qline/internal/store"
)

// OutboxSource is the slice of the store the dispatcher needs.
type OutboxSource interface {
	ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error)
	GetOffset(ctx context.Context) (store.Offset, error)
	UpdateOffset(ctx context.Context, offset store.Offset) error
}

// Dispatcher polls the store outbox and broadcasts each event exactly
// once per poll through the hub. Mutations commit their events with the
// data change, so a crashed dispatcher resumes from the stored offset
// without losing anything on the server side.
type Dispatcher struct {
	source    OutboxSource
	hub       *Hub
	interval  time.Duration
	batchSize int
}

func NewDispatcher(source OutboxSource, h *Hub, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{source: source, hub: h, interval: interval, batchSize: batchSize}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	offset, err := d.source.GetOffset(ctx)
	if err != nil {
		log.Printf("load offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		offset = d.poll(ctx, offset)
	}
}

func (d *Dispatcher) poll(ctx context.Context, offset store.Offset) store.Offset {
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, err := d.source.ListOutboxEvents(pollCtx, offset, d.batchSize)
	if err != nil {
		log.Printf("list outbox error: %v", err)
		return offset
	}
	for _, event := range events {
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
		d.hub.Broadcast(FromOutbox(event))
	}
	if len(events) > 0 {
		if err := d.source.UpdateOffset(pollCtx, offset); err != nil {
			log.Printf("update offset error: %v", err)
		}
	}
	return offset
}
