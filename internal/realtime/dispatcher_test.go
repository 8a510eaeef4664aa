package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"qline/internal/store"
)

type fakeOutbox struct {
	mu     sync.Mutex
	events []store.OutboxEvent
	offset store.Offset
}

func (f *fakeOutbox) ListOutboxEvents(_ context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OutboxEvent
	for _, event := range f.events {
		if event.CreatedAt.After(after.LastEventTime) {
			out = append(out, event)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutbox) GetOffset(context.Context) (store.Offset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, nil
}

func (f *fakeOutbox) UpdateOffset(_ context.Context, offset store.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
	return nil
}

func TestDispatcherDeliversAndAdvances(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeOutbox{events: []store.OutboxEvent{
		{EventID: "e1", TenantID: "t1", Type: EventTicketCreated, QueueID: "q1", CreatedAt: base},
		{EventID: "e2", TenantID: "t1", Type: EventTicketCalled, QueueID: "q1", CreatedAt: base.Add(time.Second)},
	}}

	h := NewHub()
	client := NewClient("c1", "t1", 8)
	h.Register(client)
	h.Join(client, TopicQueue("q1"))

	d := NewDispatcher(source, h, 10*time.Millisecond, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	first := recvEnvelope(t, client.Send)
	second := recvEnvelope(t, client.Send)
	if first.EventID != "e1" || second.EventID != "e2" {
		t.Fatalf("got %s then %s, want e1 then e2", first.EventID, second.EventID)
	}

	// Offset advanced past both; nothing is re-delivered.
	deadline := time.Now().Add(time.Second)
	for {
		source.mu.Lock()
		offset := source.offset
		source.mu.Unlock()
		if offset.LastEventID == "e2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offset=%+v, want e2", offset)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	assertEmpty(t, client.Send)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	source := &fakeOutbox{}
	d := NewDispatcher(source, NewHub(), 5*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
