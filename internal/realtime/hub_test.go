package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func recvEnvelope(t *testing.T, ch chan []byte) Envelope {
	t.Helper()
	select {
	case raw := <-ch:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Envelope{}
	}
}

func assertEmpty(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case raw := <-ch:
		t.Fatalf("unexpected event: %s", raw)
	default:
	}
}

func TestBroadcastByTopic(t *testing.T) {
	h := NewHub()
	queueWatcher := NewClient("c1", "t1", 4)
	unitWatcher := NewClient("c2", "t1", 4)
	idle := NewClient("c3", "t1", 4)
	h.Register(queueWatcher)
	h.Register(unitWatcher)
	h.Register(idle)
	h.Join(queueWatcher, TopicQueue("q1"))
	h.Join(unitWatcher, TopicUnit("u1"))

	h.Broadcast(Envelope{
		Type:     EventTicketCreated,
		EventID:  "e1",
		TenantID: "t1",
		QueueID:  "q1",
		UnitID:   "u1",
	})

	if env := recvEnvelope(t, queueWatcher.Send); env.EventID != "e1" {
		t.Fatalf("queue watcher got %s", env.EventID)
	}
	if env := recvEnvelope(t, unitWatcher.Send); env.EventID != "e1" {
		t.Fatalf("unit watcher got %s", env.EventID)
	}
	assertEmpty(t, idle.Send)
}

func TestBroadcastTenantIsolation(t *testing.T) {
	h := NewHub()
	other := NewClient("c1", "t2", 4)
	h.Register(other)
	h.Join(other, TopicQueue("q1"))

	h.Broadcast(Envelope{Type: EventTicketCreated, EventID: "e1", TenantID: "t1", QueueID: "q1"})
	assertEmpty(t, other.Send)
}

func TestDashboardReceivesEverything(t *testing.T) {
	h := NewHub()
	dash := NewClient("c1", "t1", 8)
	h.Register(dash)
	h.Join(dash, TopicDashboard)

	h.Broadcast(Envelope{Type: EventTicketCreated, EventID: "e1", TenantID: "t1", QueueID: "q1"})
	h.Broadcast(Envelope{Type: EventSessionStarted, EventID: "e2", TenantID: "t1", UnitID: "u1"})

	if env := recvEnvelope(t, dash.Send); env.EventID != "e1" {
		t.Fatalf("got %s, want e1", env.EventID)
	}
	if env := recvEnvelope(t, dash.Send); env.EventID != "e2" {
		t.Fatalf("got %s, want e2", env.EventID)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := NewHub()
	client := NewClient("c1", "t1", 4)
	h.Register(client)
	h.Join(client, TopicQueue("q1"))
	h.Leave(client, TopicQueue("q1"))

	h.Broadcast(Envelope{Type: EventTicketCreated, EventID: "e1", TenantID: "t1", QueueID: "q1"})
	assertEmpty(t, client.Send)
}

func TestFullBufferDropsNotBlocks(t *testing.T) {
	h := NewHub()
	client := NewClient("c1", "t1", 1)
	h.Register(client)
	h.Join(client, TopicQueue("q1"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast(Envelope{Type: EventTicketCreated, EventID: "e", TenantID: "t1", QueueID: "q1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := NewHub()
	client := NewClient("c1", "t1", 4)
	h.Register(client)
	h.Unregister(client)

	if _, ok := <-client.Send; ok {
		t.Fatal("send channel still open after unregister")
	}
	// Double unregister must not panic on a closed channel.
	h.Unregister(client)
}
