package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// channelServer speaks the live-channel wire protocol over plain
// websockets, standing in for the SockJS endpoint.
type channelServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]map[string]struct{}
}

func newChannelServer(t *testing.T) *channelServer {
	s := &channelServer{t: t, conns: make(map[*websocket.Conn]map[string]struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *channelServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *channelServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = make(map[string]struct{})
	s.mu.Unlock()

	hello, _ := json.Marshal(serverFrame{Type: frameConnected, ConnectionID: uuid.NewString()})
	s.write(conn, hello)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			return
		}
		frame, ok := parseClientFrame(raw)
		if !ok {
			reply, _ := json.Marshal(serverFrame{Type: frameError, Error: "malformed frame"})
			s.write(conn, reply)
			continue
		}
		switch frame.Action {
		case "join":
			s.mu.Lock()
			s.conns[conn][frame.Topic] = struct{}{}
			s.mu.Unlock()
		case "leave":
			s.mu.Lock()
			delete(s.conns[conn], frame.Topic)
			s.mu.Unlock()
		case "status":
			payload, _ := json.Marshal(QueueMetricsPayload{QueueID: frame.QueueID, WaitingCount: 7})
			reply, _ := json.Marshal(serverFrame{Type: frameStatusResult, RequestID: frame.RequestID, Payload: payload})
			s.write(conn, reply)
		}
	}
}

func (s *channelServer) write(conn *websocket.Conn, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *channelServer) broadcast(env Envelope) {
	raw, _ := json.Marshal(env)
	topics := env.Topics()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, joined := range s.conns {
		for _, topic := range topics {
			if _, ok := joined[topic]; ok {
				_ = conn.WriteMessage(websocket.TextMessage, raw)
				break
			}
		}
	}
}

func (s *channelServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func waitNotification(t *testing.T, c *ChannelClient, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-c.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", kind)
		}
	}
}

func waitEvent(t *testing.T, c *ChannelClient) Envelope {
	t.Helper()
	n := waitNotification(t, c, KindEvent)
	return *n.Event
}

func TestClientConnectJoinReceive(t *testing.T) {
	server := newChannelServer(t)
	client := NewChannelClient(server.url())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	connected := waitNotification(t, client, KindConnected)
	if connected.ConnectionID == "" {
		t.Fatal("missing connection id")
	}
	if client.State() != StateConnected {
		t.Fatalf("state=%s, want connected", client.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Join(ctx, TopicQueue("q1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the join frame land

	server.broadcast(Envelope{Type: EventTicketCreated, EventID: "e1", TenantID: "t1", QueueID: "q1"})
	if env := waitEvent(t, client); env.EventID != "e1" {
		t.Fatalf("got event %s, want e1", env.EventID)
	}
}

func TestClientRequestStatus(t *testing.T) {
	server := newChannelServer(t)
	client := NewChannelClient(server.url())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()
	waitNotification(t, client, KindConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	metrics, err := client.RequestStatus(ctx, "q1")
	if err != nil {
		t.Fatalf("request status: %v", err)
	}
	if metrics.QueueID != "q1" || metrics.WaitingCount != 7 {
		t.Fatalf("metrics=%+v", metrics)
	}
}

func TestClientReconnectRequiresRejoin(t *testing.T) {
	server := newChannelServer(t)
	client := NewChannelClient(server.url())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()
	waitNotification(t, client, KindConnected)

	ctx := context.Background()
	if err := client.Join(ctx, TopicQueue("q1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	server.dropAll()
	// Emitted during the outage: must never arrive.
	server.broadcast(Envelope{Type: EventTicketCreated, EventID: "lost", TenantID: "t1", QueueID: "q1"})

	waitNotification(t, client, KindReconnected)
	if client.State() != StateConnected {
		t.Fatalf("state=%s after reconnect, want connected", client.State())
	}

	// Subscriptions died with the old connection.
	server.broadcast(Envelope{Type: EventTicketCreated, EventID: "unjoined", TenantID: "t1", QueueID: "q1"})
	select {
	case n := <-client.Notifications():
		if n.Kind == KindEvent {
			t.Fatalf("received %s without rejoining", n.Event.EventID)
		}
	case <-time.After(200 * time.Millisecond):
	}

	if err := client.Join(ctx, TopicQueue("q1")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	server.broadcast(Envelope{Type: EventTicketCreated, EventID: "fresh", TenantID: "t1", QueueID: "q1"})
	if env := waitEvent(t, client); env.EventID != "fresh" {
		t.Fatalf("got %s, want fresh", env.EventID)
	}
}

func TestClientIgnoresErrorFrames(t *testing.T) {
	server := newChannelServer(t)
	client := NewChannelClient(server.url())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()
	waitNotification(t, client, KindConnected)

	ctx := context.Background()
	if err := client.Join(ctx, TopicQueue("q1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// An error frame from the server must not surface as an event.
	raw, _ := json.Marshal(serverFrame{Type: frameError, Error: "unknown topic"})
	server.mu.Lock()
	for conn := range server.conns {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
	server.mu.Unlock()

	select {
	case n := <-client.Notifications():
		if n.Kind == KindEvent {
			t.Fatalf("error frame surfaced as event %+v", n.Event)
		}
	case <-time.After(200 * time.Millisecond):
	}

	// The channel keeps working afterwards.
	server.broadcast(Envelope{Type: EventTicketCreated, EventID: "after", TenantID: "t1", QueueID: "q1"})
	if env := waitEvent(t, client); env.EventID != "after" {
		t.Fatalf("got %s, want after", env.EventID)
	}
}

func TestClientDisconnectIsFinal(t *testing.T) {
	server := newChannelServer(t)
	client := NewChannelClient(server.url())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitNotification(t, client, KindConnected)

	client.Disconnect()
	waitNotification(t, client, KindDisconnected)
	if client.State() != StateDisconnected {
		t.Fatalf("state=%s, want disconnected", client.State())
	}

	if err := client.Join(context.Background(), TopicQueue("q1")); err != ErrChannelUnavailable {
		t.Fatalf("join while disconnected: %v, want channel unavailable", err)
	}
	if _, err := client.RequestStatus(context.Background(), "q1"); err != ErrChannelUnavailable {
		t.Fatalf("status while disconnected: %v, want channel unavailable", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	client := NewChannelClient("ws://127.0.0.1:1/realtime/websocket")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		t.Fatal("expected connect error")
	}
	if client.State() != StateDisconnected {
		t.Fatalf("state=%s after failed connect, want disconnected", client.State())
	}
}
