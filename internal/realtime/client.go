package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrChannelUnavailable = errors.New("channel unavailable")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type NotificationKind string

const (
	// KindConnected fires once after the initial connect.
	KindConnected NotificationKind = "connected"
	// KindReconnected fires after the channel recovers from a drop. All
	// topic subscriptions were lost; the caller must join again and
	// refetch authoritative state before trusting its view.
	KindReconnected NotificationKind = "reconnected"
	// KindDisconnected fires once when the channel stops for good.
	KindDisconnected NotificationKind = "disconnected"
	KindEvent        NotificationKind = "event"
)

type Notification struct {
	Kind         NotificationKind
	ConnectionID string
	Event        *Envelope
}

// ChannelClient is a reconnecting live-channel connection. One owner
// drives it; all methods are safe for concurrent use. The state machine
// is Disconnected → Connecting → Connected ⇄ Reconnecting, with
// Disconnected reachable from anywhere via Disconnect.
type ChannelClient struct {
	url    string
	dialer *websocket.Dialer
	notify chan Notification

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	connID  string
	pending map[string]chan serverFrame
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChannelClient prepares a client for the given websocket URL (the
// raw-websocket endpoint of the server, e.g. ws://host/realtime/websocket).
func NewChannelClient(url string) *ChannelClient {
	return &ChannelClient{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		notify:  make(chan Notification, 64),
		state:   StateDisconnected,
		pending: make(map[string]chan serverFrame),
	}
}

// Notifications delivers state changes and events. The channel is
// buffered; a slow consumer loses events, never state changes blocked
// forever.
func (c *ChannelClient) Notifications() <-chan Notification {
	return c.notify
}

func (c *ChannelClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned ID of the current connection.
func (c *ChannelClient) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Connect dials the server. On success the client is Connected and a
// KindConnected notification is emitted; afterwards a background loop
// keeps the connection alive, reconnecting with bounded backoff.
func (c *ChannelClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, connID, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.state = StateConnected
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.emit(Notification{Kind: KindConnected, ConnectionID: connID})
	go c.run(runCtx, conn, done)
	return nil
}

// Disconnect stops the client, cancelling any reconnect in progress.
func (c *ChannelClient) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Join subscribes the current connection to a topic. The subscription
// lives only as long as the connection; rejoin after KindReconnected.
func (c *ChannelClient) Join(ctx context.Context, topic string) error {
	return c.send(ctx, clientFrame{Action: "join", Topic: topic})
}

// Leave unsubscribes from a topic.
func (c *ChannelClient) Leave(ctx context.Context, topic string) error {
	return c.send(ctx, clientFrame{Action: "leave", Topic: topic})
}

// RequestStatus fetches the authoritative queue metrics over the
// channel. Callers use it to resync after a reconnect.
func (c *ChannelClient) RequestStatus(ctx context.Context, queueID string) (QueueMetricsPayload, error) {
	requestID := uuid.NewString()
	reply := make(chan serverFrame, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return QueueMetricsPayload{}, ErrChannelUnavailable
	}
	c.pending[requestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, clientFrame{Action: "status", RequestID: requestID, QueueID: queueID}); err != nil {
		return QueueMetricsPayload{}, err
	}

	select {
	case <-ctx.Done():
		return QueueMetricsPayload{}, ctx.Err()
	case frame := <-reply:
		if frame.Error != "" {
			return QueueMetricsPayload{}, errors.New(frame.Error)
		}
		var metrics QueueMetricsPayload
		if err := json.Unmarshal(frame.Payload, &metrics); err != nil {
			return QueueMetricsPayload{}, err
		}
		return metrics, nil
	}
}

func (c *ChannelClient) send(ctx context.Context, frame clientFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrChannelUnavailable
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// dial opens the transport and waits for the server hello carrying the
// connection ID.
func (c *ChannelClient) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, "", err
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello serverFrame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != frameConnected {
		_ = conn.Close()
		return nil, "", errors.New("unexpected handshake frame")
	}
	return conn, hello.ConnectionID, nil
}

// run reads frames until the connection drops, then reconnects with a
// bounded backoff (capped at 30s) until ctx is cancelled.
func (c *ChannelClient) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.conn = nil
		c.connID = ""
		c.mu.Unlock()
		c.emit(Notification{Kind: KindDisconnected})
	}()

	for {
		c.readLoop(conn)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.state = StateReconnecting
		c.conn = nil
		c.mu.Unlock()

		next, ok := c.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *ChannelClient) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		c.handleFrame(raw)
	}
}

func (c *ChannelClient) handleFrame(raw []byte) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err == nil {
		switch frame.Type {
		case frameStatusResult:
			c.mu.Lock()
			reply, ok := c.pending[frame.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- frame
			}
			return
		case frameError:
			log.Printf("channel server error: %s", frame.Error)
			return
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return
	}
	c.emit(Notification{Kind: KindEvent, Event: &env})
}

func (c *ChannelClient) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.Multiplier = 2.5
	policy.MaxInterval = 30 * time.Second

	// First attempt is immediate; later attempts back off.
	wait := time.Duration(0)
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, false
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil, false
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, connID, err := c.dial(dialCtx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.connID = connID
			c.state = StateConnected
			c.mu.Unlock()
			c.emit(Notification{Kind: KindReconnected, ConnectionID: connID})
			return conn, true
		}

		log.Printf("channel reconnect error: %v", err)
		wait = policy.NextBackOff()
	}
}

func (c *ChannelClient) emit(n Notification) {
	select {
	case c.notify <- n:
	default:
		log.Printf("drop channel notification %s", n.Kind)
	}
}
