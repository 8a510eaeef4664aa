package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// AuthFunc resolves the tenant for an incoming connection, typically
// from a bearer token or session cookie.
type AuthFunc func(r *http.Request) (tenantID string, err error)

// StatusFunc answers a client's request-current-status call. Clients
// issue it right after joining or rejoining a topic, since the channel
// replays nothing across a disconnect.
type StatusFunc func(ctx context.Context, tenantID, queueID string) (QueueMetricsPayload, error)

const statusTimeout = 5 * time.Second

// SessionHandler adapts a hub to a SockJS endpoint. Each session gets a
// fresh client with an empty topic set.
func SessionHandler(h *Hub, auth AuthFunc, status StatusFunc) func(sockjs.Session) {
	return func(session sockjs.Session) {
		tenantID, err := auth(session.Request())
		if err != nil {
			_ = session.Close(4001, "unauthorized")
			return
		}

		client := NewClient(uuid.NewString(), tenantID, 32)
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		hello, _ := json.Marshal(serverFrame{Type: frameConnected, ConnectionID: client.ID})
		_ = session.Send(string(hello))

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			frame, ok := parseClientFrame([]byte(msg))
			if !ok {
				raw, _ := json.Marshal(serverFrame{Type: frameError, Error: "malformed frame"})
				_ = session.Send(string(raw))
				continue
			}
			switch frame.Action {
			case "join":
				h.Join(client, frame.Topic)
			case "leave":
				h.Leave(client, frame.Topic)
			case "status":
				go answerStatus(session, status, tenantID, frame)
			}
		}
	}
}

func answerStatus(session sockjs.Session, status StatusFunc, tenantID string, frame clientFrame) {
	reply := serverFrame{Type: frameStatusResult, RequestID: frame.RequestID}
	if status == nil {
		reply.Error = "status unavailable"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		metrics, err := status(ctx, tenantID, frame.QueueID)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload, _ = json.Marshal(metrics)
		}
	}
	raw, _ := json.Marshal(reply)
	_ = session.Send(string(raw))
}
