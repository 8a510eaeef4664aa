package realtime

import (
	"encoding/json"
	"strings"
)

// Control frame types reserved on the server→client side; everything
// else flowing down is an event Envelope.
const (
	frameConnected    = "channel.connected"
	frameStatusResult = "status.result"
	frameError        = "channel.error"
)

// clientFrame is what a connected client sends up.
type clientFrame struct {
	Action    string `json:"action"`
	Topic     string `json:"topic,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	QueueID   string `json:"queue_id,omitempty"`
}

// serverFrame is a control message sent down; events use Envelope.
type serverFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func parseClientFrame(data []byte) (clientFrame, bool) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, false
	}
	switch frame.Action {
	case "join", "leave":
		return frame, validTopic(frame.Topic)
	case "status":
		return frame, frame.QueueID != ""
	default:
		return clientFrame{}, false
	}
}

func validTopic(topic string) bool {
	if topic == TopicDashboard {
		return true
	}
	if strings.HasPrefix(topic, "queue:") || strings.HasPrefix(topic, "unit:") {
		return len(topic) > strings.Index(topic, ":")+1
	}
	return false
}
