// ABOUTME: Wire frames of the relay protocol and classification of inbound frames
// ABOUTME: Heartbeats are recognized here so they never reach the delivery path

package relay

import (
	"bytes"
	"encoding/json"
	"time"
)

// Frame type discriminators. Delivery frames carry no type.
const (
	TypeConnectionStatus = "connection_status"
	TypeHeartbeat        = "heartbeat"
)

// StatusConnected is the status code carried by the authentication ack.
const StatusConnected = 101

// AuthFrame is the first frame a client sends.
type AuthFrame struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// StatusFrame acknowledges a successful authentication.
type StatusFrame struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// HeartbeatFrame is the typed heartbeat, sent by clients or as a server reply.
type HeartbeatFrame struct {
	Type      string  `json:"type"`
	Status    string  `json:"status,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Delivery is an application message pushed to a recipient.
type Delivery struct {
	From      string  `json:"from"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	MessageID string  `json:"message_id"`
}

// Time returns the delivery timestamp as a time.Time.
func (d Delivery) Time() time.Time {
	sec := int64(d.Timestamp)
	nsec := int64((d.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// FrameKind classifies a raw frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameHeartbeat
	FrameAuth
	FrameStatus
	FrameDelivery
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameAuth:
		return "auth"
	case FrameStatus:
		return "status"
	case FrameDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

type frameShape struct {
	Type      *string `json:"type"`
	ID        *string `json:"id"`
	From      *string `json:"from"`
	MessageID *string `json:"message_id"`
}

// ClassifyFrame decides what a raw frame is. An empty or whitespace-only frame
// is a heartbeat. A JSON object with a type is a control frame; without one it
// is an auth frame (has "id") or a delivery (has "from" or "message_id").
func ClassifyFrame(data []byte) FrameKind {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FrameHeartbeat
	}

	var shape frameShape
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return FrameUnknown
	}

	if shape.Type != nil {
		switch *shape.Type {
		case TypeHeartbeat:
			return FrameHeartbeat
		case TypeConnectionStatus:
			return FrameStatus
		default:
			return FrameUnknown
		}
	}

	switch {
	case shape.ID != nil:
		return FrameAuth
	case shape.From != nil || shape.MessageID != nil:
		return FrameDelivery
	default:
		return FrameUnknown
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
