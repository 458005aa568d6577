// ABOUTME: Tests for relay frame classification
// ABOUTME: Heartbeats must never be mistaken for application messages

package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  FrameKind
	}{
		{"empty", "", FrameHeartbeat},
		{"single space", " ", FrameHeartbeat},
		{"whitespace", " \n\t ", FrameHeartbeat},
		{"typed heartbeat", `{"type":"heartbeat"}`, FrameHeartbeat},
		{"heartbeat reply", `{"type":"heartbeat","status":"ok"}`, FrameHeartbeat},
		{"auth", `{"id":"abc"}`, FrameAuth},
		{"auth with empty id", `{"id":""}`, FrameAuth},
		{"status", `{"type":"connection_status","status":101}`, FrameStatus},
		{"delivery", `{"from":"Alice","message":"hi","timestamp":1,"message_id":"m1"}`, FrameDelivery},
		{"unknown type", `{"type":"chat","message":"hi"}`, FrameUnknown},
		{"plain text", "hello", FrameUnknown},
		{"json string", `"hello"`, FrameUnknown},
		{"empty object", `{}`, FrameUnknown},
		{"null", `null`, FrameUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFrame([]byte(tt.frame)))
		})
	}
}

func TestDeliveryWireShape(t *testing.T) {
	d := Delivery{From: "Alice", Message: "hi", Timestamp: 1700000000.5, MessageID: "m1"}
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{
		"from":       "Alice",
		"message":    "hi",
		"timestamp":  1700000000.5,
		"message_id": "m1",
	}, raw)
	assert.NotContains(t, raw, "type")
}

func TestDeliveryTime(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 250_000_000, time.UTC)
	d := Delivery{Timestamp: unixSeconds(ts)}
	assert.WithinDuration(t, ts, d.Time(), time.Millisecond)
}
