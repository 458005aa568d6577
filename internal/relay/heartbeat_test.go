// ABOUTME: Tests for the heartbeat monitor
// ABOUTME: Uses a fake clock to drive evictions deterministically

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitor_EvictsSilentConnections(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	aliceClient := tr.connect(t, alice.ID)
	bobClient := tr.connect(t, bob.ID)

	hb := NewHeartbeatMonitor(tr.manager, time.Second, 30*time.Second, nil, nil)
	assert.Equal(t, 0, hb.Sweep())

	tr.clock.Advance(20 * time.Second)
	require.NoError(t, aliceClient.WriteFrame(context.Background(), []byte("")))
	readFrame(t, aliceClient) // heartbeat reply

	tr.clock.Advance(15 * time.Second)
	assert.Equal(t, 1, hb.Sweep())

	assert.True(t, tr.manager.IsOnline(alice.ID))
	assert.False(t, tr.manager.IsOnline(bob.ID))

	_, err := bobClient.ReadFrame(context.Background())
	assert.True(t, websocket.IsCloseError(err, CloseGoingAway), "got %v", err)
}

func TestHeartbeatMonitor_TimeoutBoundaryIsInclusive(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	bob := tr.createUser(t, "Bob")
	tr.connect(t, bob.ID)

	hb := NewHeartbeatMonitor(tr.manager, time.Second, 30*time.Second, nil, nil)

	tr.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, hb.Sweep())

	tr.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, hb.Sweep())
}

func TestHeartbeatMonitor_EvictedUserGetsQueuedMessages(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")
	tr.connect(t, bob.ID)

	hb := NewHeartbeatMonitor(tr.manager, time.Second, 30*time.Second, nil, nil)
	tr.clock.Advance(time.Minute)
	require.Equal(t, 1, hb.Sweep())

	res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "are you there?")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	client := tr.connect(t, bob.ID)
	assert.Equal(t, "are you there?", readDelivery(t, client).Message)
}

func TestHeartbeatMonitor_RunStopsOnCancel(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	hb := NewHeartbeatMonitor(tr.manager, 10*time.Millisecond, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
