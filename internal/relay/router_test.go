// ABOUTME: Tests for the message router
// ABOUTME: Covers direct delivery, FIFO flush on reconnect, requeue, bounds and TTL purge

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DeliversToOnlineRecipient(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")
	client := tr.connect(t, bob.ID)

	res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status)
	assert.Equal(t, 200, res.Status.HTTPStatus())
	assert.NotEmpty(t, res.MessageID)

	d := readDelivery(t, client)
	assert.Equal(t, "Alice", d.From)
	assert.Equal(t, "hello bob", d.Message)
	assert.Equal(t, res.MessageID, d.MessageID)
	assert.Equal(t, unixSeconds(tr.clock.Now()), d.Timestamp)

	// Exactly one delivery frame
	expectNoFrame(t, client)
}

func TestRouter_FreshMessageIDs(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	tr.createUser(t, "Bob")

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "x")
		require.NoError(t, err)
		assert.False(t, seen[res.MessageID])
		seen[res.MessageID] = true
	}
}

func TestRouter_RecipientNotFound(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	tr.createUser(t, "Bob")

	for _, name := range []string{"Carol", "bob", "BOB", ""} {
		_, err := tr.router.SendMessage(context.Background(), alice.ID, name, "hi")
		assert.ErrorIs(t, err, ErrRecipientNotFound, "name %q", name)
	}
	assert.Equal(t, 0, tr.router.PendingCount())
}

func TestRouter_OfflineMessagesFlushInOrderOnAuth(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	const n = 10
	var ids []string
	for i := 0; i < n; i++ {
		res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, res.Status)
		assert.Equal(t, 202, res.Status.HTTPStatus())
		ids = append(ids, res.MessageID)
	}
	require.Len(t, tr.router.Pending(bob.ID), n)

	// connect reads the ack; deliveries must follow immediately in send order
	client := tr.connect(t, bob.ID)
	for i := 0; i < n; i++ {
		d := readDelivery(t, client)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), d.Message)
		assert.Equal(t, ids[i], d.MessageID)
		assert.Equal(t, "Alice", d.From)
	}
	expectNoFrame(t, client)
	assert.Empty(t, tr.router.Pending(bob.ID))
}

func TestRouter_QueuedBeforeOtherTraffic(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "hi")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	client := tr.connect(t, bob.ID)

	// A heartbeat sent right after auth is answered only after the flush
	require.NoError(t, client.WriteFrame(context.Background(), []byte("")))

	d := readDelivery(t, client)
	assert.Equal(t, "Alice", d.From)
	assert.Equal(t, "hi", d.Message)
	assert.Equal(t, FrameHeartbeat, ClassifyFrame(readFrame(t, client)))
}

func TestRouter_WriteFailureRequeuesOnce(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	st := &scriptedTransport{failAfter: 1}
	_, err := tr.manager.Register(context.Background(), bob.ID, st)
	require.NoError(t, err)

	res, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.False(t, tr.manager.IsOnline(bob.ID))
	require.Len(t, tr.router.Pending(bob.ID), 1)

	client := tr.connect(t, bob.ID)
	d := readDelivery(t, client)
	assert.Equal(t, res.MessageID, d.MessageID)
	expectNoFrame(t, client)
	assert.Empty(t, tr.router.Pending(bob.ID))
}

func TestRouter_CanceledSenderStillReachesRecipient(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	ct := &cancelAwareTransport{scriptedTransport{failAfter: 100}}
	_, err := tr.manager.Register(context.Background(), bob.ID, ct)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := tr.router.SendMessage(ctx, alice.ID, "Bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	// Bob keeps his connection and the queued message goes out on it.
	assert.True(t, tr.manager.IsOnline(bob.ID))
	assert.Empty(t, tr.router.Pending(bob.ID))

	writes := ct.Writes()
	require.Len(t, writes, 2)
	var d Delivery
	require.NoError(t, json.Unmarshal(writes[1], &d))
	assert.Equal(t, res.MessageID, d.MessageID)
	assert.Equal(t, "hi", d.Message)
}

func TestRouter_FlushFailureKeepsOrder(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	for i := 0; i < 3; i++ {
		_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	// Ack plus one delivery succeed, then the transport dies mid-flush
	st := &scriptedTransport{failAfter: 2}
	_, err := tr.manager.Register(context.Background(), bob.ID, st)
	require.NoError(t, err)
	require.Len(t, st.Writes(), 2)

	pending := tr.router.Pending(bob.ID)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].Body)
	assert.Equal(t, "m2", pending[1].Body)

	client := tr.connect(t, bob.ID)
	assert.Equal(t, "m1", readDelivery(t, client).Message)
	assert.Equal(t, "m2", readDelivery(t, client).Message)
	expectNoFrame(t, client)
}

func TestRouter_SendsDuringFlushStayBehindQueue(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	for i := 0; i < 50; i++ {
		_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}

	server, client := Pipe(4)
	c := tr.manager.Accept(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.manager.Serve(ctx, c)
	writeJSON(t, client, AuthFrame{ID: bob.ID})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", fmt.Sprintf("late%d", i))
			assert.NoError(t, err)
		}
	}()

	require.Equal(t, FrameStatus, ClassifyFrame(readFrame(t, client)))
	var got []string
	for i := 0; i < 60; i++ {
		got = append(got, readDelivery(t, client).Message)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("q%d", i), got[i])
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("late%d", i), got[50+i])
	}
}

func TestRouter_MaxPendingDropsOldest(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{MaxPending: 3})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	for i := 0; i < 5; i++ {
		_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	pending := tr.router.Pending(bob.ID)
	require.Len(t, pending, 3)
	assert.Equal(t, "m2", pending[0].Body)
	assert.Equal(t, "m4", pending[2].Body)
}

func TestRouter_PurgeExpired(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{PendingTTL: time.Hour})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")
	carol := tr.createUser(t, "Carol")

	_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "old")
	require.NoError(t, err)
	tr.clock.Advance(45 * time.Minute)
	_, err = tr.router.SendMessage(context.Background(), alice.ID, "Bob", "new")
	require.NoError(t, err)
	_, err = tr.router.SendMessage(context.Background(), alice.ID, "Carol", "for carol")
	require.NoError(t, err)

	tr.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, tr.router.PurgeExpired())

	pending := tr.router.Pending(bob.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].Body)
	assert.Len(t, tr.router.Pending(carol.ID), 1)

	tr.clock.Advance(time.Hour)
	assert.Equal(t, 2, tr.router.PurgeExpired())
	assert.Equal(t, 0, tr.router.PendingCount())
}

func TestRouter_RequeuePutsDeliveriesFirst(t *testing.T) {
	tr := newTestRelay(t, RouterOptions{})
	alice := tr.createUser(t, "Alice")
	bob := tr.createUser(t, "Bob")

	_, err := tr.router.SendMessage(context.Background(), alice.ID, "Bob", "third")
	require.NoError(t, err)

	tr.router.Requeue(context.Background(), bob.ID, []Delivery{
		{From: "Alice", Message: "first", MessageID: "m1", Timestamp: 1},
		{From: "Alice", Message: "second", MessageID: "m2", Timestamp: 2},
	})

	client := tr.connect(t, bob.ID)
	assert.Equal(t, "first", readDelivery(t, client).Message)
	assert.Equal(t, "second", readDelivery(t, client).Message)
	assert.Equal(t, "third", readDelivery(t, client).Message)
}
