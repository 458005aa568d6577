// ABOUTME: Shared fixtures for relay tests
// ABOUTME: Fake clock, scripted transports and pipe-connected clients

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/users"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRelay struct {
	users   *users.Registry
	manager *Manager
	router  *Router
	clock   *fakeClock
}

func newTestRelay(t *testing.T, opts RouterOptions) *testRelay {
	t.Helper()
	clock := newFakeClock()
	reg := users.NewRegistry(nil, nil)
	m := NewManager(reg, ManagerOptions{
		AuthTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
		Now:          clock.Now,
	}, nil)
	r := NewRouter(m, reg, opts, nil)
	return &testRelay{users: reg, manager: m, router: r, clock: clock}
}

func (tr *testRelay) createUser(t *testing.T, name string) *users.User {
	t.Helper()
	u, err := tr.users.Create(context.Background(), name)
	require.NoError(t, err)
	return u
}

// connect opens a pipe, serves the server end and performs the handshake on
// the client end. It returns the client transport after reading the ack.
func (tr *testRelay) connect(t *testing.T, userID string) Transport {
	t.Helper()
	server, client := Pipe(64)
	c := tr.manager.Accept(server)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.manager.Serve(ctx, c)

	writeJSON(t, client, AuthFrame{ID: userID})
	ack := readFrame(t, client)
	require.Equal(t, FrameStatus, ClassifyFrame(ack))
	return client
}

func writeJSON(t *testing.T, tr Transport, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, tr.WriteFrame(context.Background(), data))
}

func readFrame(t *testing.T, tr Transport) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	return data
}

func readDelivery(t *testing.T, tr Transport) Delivery {
	t.Helper()
	data := readFrame(t, tr)
	require.Equal(t, FrameDelivery, ClassifyFrame(data), "frame: %s", data)
	var d Delivery
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

// expectNoFrame asserts nothing arrives within a short window.
func expectNoFrame(t *testing.T, tr Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	data, err := tr.ReadFrame(ctx)
	require.Error(t, err, "unexpected frame: %s", data)
}

// scriptedTransport records writes and fails every write after failAfter.
type scriptedTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	failAfter int
	closed    bool
	code      int
}

var errScriptedWrite = errors.New("scripted write failure")

func (s *scriptedTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedTransport) WriteFrame(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.writes) >= s.failAfter {
		return errScriptedWrite
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *scriptedTransport) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	return nil
}

func (s *scriptedTransport) RemoteAddr() string { return "scripted" }

func (s *scriptedTransport) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *scriptedTransport) Closed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code
}

// cancelAwareTransport fails writes whose context has already ended, the way
// a pipe or deadline-bound socket does, and records the rest.
type cancelAwareTransport struct {
	scriptedTransport
}

func (c *cancelAwareTransport) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.scriptedTransport.WriteFrame(ctx, data)
}

// staticTokens maps tokens to their subjects.
type staticTokens map[string]string

func (s staticTokens) Verify(token string) (string, error) {
	sub, ok := s[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return sub, nil
}
