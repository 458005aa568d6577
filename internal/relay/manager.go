// ABOUTME: ConnectionManager owns live relay connections, one per online user
// ABOUTME: Runs the authentication handshake, supersedes old connections and serves read loops

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cohora-gateway/internal/metrics"
	"github.com/2389/cohora-gateway/internal/users"
)

var (
	// ErrAuth indicates an unknown or rejected identity.
	ErrAuth = errors.New("authentication failed")

	// ErrNotConnected indicates the user has no authenticated connection, or
	// the connection failed while sending.
	ErrNotConnected = errors.New("not connected")
)

// TokenVerifier checks bearer tokens and returns their subject.
// *auth.JWTVerifier implements it.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Directory resolves user identities. *users.Registry implements it.
type Directory interface {
	Lookup(id string) (*users.User, bool)
	ResolveName(name string) (*users.User, bool)
}

// Outcome is the result of handing a payload to the connection manager.
type Outcome int

const (
	OutcomeQueued Outcome = iota
	OutcomeDelivered
)

func (o Outcome) String() string {
	if o == OutcomeDelivered {
		return "delivered"
	}
	return "queued"
}

// ManagerOptions tunes a Manager. Zero values select defaults.
type ManagerOptions struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Now          func() time.Time

	// Tokens, when set, makes auth frames carry a token whose subject is
	// the claimed id.
	Tokens TokenVerifier
}

// Manager is the ConnectionManager: it owns the user to connection table.
type Manager struct {
	users        Directory
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tokens       TokenVerifier
	authTimeout  time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	// onAuthenticated runs synchronously after the ack is written.
	// Set once by NewRouter before any connection is served.
	onAuthenticated func(ctx context.Context, c *Connection)

	mu    sync.RWMutex
	conns map[string]*Connection // userID -> authenticated connection
}

// NewManager creates a new Manager instance.
func NewManager(dir Directory, opts ManagerOptions, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		users:        dir,
		logger:       logger.With("component", "relay"),
		metrics:      opts.Metrics,
		tokens:       opts.Tokens,
		authTimeout:  opts.AuthTimeout,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
		conns:        make(map[string]*Connection),
	}
}

// Accept attaches a freshly opened transport. The connection starts in
// Connecting and carries no application traffic until authenticated.
func (m *Manager) Accept(t Transport) *Connection {
	c := newConnection(t, m.now(), m.logger)
	c.logger.Debug("transport accepted")
	return c
}

// Register accepts a transport and authenticates it as userID in one step.
func (m *Manager) Register(ctx context.Context, userID string, t Transport) (*Connection, error) {
	c := m.Accept(t)
	if err := m.Authenticate(ctx, c, userID); err != nil {
		return nil, err
	}
	return c, nil
}

// Authenticate validates the claimed identity. On success the ack frame is
// written, the connection replaces any previous one for the same user, and the
// pending queue is flushed before Authenticate returns. On failure the
// transport is closed with a policy violation. The caller vouches for the
// identity; auth frame tokens are checked by Serve before it gets here.
func (m *Manager) Authenticate(ctx context.Context, c *Connection, claimedUserID string) error {
	u, ok := m.users.Lookup(claimedUserID)
	if claimedUserID == "" || !ok {
		m.metrics.Authentication("rejected")
		c.logger.Warn("authentication rejected", "claimed_user_id", claimedUserID)
		m.closeConn(c, ClosePolicyViolation, "Invalid user ID")
		return fmt.Errorf("%w: invalid user id %q", ErrAuth, claimedUserID)
	}

	if err := c.markAuthenticated(u.ID, u.DisplayName, m.now()); err != nil {
		m.metrics.Authentication("rejected")
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	m.metrics.ConnectionOpened()

	ack, err := encodeFrame(StatusFrame{
		Type:    TypeConnectionStatus,
		Status:  StatusConnected,
		Message: "Connected as " + u.DisplayName,
		UserID:  u.ID,
	})
	if err != nil {
		return err
	}
	if err := m.writeTo(ctx, c, ack); err != nil {
		m.closeConn(c, CloseGoingAway, "write failed")
		return fmt.Errorf("sending connection ack: %w", err)
	}

	m.mu.Lock()
	prev := m.conns[u.ID]
	m.conns[u.ID] = c
	total := len(m.conns)
	m.mu.Unlock()

	// The connection may have been closed between the ack and the swap.
	if c.State() == StateClosed {
		m.removeIfCurrent(c)
		return fmt.Errorf("%w: connection closed during authentication", ErrNotConnected)
	}

	if prev != nil && prev != c {
		m.metrics.Authentication("superseded")
		prev.logger.Info("connection superseded", "user_id", u.ID, "by", c.ID)
		m.closeConn(prev, CloseNormal, "superseded")
	}
	m.metrics.Authentication("ok")

	m.logger.Info("=== USER CONNECTED ===",
		"user_id", u.ID,
		"name", u.DisplayName,
		"connection_id", c.ID,
		"total_connections", total,
	)

	if m.onAuthenticated != nil {
		m.onAuthenticated(ctx, c)
	}
	return nil
}

// Send writes payload to the user's authenticated connection. It returns
// OutcomeQueued without error when the user is offline, and ErrNotConnected
// when the write fails; the failed connection is closed.
func (m *Manager) Send(ctx context.Context, userID string, payload any) (Outcome, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutcomeQueued, fmt.Errorf("encoding payload: %w", err)
	}
	c, err := m.deliver(ctx, userID, data)
	if c == nil {
		return OutcomeQueued, nil
	}
	if err != nil {
		return OutcomeQueued, err
	}
	return OutcomeDelivered, nil
}

// deliver writes to the current connection of userID. A nil connection means
// the user is offline.
func (m *Manager) deliver(ctx context.Context, userID string, data []byte) (*Connection, error) {
	c, ok := m.Get(userID)
	if !ok {
		return nil, nil
	}
	return c, m.writeTo(ctx, c, data)
}

// writeTo writes one frame to c, closing c when the transport fails. A write
// abandoned because ctx ended leaves c open: the caller went away, not the peer.
func (m *Manager) writeTo(ctx context.Context, c *Connection, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	if err := c.write(wctx, data); err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("write abandoned by caller", "user_id", c.UserID(), "error", err)
			return err
		}
		if c.State() != StateClosed {
			c.logger.Warn("write failed, closing connection", "user_id", c.UserID(), "error", err)
		}
		m.CloseConnection(c, CloseGoingAway, "write failed")
		return err
	}
	return nil
}

// Close releases the user's connection, if any. It is idempotent.
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	c, ok := m.conns[userID]
	if ok {
		delete(m.conns, userID)
	}
	m.mu.Unlock()

	if ok {
		m.closeConn(c, CloseNormal, "closed")
	}
}

// CloseConnection closes a specific connection and removes it from the table
// if it is still the user's current one.
func (m *Manager) CloseConnection(c *Connection, code int, reason string) {
	m.removeIfCurrent(c)
	m.closeConn(c, code, reason)
}

func (m *Manager) removeIfCurrent(c *Connection) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	m.mu.Lock()
	if m.conns[userID] == c {
		delete(m.conns, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) closeConn(c *Connection, code int, reason string) {
	prev, closed := c.close(code, reason)
	if !closed {
		return
	}
	if prev == StateAuthenticated {
		m.metrics.ConnectionClosed()
		m.logger.Info("=== USER DISCONNECTED ===",
			"user_id", c.UserID(),
			"name", c.DisplayName(),
			"connection_id", c.ID,
			"reason", reason,
			"total_connections", m.Count(),
		)
	}
}

// Get returns the user's authenticated connection.
func (m *Manager) Get(userID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[userID]
	return c, ok
}

// IsOnline reports whether the user has an authenticated connection.
func (m *Manager) IsOnline(userID string) bool {
	_, ok := m.Get(userID)
	return ok
}

// Count returns the number of authenticated connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Authenticated returns a snapshot of all authenticated connections.
func (m *Manager) Authenticated() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		m.closeConn(c, CloseGoingAway, "server shutting down")
	}
}

// Serve runs the read loop of c until the transport closes or ctx is done.
// A connection still in Connecting must send its auth frame within the auth
// timeout. Heartbeats are answered; no inbound frame is ever routed.
func (m *Manager) Serve(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithCancel(ctx)
	defer m.CloseConnection(c, CloseNormal, "connection closed")
	defer cancel()

	// A websocket read does not observe ctx, so closing the transport is
	// what unblocks it.
	stop := context.AfterFunc(ctx, func() {
		m.CloseConnection(c, CloseGoingAway, "server shutting down")
	})
	defer stop()

	if c.State() == StateConnecting {
		if err := m.awaitAuth(ctx, c); err != nil {
			return err
		}
	}

	for {
		data, err := c.transport.ReadFrame(ctx)
		if err != nil {
			if c.State() != StateClosed && ctx.Err() == nil {
				c.logger.Debug("read loop ended", "user_id", c.UserID(), "error", err)
			}
			return nil
		}
		m.handleFrame(ctx, c, data)
	}
}

func (m *Manager) awaitAuth(ctx context.Context, c *Connection) error {
	authCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	for {
		data, err := c.transport.ReadFrame(authCtx)
		if err != nil {
			m.metrics.Authentication("rejected")
			m.closeConn(c, ClosePolicyViolation, "Authentication timeout")
			return fmt.Errorf("%w: waiting for auth frame: %v", ErrAuth, err)
		}

		switch ClassifyFrame(data) {
		case FrameHeartbeat:
			continue
		case FrameAuth:
			var frame AuthFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				m.closeConn(c, ClosePolicyViolation, "Invalid auth frame")
				return fmt.Errorf("%w: decoding auth frame: %v", ErrAuth, err)
			}
			if err := m.checkToken(frame); err != nil {
				m.metrics.Authentication("rejected")
				c.logger.Warn("authentication rejected", "claimed_user_id", frame.ID, "error", err)
				m.closeConn(c, ClosePolicyViolation, "Invalid token")
				return fmt.Errorf("%w: %v", ErrAuth, err)
			}
			return m.Authenticate(ctx, c, frame.ID)
		default:
			m.metrics.Authentication("rejected")
			m.closeConn(c, ClosePolicyViolation, "Authentication required")
			return fmt.Errorf("%w: first frame was not an auth frame", ErrAuth)
		}
	}
}

// checkToken verifies the token of an auth frame when tokens are configured.
func (m *Manager) checkToken(frame AuthFrame) error {
	if m.tokens == nil {
		return nil
	}
	if frame.Token == "" {
		return errors.New("missing token")
	}
	sub, err := m.tokens.Verify(frame.Token)
	if err != nil {
		return err
	}
	if sub != frame.ID {
		return errors.New("token subject does not match id")
	}
	return nil
}

func (m *Manager) handleFrame(ctx context.Context, c *Connection, data []byte) {
	switch kind := ClassifyFrame(data); kind {
	case FrameHeartbeat:
		now := m.now()
		c.touch(now)
		reply, err := encodeFrame(HeartbeatFrame{
			Type:      TypeHeartbeat,
			Status:    "ok",
			Timestamp: unixSeconds(now),
		})
		if err != nil {
			return
		}
		_ = m.writeTo(ctx, c, reply)
	case FrameAuth:
		c.logger.Debug("ignoring auth frame on authenticated connection", "user_id", c.UserID())
	default:
		c.logger.Debug("ignoring inbound frame", "user_id", c.UserID(), "kind", kind.String(), "bytes", len(data))
	}
}
