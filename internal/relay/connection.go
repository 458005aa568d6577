// ABOUTME: A single relay connection and its Connecting/Authenticated/Closed state machine
// ABOUTME: Tracks the authenticated user and the time of the last heartbeat

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is one transport attached to the relay. It is owned by the Manager.
type Connection struct {
	ID        string
	transport Transport
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	userID        string
	displayName   string
	lastHeartbeat time.Time
	openedAt      time.Time

	closeOnce sync.Once
}

func newConnection(t Transport, now time.Time, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		ID:            id,
		transport:     t,
		logger:        logger.With("connection_id", id, "remote", t.RemoteAddr()),
		state:         StateConnecting,
		lastHeartbeat: now,
		openedAt:      now,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DisplayName returns the authenticated user's display name.
func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// LastHeartbeat returns when the connection was last known to be alive.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// markAuthenticated moves Connecting to Authenticated. It fails if the
// connection was closed in the meantime.
func (c *Connection) markAuthenticated(userID, displayName string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		return fmt.Errorf("connection %s is %s", c.ID, c.state)
	}
	c.state = StateAuthenticated
	c.userID = userID
	c.displayName = displayName
	c.lastHeartbeat = now
	return nil
}

// write sends one frame. Only authenticated connections carry traffic.
func (c *Connection) write(ctx context.Context, data []byte) error {
	if c.State() != StateAuthenticated {
		return ErrNotConnected
	}
	if err := c.transport.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// close transitions to Closed and releases the transport exactly once.
// It returns the state held before the call and whether this call closed it.
func (c *Connection) close(code int, reason string) (State, bool) {
	prev := StateClosed
	closed := false
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev = c.state
		c.state = StateClosed
		c.mu.Unlock()

		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
		closed = true
	})
	return prev, closed
}
