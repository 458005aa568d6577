// ABOUTME: Relay client: handshake, heartbeats and a deduplicated delivery inbox
// ABOUTME: Connects in process over a pipe or remotely over a websocket

package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/dedupe"
	"github.com/2389/cohora-gateway/internal/relay"
)

// HeaderUserID carries the user id on HTTP requests and websocket upgrades.
const HeaderUserID = auth.HeaderUserID

var (
	// ErrRejected is returned when the relay refuses the identity.
	ErrRejected = errors.New("relay rejected connection")

	// ErrClosed is returned by Next once the client is closed and drained.
	ErrClosed = errors.New("relay client closed")
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	InboxSize         int
	Seen              *dedupe.Window

	// HeaderAuth sends the user id as an upgrade header instead of an auth frame.
	HeaderAuth bool
	// Token is sent as a bearer credential with header authentication and
	// in the auth frame otherwise.
	Token string

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.Seen == nil {
		o.Seen = dedupe.New(dedupe.Options{})
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client is an authenticated relay connection for one user.
type Client struct {
	userID    string
	transport relay.Transport
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ack     chan relay.StatusFrame
	inbox   chan relay.Delivery
	closing chan struct{}
	done    chan struct{} // closed when the read loop exits
	hbDone  chan struct{}

	mu            sync.Mutex
	err           error
	stranded      []relay.Delivery
	lastHeartbeat time.Time
	welcome       string

	closeOnce sync.Once
	unread    []relay.Delivery
}

// Local connects userID to an in-process manager. The process vouches for
// the identity, so no auth frame or token is exchanged.
func Local(ctx context.Context, m *relay.Manager, userID string, opts Options) (*Client, error) {
	opts.applyDefaults()
	server, end := relay.Pipe(opts.InboxSize)
	conn := m.Accept(server)

	c := newClient(userID, end, opts)
	go func() {
		if err := m.Authenticate(c.ctx, conn, userID); err != nil {
			return
		}
		_ = m.Serve(c.ctx, conn)
	}()

	if err := c.start(ctx, false); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial connects userID to a remote relay at url (ws:// or wss://).
func Dial(ctx context.Context, url, userID string, opts Options) (*Client, error) {
	opts.applyDefaults()

	header := http.Header{}
	if opts.HeaderAuth {
		header.Set(HeaderUserID, userID)
		if opts.Token != "" {
			header.Set("Authorization", "Bearer "+opts.Token)
		}
	}
	conn, resp, err := opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	c := newClient(userID, relay.NewWebSocketTransport(conn), opts)
	if err := c.start(ctx, !opts.HeaderAuth); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(userID string, t relay.Transport, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		userID:    userID,
		transport: t,
		opts:      opts,
		logger:    opts.Logger.With("component", "relayclient", "user_id", userID),
		ctx:       ctx,
		cancel:    cancel,
		ack:       make(chan relay.StatusFrame, 1),
		inbox:     make(chan relay.Delivery, opts.InboxSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		hbDone:    make(chan struct{}),
	}
}

// start runs the read loop, sends the auth frame when asked and waits for
// the ack. Deliveries that follow the ack are buffered by the read loop.
func (c *Client) start(ctx context.Context, sendAuth bool) error {
	go c.readLoop()

	fail := func(err error) error {
		close(c.hbDone)
		c.Close()
		return err
	}

	if sendAuth {
		data, err := json.Marshal(relay.AuthFrame{ID: c.userID, Token: c.opts.Token})
		if err != nil {
			return fail(err)
		}
		if err := c.transport.WriteFrame(ctx, data); err != nil {
			return fail(fmt.Errorf("sending auth frame: %w", err))
		}
	}

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case ack := <-c.ack:
		c.mu.Lock()
		c.welcome = ack.Message
		c.mu.Unlock()
	case <-c.done:
		return fail(fmt.Errorf("%w: %v", ErrRejected, c.Err()))
	case <-timer.C:
		return fail(fmt.Errorf("%w: no acknowledgement within %s", ErrRejected, c.opts.HandshakeTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	go c.heartbeatLoop()
	c.logger.Info("=== RELAY CONNECTED ===", "transport", c.transport.RemoteAddr())
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		data, err := c.transport.ReadFrame(c.ctx)
		if err != nil {
			c.setErr(err)
			return
		}

		switch relay.ClassifyFrame(data) {
		case relay.FrameStatus:
			var ack relay.StatusFrame
			if json.Unmarshal(data, &ack) == nil && ack.Status == relay.StatusConnected {
				select {
				case c.ack <- ack:
				default:
				}
			}
		case relay.FrameHeartbeat:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		case relay.FrameDelivery:
			var d relay.Delivery
			if err := json.Unmarshal(data, &d); err != nil {
				c.logger.Warn("dropping malformed delivery", "error", err)
				continue
			}
			if c.opts.Seen.Observe(d.MessageID) {
				c.logger.Debug("dropping duplicate delivery", "message_id", d.MessageID)
				continue
			}
			c.push(d)
		}
	}
}

// push hands d to the inbox. Once closing, deliveries are kept aside so
// Close can return them in arrival order.
func (c *Client) push(d relay.Delivery) {
	select {
	case <-c.closing:
		c.strand(d)
		return
	default:
	}
	select {
	case c.inbox <- d:
	case <-c.closing:
		c.strand(d)
	}
}

func (c *Client) strand(d relay.Delivery) {
	c.mu.Lock()
	c.stranded = append(c.stranded, d)
	c.mu.Unlock()
}

func (c *Client) heartbeatLoop() {
	defer close(c.hbDone)
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	frame, _ := json.Marshal(relay.HeartbeatFrame{Type: relay.TypeHeartbeat})
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.transport.WriteFrame(c.ctx, frame); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

// Next blocks for the next delivery. Deliveries already buffered are returned
// even after the connection drops; after that Next returns ErrClosed.
func (c *Client) Next(ctx context.Context) (relay.Delivery, error) {
	select {
	case d := <-c.inbox:
		return d, nil
	default:
	}

	select {
	case d := <-c.inbox:
		return d, nil
	case <-c.done:
		select {
		case d := <-c.inbox:
			return d, nil
		default:
			return relay.Delivery{}, fmt.Errorf("%w: %v", ErrClosed, c.Err())
		}
	case <-ctx.Done():
		return relay.Delivery{}, ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Welcome returns the message carried by the authentication ack.
func (c *Client) Welcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// LastHeartbeat returns when the relay last answered a heartbeat.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// UserID returns the identity the client authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Close ends the connection and returns deliveries that were received but
// never read, oldest first. It is safe to call more than once.
func (c *Client) Close() []relay.Delivery {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.transport.Close(relay.CloseNormal, "client closing")
		<-c.done
		c.cancel()
		<-c.hbDone

	drain:
		for {
			select {
			case d := <-c.inbox:
				c.unread = append(c.unread, d)
			default:
				break drain
			}
		}
		c.mu.Lock()
		c.unread = append(c.unread, c.stranded...)
		c.stranded = nil
		c.mu.Unlock()

		c.logger.Info("=== RELAY DISCONNECTED ===", "unread", len(c.unread))
	})
	return c.unread
}
