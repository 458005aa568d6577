// ABOUTME: Lazy wraps a relay connection that is opened on first use
// ABOUTME: Sessions that never listen never connect

package relayclient

import (
	"context"
	"sync"

	"github.com/2389/cohora-gateway/internal/relay"
)

// Lazy opens a Client the first time Next is called.
type Lazy struct {
	open func(ctx context.Context) (*Client, error)

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewLazy returns a Lazy that connects with open.
func NewLazy(open func(ctx context.Context) (*Client, error)) *Lazy {
	return &Lazy{open: open}
}

// Next connects if needed and waits for the next delivery. A failed connect
// is retried on the next call.
func (l *Lazy) Next(ctx context.Context) (relay.Delivery, error) {
	c, err := l.get(ctx)
	if err != nil {
		return relay.Delivery{}, err
	}
	return c.Next(ctx)
}

func (l *Lazy) get(ctx context.Context) (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.client != nil {
		return l.client, nil
	}
	c, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.client = c
	return c, nil
}

// Opened reports whether a connection was made.
func (l *Lazy) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

// Close closes the connection, if any, and returns unread deliveries.
func (l *Lazy) Close() []relay.Delivery {
	l.mu.Lock()
	c := l.client
	l.closed = true
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
