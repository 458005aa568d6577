// ABOUTME: Transport abstraction for relay connections
// ABOUTME: Gorilla websocket implementation and an in-memory pipe for in-process clients

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned when reading or writing a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Close codes used by the relay.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// DefaultWriteWait bounds a single frame write.
const DefaultWriteWait = 10 * time.Second

// Transport is a bidirectional, message-oriented connection carrying frames.
// Writes are safe for concurrent use; reads are made by a single goroutine.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// WebSocketTransport carries frames over a gorilla websocket connection.
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, writeWait: DefaultWriteWait}
}

// ReadFrame blocks for the next text or binary message. A context deadline
// becomes the socket read deadline.
func (t *WebSocketTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return data, nil
}

// WriteFrame sends data as a single text message.
func (t *WebSocketTransport) WriteFrame(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given code and reason, then closes the socket.
func (t *WebSocketTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// pipeState is shared by both ends of a pipe. Writers hold mu for reading
// while they send; Close waits for them before closing closed, so a reader
// that observes closed sees every frame that was accepted.
type pipeState struct {
	once     sync.Once
	mu       sync.RWMutex
	closing  chan struct{}
	closed   chan struct{}
	closeErr *websocket.CloseError
}

type pipeEnd struct {
	name  string
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory transports. Frames written on one end
// are read on the other in order. Closing either end closes both; the peer
// drains frames already buffered before it observes the close as a
// *websocket.CloseError.
func Pipe(buffer int) (Transport, Transport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	state := &pipeState{closing: make(chan struct{}), closed: make(chan struct{})}
	return &pipeEnd{name: "pipe:a", in: ba, out: ab, state: state},
		&pipeEnd{name: "pipe:b", in: ab, out: ba, state: state}
}

func (p *pipeEnd) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}

	select {
	case data := <-p.in:
		return data, nil
	case <-p.state.closed:
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, p.state.closeErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteFrame(ctx context.Context, data []byte) error {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()

	select {
	case <-p.state.closing:
		return ErrTransportClosed
	default:
	}

	frame := append([]byte(nil), data...)
	select {
	case p.out <- frame:
		return nil
	case <-p.state.closing:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close(code int, reason string) error {
	p.state.once.Do(func() {
		p.state.closeErr = &websocket.CloseError{Code: code, Text: reason}
		close(p.state.closing)
		p.state.mu.Lock()
		close(p.state.closed)
		p.state.mu.Unlock()
	})
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	return p.name
}
