// ABOUTME: MessageRouter resolves recipients and delivers or queues messages per recipient
// ABOUTME: Bounded FIFO pending queues are flushed on authentication and purged by TTL

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cohora-gateway/internal/metrics"
)

// ErrRecipientNotFound is returned when no user has the recipient name.
var ErrRecipientNotFound = errors.New("recipient not found")

// Status is the routing outcome reported to a sender.
type Status int

const (
	StatusDelivered Status = iota
	StatusQueued
)

func (s Status) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "queued"
}

// HTTPStatus maps the outcome to the status code used by the HTTP API.
func (s Status) HTTPStatus() int {
	if s == StatusDelivered {
		return 200
	}
	return 202
}

// SendResult reports what happened to a sent message.
type SendResult struct {
	MessageID string
	Status    Status
	Details   string
}

// PendingMessage is a message waiting for its recipient to come online.
type PendingMessage struct {
	MessageID  string
	FromUserID string
	FromName   string
	ToUserID   string
	Body       string
	CreatedAt  time.Time
}

func (p *PendingMessage) delivery() Delivery {
	return Delivery{
		From:      p.FromName,
		Message:   p.Body,
		Timestamp: unixSeconds(p.CreatedAt),
		MessageID: p.MessageID,
	}
}

type mailbox struct {
	queue    []*PendingMessage
	flushing bool
}

// RouterOptions tunes a Router. Zero values select defaults.
type RouterOptions struct {
	MaxPending int           // per recipient; oldest message is dropped beyond it
	PendingTTL time.Duration // 0 keeps messages until delivered
	Metrics    *metrics.Metrics
}

// Router is the MessageRouter.
type Router struct {
	manager    *Manager
	users      Directory
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxPending int
	pendingTTL time.Duration

	mu    sync.Mutex
	boxes map[string]*mailbox // recipient userID -> queue
}

// NewRouter creates a router over m and installs the flush-on-authenticate hook.
func NewRouter(m *Manager, dir Directory, opts RouterOptions, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		manager:    m,
		users:      dir,
		logger:     logger.With("component", "router"),
		metrics:    opts.Metrics,
		maxPending: opts.MaxPending,
		pendingTTL: opts.PendingTTL,
		boxes:      make(map[string]*mailbox),
	}
	m.onAuthenticated = r.Flush
	return r
}

// SendMessage routes body from fromUserID to the user named recipientName.
// The name must match exactly. The message is delivered immediately when the
// recipient is online and nothing is queued ahead of it; otherwise it is
// queued. A delivery that fails mid-write is queued once for the next
// connection.
func (r *Router) SendMessage(ctx context.Context, fromUserID, recipientName, body string) (SendResult, error) {
	recipient, ok := r.users.ResolveName(recipientName)
	if !ok {
		r.metrics.Message("not_found")
		return SendResult{}, fmt.Errorf("%w: %q", ErrRecipientNotFound, recipientName)
	}

	fromName := fromUserID
	if sender, ok := r.users.Lookup(fromUserID); ok {
		fromName = sender.DisplayName
	}

	msg := &PendingMessage{
		MessageID:  uuid.New().String(),
		FromUserID: fromUserID,
		FromName:   fromName,
		ToUserID:   recipient.ID,
		Body:       body,
		CreatedAt:  r.manager.now(),
	}
	logger := r.logger.With("message_id", msg.MessageID, "from", fromName, "to", recipient.DisplayName)

	// Anything already queued must go out first.
	r.mu.Lock()
	if box, ok := r.boxes[recipient.ID]; ok && (len(box.queue) > 0 || box.flushing) {
		r.enqueueLocked(msg)
		r.mu.Unlock()
		r.metrics.Message("queued")
		logger.Debug("queued behind pending messages")
		return r.queuedResult(msg, recipient.DisplayName), nil
	}
	r.mu.Unlock()

	data, err := encodeFrame(msg.delivery())
	if err != nil {
		return SendResult{}, fmt.Errorf("encoding delivery: %w", err)
	}

	conn, err := r.manager.deliver(ctx, recipient.ID, data)
	switch {
	case conn == nil:
		r.enqueue(msg)
		r.metrics.Message("queued")
		logger.Info("recipient offline, message queued")
		r.kick(ctx, recipient.ID, nil)
		return r.queuedResult(msg, recipient.DisplayName), nil

	case err != nil:
		r.enqueue(msg)
		r.metrics.Message("requeued")
		logger.Warn("delivery failed, message queued for next connection", "error", err)
		r.kick(ctx, recipient.ID, conn)
		return SendResult{
			MessageID: msg.MessageID,
			Status:    StatusQueued,
			Details:   fmt.Sprintf("Delivery to %s failed; message queued", recipient.DisplayName),
		}, nil

	default:
		r.metrics.Message("delivered")
		logger.Debug("message delivered")
		return SendResult{
			MessageID: msg.MessageID,
			Status:    StatusDelivered,
			Details:   "Message delivered to " + recipient.DisplayName,
		}, nil
	}
}

func (r *Router) queuedResult(msg *PendingMessage, name string) SendResult {
	return SendResult{
		MessageID: msg.MessageID,
		Status:    StatusQueued,
		Details:   fmt.Sprintf("%s is offline; message queued", name),
	}
}

// Flush delivers the pending queue of c's user to c in FIFO order. It runs
// synchronously from authentication, before c's read loop continues. A write
// failure puts the message back at the head of the queue and stops the flush.
func (r *Router) Flush(ctx context.Context, c *Connection) {
	userID := c.UserID()

	r.mu.Lock()
	box, ok := r.boxes[userID]
	if !ok || box.flushing || len(box.queue) == 0 {
		r.mu.Unlock()
		return
	}
	box.flushing = true
	r.mu.Unlock()

	flushed, expired := 0, 0
	for {
		r.mu.Lock()
		if len(box.queue) == 0 {
			box.flushing = false
			r.dropIfEmptyLocked(userID, box)
			r.mu.Unlock()
			break
		}
		msg := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		r.mu.Unlock()

		if r.isExpired(msg) {
			expired++
			continue
		}

		data, err := encodeFrame(msg.delivery())
		if err != nil {
			r.logger.Error("dropping undeliverable message", "message_id", msg.MessageID, "error", err)
			continue
		}

		if err := r.manager.writeTo(ctx, c, data); err != nil {
			r.mu.Lock()
			box.queue = append([]*PendingMessage{msg}, box.queue...)
			box.flushing = false
			r.mu.Unlock()

			r.metrics.Message("requeued")
			r.logger.Warn("flush interrupted, message requeued",
				"user_id", userID,
				"message_id", msg.MessageID,
				"flushed", flushed,
				"error", err,
			)
			r.kick(ctx, userID, c)
			return
		}
		flushed++
		r.metrics.Message("flushed")
	}

	r.metrics.PendingDrop("expired", expired)
	if flushed > 0 {
		r.logger.Info("flushed pending messages", "user_id", userID, "count", flushed)
	}
}

// kick flushes userID's queue to their current connection unless that is the
// connection whose transport just failed.
func (r *Router) kick(ctx context.Context, userID string, failed *Connection) {
	c, ok := r.manager.Get(userID)
	if !ok || (c == failed && c.State() == StateClosed) {
		return
	}
	// The sender may be gone; the flush belongs to the recipient.
	r.Flush(context.WithoutCancel(ctx), c)
}

// Requeue returns deliveries that reached a client which closed before
// consuming them. They go back to the head of the queue in their original order.
func (r *Router) Requeue(ctx context.Context, userID string, deliveries []Delivery) {
	if len(deliveries) == 0 {
		return
	}

	msgs := make([]*PendingMessage, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, &PendingMessage{
			MessageID: d.MessageID,
			FromName:  d.From,
			ToUserID:  userID,
			Body:      d.Message,
			CreatedAt: d.Time(),
		})
	}

	r.mu.Lock()
	box := r.boxLocked(userID)
	box.queue = append(msgs, box.queue...)
	r.trimLocked(userID, box)
	r.mu.Unlock()

	r.logger.Info("requeued unread deliveries", "user_id", userID, "count", len(msgs))
	r.kick(ctx, userID, nil)
}

func (r *Router) enqueue(msg *PendingMessage) {
	r.mu.Lock()
	r.enqueueLocked(msg)
	r.mu.Unlock()
}

func (r *Router) enqueueLocked(msg *PendingMessage) {
	box := r.boxLocked(msg.ToUserID)
	box.queue = append(box.queue, msg)
	r.trimLocked(msg.ToUserID, box)
}

func (r *Router) boxLocked(userID string) *mailbox {
	box, ok := r.boxes[userID]
	if !ok {
		box = &mailbox{}
		r.boxes[userID] = box
	}
	return box
}

// trimLocked enforces the queue bound by dropping the oldest messages.
func (r *Router) trimLocked(userID string, box *mailbox) {
	if r.maxPending <= 0 || len(box.queue) <= r.maxPending {
		return
	}
	over := len(box.queue) - r.maxPending
	for i := 0; i < over; i++ {
		box.queue[i] = nil
	}
	box.queue = box.queue[over:]
	r.metrics.PendingDrop("overflow", over)
	r.logger.Warn("pending queue full, dropped oldest messages", "user_id", userID, "dropped", over)
}

func (r *Router) dropIfEmptyLocked(userID string, box *mailbox) {
	if len(box.queue) == 0 && !box.flushing && r.boxes[userID] == box {
		delete(r.boxes, userID)
	}
}

func (r *Router) isExpired(msg *PendingMessage) bool {
	return r.pendingTTL > 0 && r.manager.now().Sub(msg.CreatedAt) > r.pendingTTL
}

// PurgeExpired drops queued messages older than the pending TTL.
func (r *Router) PurgeExpired() int {
	if r.pendingTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	purged := 0
	for userID, box := range r.boxes {
		kept := box.queue[:0]
		for _, msg := range box.queue {
			if r.isExpired(msg) {
				purged++
				continue
			}
			kept = append(kept, msg)
		}
		for i := len(kept); i < len(box.queue); i++ {
			box.queue[i] = nil
		}
		box.queue = kept
		r.dropIfEmptyLocked(userID, box)
	}
	r.mu.Unlock()

	if purged > 0 {
		r.metrics.PendingDrop("expired", purged)
		r.logger.Info("purged expired pending messages", "count", purged)
	}
	return purged
}

// Run purges expired messages periodically until ctx is done.
func (r *Router) Run(ctx context.Context) {
	if r.pendingTTL <= 0 {
		<-ctx.Done()
		return
	}

	interval := r.pendingTTL / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PurgeExpired()
		}
	}
}

// Pending returns a copy of userID's queue in delivery order.
func (r *Router) Pending(userID string) []PendingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, ok := r.boxes[userID]
	if !ok {
		return nil
	}
	out := make([]PendingMessage, len(box.queue))
	for i, msg := range box.queue {
		out[i] = *msg
	}
	return out
}

// PendingCount returns the number of queued messages across all recipients.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, box := range r.boxes {
		n += len(box.queue)
	}
	return n
}
