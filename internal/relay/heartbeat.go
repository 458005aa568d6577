// ABOUTME: HeartbeatMonitor evicts connections whose last heartbeat is too old
// ABOUTME: A single periodic sweep over authenticated connections

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/cohora-gateway/internal/metrics"
)

// HeartbeatMonitor closes connections that stopped sending heartbeats.
type HeartbeatMonitor struct {
	manager  *Manager
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHeartbeatMonitor creates a monitor that sweeps every interval and evicts
// connections silent for longer than timeout.
func NewHeartbeatMonitor(m *Manager, interval, timeout time.Duration, mtr *metrics.Metrics, logger *slog.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		manager:  m,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat"),
		metrics:  mtr,
	}
}

// Run sweeps until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat monitor started", "interval", h.interval, "timeout", h.timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep closes every authenticated connection whose last heartbeat is older
// than the timeout and returns how many were closed.
func (h *HeartbeatMonitor) Sweep() int {
	now := h.manager.now()
	evicted := 0
	for _, c := range h.manager.Authenticated() {
		silent := now.Sub(c.LastHeartbeat())
		if silent <= h.timeout {
			continue
		}
		h.logger.Warn("heartbeat timeout, closing connection",
			"user_id", c.UserID(),
			"connection_id", c.ID,
			"silent_for", silent.Round(time.Millisecond),
		)
		h.manager.CloseConnection(c, CloseGoingAway, "heartbeat timeout")
		h.metrics.HeartbeatEviction()
		evicted++
	}
	return evicted
}
