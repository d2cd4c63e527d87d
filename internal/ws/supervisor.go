package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andi/realtime/internal/domain"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSweepInterval     = 5 * time.Minute
)

// HeartbeatResult summarises one heartbeat cycle.
type HeartbeatResult struct {
	Probed      int
	MarkedStale int
	Failed      int
}

// SweepResult summarises one sweep cycle.
type SweepResult struct {
	MarkedStale int
	Removed     int
}

// Supervisor probes connections on a heartbeat cycle and reaps stale ones on a sweep cycle.
// Both timers start and stop together.
type Supervisor struct {
	registry  *Registry
	heartbeat time.Duration
	sweep     time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor constructs a Supervisor; non-positive intervals fall back to 30s and 5m.
func NewSupervisor(registry *Registry, heartbeat, sweep time.Duration, logger *slog.Logger, metrics *Metrics) *Supervisor {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry:  registry,
		heartbeat: heartbeat,
		sweep:     sweep,
		logger:    logger.With("component", "ws_supervisor"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Start launches both cycles. Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(2)
	go s.loop(ctx, s.heartbeat, func() { s.Heartbeat() })
	go s.loop(ctx, s.sweep, func() { s.Sweep() })
	s.logger.Info("liveness supervisor started", "heartbeat", s.heartbeat, "sweep", s.sweep)
}

// Stop cancels both cycles and waits for them to exit. Safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("liveness supervisor stopped")
}

// Running reports whether the cycles are active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Supervisor) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Heartbeat probes every connection. A connection whose previous probe went unanswered for a
// whole cycle becomes STALE but is probed once more; a pong in time restores it to ALIVE.
func (s *Supervisor) Heartbeat() HeartbeatResult {
	var res HeartbeatResult
	now := s.now()
	for _, entry := range s.registry.all() {
		conn := entry.conn
		if conn.State() == domain.StateClosed {
			s.registry.Remove(entry.recipientID, conn)
			continue
		}
		if conn.awaitingPong() && conn.MarkStale() {
			res.MarkedStale++
			s.logger.Warn("heartbeat missed", "recipient_id", entry.recipientID, "connection_id", conn.ID())
		}
		res.Probed++
		if err := conn.Ping(now); err != nil {
			res.Failed++
			s.metrics.probe("failed")
			s.logger.Warn("heartbeat probe failed", "recipient_id", entry.recipientID, "connection_id", conn.ID(), "error", err)
			s.registry.Remove(entry.recipientID, conn)
			continue
		}
		s.metrics.probe("sent")
	}
	return res
}

// Sweep removes connections that were already STALE and marks as STALE those whose last
// pong is older than two heartbeat cycles.
func (s *Supervisor) Sweep() SweepResult {
	var res SweepResult
	now := s.now()
	cutoff := now.Add(-2 * s.heartbeat)
	for _, entry := range s.registry.all() {
		conn := entry.conn
		switch conn.State() {
		case domain.StateStale, domain.StateClosed:
			if s.registry.Remove(entry.recipientID, conn) {
				res.Removed++
				s.metrics.staleRemoved()
				s.logger.Warn("stale connection reaped", "recipient_id", entry.recipientID, "connection_id", conn.ID(),
					"last_pong_at", conn.LastPongAt(), "connected_for", now.Sub(conn.OpenedAt()))
			}
		default:
			if conn.LastPongAt().Before(cutoff) && conn.MarkStale() {
				res.MarkedStale++
			}
		}
	}
	s.logger.Info("liveness sweep finished", "removed", res.Removed, "marked_stale", res.MarkedStale,
		"connections", s.registry.TotalCount())
	return res
}
