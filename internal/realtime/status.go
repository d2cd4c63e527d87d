package realtime

import (
	"time"

	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/ws"
)

const (
	ModeRealtime = "realtime"
	ModePolling  = "polling"
)

// PollingContract tells clients how to behave when no push arrives: start polling after
// FallbackDelayMs of silence and poll every IntervalMs.
type PollingContract struct {
	IntervalMs      int64 `json:"intervalMs"`
	FallbackDelayMs int64 `json:"fallbackDelayMs"`
}

// ConnectionStats summarises the registry.
type ConnectionStats struct {
	TotalUsers       int                `json:"totalUsers"`
	TotalConnections int                `json:"totalConnections"`
	UserStats        []ws.RecipientStat `json:"userStats"`
}

// Status is the payload served by the status endpoint.
type Status struct {
	Timestamp      string              `json:"timestamp"`
	Mode           string              `json:"mode"`
	Initialized    bool                `json:"initialized"`
	Degraded       bool                `json:"degraded"`
	DegradedReason string              `json:"degradedReason,omitempty"`
	DegradedSince  *time.Time          `json:"degradedSince,omitempty"`
	Postgresql     listener.Status     `json:"postgresql"`
	Websocket      ConnectionStats     `json:"websocket"`
	Statistics     listener.Statistics `json:"statistics"`
	Polling        PollingContract     `json:"polling"`
}

// Status snapshots the subsystem for the status endpoint.
func (c *Controller) Status() Status {
	c.mu.RLock()
	out := Status{
		Initialized:    c.initialized,
		Degraded:       c.degraded,
		DegradedReason: c.degradedReason,
	}
	if !c.degradedSince.IsZero() {
		since := c.degradedSince
		out.DegradedSince = &since
	}
	c.mu.RUnlock()

	out.Timestamp = c.now().UTC().Format(time.RFC3339Nano)
	out.Mode = c.Mode()
	out.Polling = c.Polling()
	if c.source != nil {
		out.Postgresql = c.source.Status()
		out.Statistics = c.source.Statistics()
	}
	out.Websocket = c.ConnectionStats()
	return out
}

// Statistics returns the change source counters.
func (c *Controller) Statistics() listener.Statistics {
	if c.source == nil {
		return listener.Statistics{}
	}
	return c.source.Statistics()
}

// ConnectionStats summarises live connections per recipient.
func (c *Controller) ConnectionStats() ConnectionStats {
	stats := ConnectionStats{UserStats: []ws.RecipientStat{}}
	if c.registry == nil {
		return stats
	}
	stats.UserStats = c.registry.Snapshot()
	stats.TotalUsers = len(stats.UserStats)
	for _, s := range stats.UserStats {
		stats.TotalConnections += s.Connections
	}
	return stats
}
