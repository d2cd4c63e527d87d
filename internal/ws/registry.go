package ws

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/andi/realtime/internal/domain"
)

// RecipientStat reports how many connections a recipient holds.
type RecipientStat struct {
	RecipientID string `json:"recipientId"`
	Connections int    `json:"connections"`
}

// Registry tracks live connections keyed by recipient. A recipient entry is deleted as soon
// as its last connection is removed.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Connection
	owners  map[string]string
	logger  *slog.Logger
	metrics *Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]map[string]*Connection),
		owners:  make(map[string]string),
		logger:  logger.With("component", "ws_registry"),
		metrics: metrics,
	}
}

// Add registers conn under recipientID. Terminating the connection removes it again.
func (r *Registry) Add(recipientID string, conn *Connection) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return domain.ErrMissingRecipient
	}
	if conn == nil {
		return fmt.Errorf("ws: nil connection")
	}
	if conn.State() == domain.StateClosed {
		return ErrConnectionClosed
	}

	r.mu.Lock()
	if owner, ok := r.owners[conn.ID()]; ok {
		r.mu.Unlock()
		if owner == recipientID {
			return nil
		}
		return fmt.Errorf("%w: connection %s belongs to %s", ErrAlreadyRegistered, conn.ID(), owner)
	}
	set, ok := r.clients[recipientID]
	if !ok {
		set = make(map[string]*Connection)
		r.clients[recipientID] = set
	}
	set[conn.ID()] = conn
	r.owners[conn.ID()] = recipientID
	r.updateGaugesLocked()
	r.mu.Unlock()

	conn.setCloseHook(func() { r.Remove(recipientID, conn) })
	if conn.State() == domain.StateClosed {
		r.Remove(recipientID, conn)
		return ErrConnectionClosed
	}
	r.logger.Info("connection registered", "recipient_id", recipientID, "connection_id", conn.ID())
	return nil
}

// Remove unregisters conn and closes its transport. It reports whether conn was registered.
func (r *Registry) Remove(recipientID string, conn *Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	set, ok := r.clients[recipientID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[conn.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, conn.ID())
	delete(r.owners, conn.ID())
	if len(set) == 0 {
		delete(r.clients, recipientID)
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	if err := conn.Close(); err != nil {
		r.logger.Debug("connection close returned error", "recipient_id", recipientID, "connection_id", conn.ID(), "error", err)
	}
	r.logger.Info("connection removed", "recipient_id", recipientID, "connection_id", conn.ID())
	return true
}

// Get returns the recipient's connections; unknown recipients yield an empty slice.
func (r *Registry) Get(recipientID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.clients[recipientID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// CountFor returns the number of connections held by recipientID.
func (r *Registry) CountFor(recipientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[recipientID])
}

// TotalCount returns the number of registered connections.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// Recipients lists recipients that currently hold at least one connection.
func (r *Registry) Recipients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns per-recipient connection counts ordered by recipient id.
func (r *Registry) Snapshot() []RecipientStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecipientStat, 0, len(r.clients))
	for id, set := range r.clients {
		out = append(out, RecipientStat{RecipientID: id, Connections: len(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

type registered struct {
	recipientID string
	conn        *Connection
}

func (r *Registry) all() []registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registered, 0, len(r.owners))
	for id, set := range r.clients {
		for _, c := range set {
			out = append(out, registered{recipientID: id, conn: c})
		}
	}
	return out
}

// CloseAll removes and closes every connection, returning how many were closed.
func (r *Registry) CloseAll() int {
	closed := 0
	for _, entry := range r.all() {
		if r.Remove(entry.recipientID, entry.conn) {
			closed++
		}
	}
	return closed
}

func (r *Registry) updateGaugesLocked() {
	r.metrics.setConnections(len(r.owners), len(r.clients))
}
