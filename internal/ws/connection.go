package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andi/realtime/internal/domain"
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")
	// ErrAlreadyRegistered is returned when a connection is registered under a second recipient.
	ErrAlreadyRegistered = errors.New("ws: connection already registered")
)

// Transport abstracts the wire a connection writes to (websocket, SSE, test fakes).
type Transport interface {
	Send([]byte) error
	Ping() error
	Close() error
}

// selfAcking transports have no reply frame; a successful probe write counts as the ack.
type selfAcking interface {
	AcksOnWrite() bool
}

// Connection is a single live client session owned by one recipient.
type Connection struct {
	id        string
	ownerID   string
	transport Transport
	openedAt  time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	state      domain.ConnectionState
	lastPongAt time.Time
	lastPingAt time.Time
	onClose    func()
	closed     bool
	closeErr   error
}

// NewConnection wraps transport in an OPEN connection for ownerID.
func NewConnection(ownerID string, transport Transport, now time.Time) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		ownerID:    ownerID,
		transport:  transport,
		openedAt:   now,
		state:      domain.StateOpen,
		lastPongAt: now,
	}
}

// ID returns the identifier assigned at accept time.
func (c *Connection) ID() string { return c.id }

// OwnerID returns the recipient the connection was opened for.
func (c *Connection) OwnerID() string { return c.ownerID }

// OpenedAt returns the accept timestamp.
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// State returns the current lifecycle state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPongAt returns the time of the last liveness acknowledgement.
func (c *Connection) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// Send writes payload to the transport. Writes to one connection never interleave.
func (c *Connection) Send(payload []byte) error {
	if c.State() == domain.StateClosed {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(payload)
}

// Ping sends a liveness probe without waiting for the reply.
func (c *Connection) Ping(now time.Time) error {
	c.mu.Lock()
	if c.state == domain.StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.lastPingAt = now
	c.mu.Unlock()

	if err := c.transport.Ping(); err != nil {
		return err
	}
	if t, ok := c.transport.(selfAcking); ok && t.AcksOnWrite() {
		c.MarkPong(now)
	}
	return nil
}

// MarkPong records a liveness acknowledgement and moves the connection to ALIVE.
func (c *Connection) MarkPong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateClosed {
		return
	}
	c.state = domain.StateAlive
	c.lastPongAt = now
}

// MarkStale moves an OPEN or ALIVE connection to STALE and reports whether it changed.
func (c *Connection) MarkStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Deliverable() {
		return false
	}
	c.state = domain.StateStale
	return true
}

// awaitingPong reports whether the last probe is still unanswered.
func (c *Connection) awaitingPong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastPingAt.IsZero() && c.lastPongAt.Before(c.lastPingAt)
}

// Close terminates the transport once and runs the close hook installed by the registry.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.state = domain.StateClosed
	hook := c.onClose
	c.mu.Unlock()

	err := c.transport.Close()

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (c *Connection) setCloseHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}
