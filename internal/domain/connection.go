package domain

// ConnectionState tracks the liveness of a client connection.
type ConnectionState int

const (
	StateOpen ConnectionState = iota
	StateAlive
	StateStale
	StateClosed
)

// String returns the upper-case state label used in logs and status output.
func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateAlive:
		return "ALIVE"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Deliverable reports whether events may be written to a connection in this state.
func (s ConnectionState) Deliverable() bool {
	return s == StateOpen || s == StateAlive
}
