package listener

import "time"

// Status is the process-wide view of the subscription, mutated on every connect, error and
// reconnect transition.
type Status struct {
	Subscribed     bool    `json:"subscribed"`
	LastError      *string `json:"lastError"`
	ReconnectCount int     `json:"reconnectCount"`
}

// Statistics reports adapter counters.
type Statistics struct {
	MessagesReceived int64      `json:"messagesReceived"`
	ParseFailures    int64      `json:"parseFailures"`
	EventsDelivered  int64      `json:"eventsDelivered"`
	Reconnects       int64      `json:"reconnects"`
	UptimeSeconds    float64    `json:"uptimeSeconds"`
	ConnectedAt      *time.Time `json:"connectedAt"`
	LastMessageAt    *time.Time `json:"lastMessageAt"`
}
