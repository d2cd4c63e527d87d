package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andi/realtime/internal/domain"
)

// maxNotifyPayload is the server-side limit on a NOTIFY payload.
const maxNotifyPayload = 8000

// ErrPayloadTooLarge is returned when an encoded notification exceeds the NOTIFY limit.
var ErrPayloadTooLarge = errors.New("listener: notification payload too large")

// Execer is the subset of a pgx pool used for publishing. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Publisher emits events onto the notification channel through the ordinary query pool.
type Publisher struct {
	db      Execer
	channel string
}

// NewPublisher constructs a Publisher for channel.
func NewPublisher(db Execer, channel string) *Publisher {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultChannel
	}
	return &Publisher{db: db, channel: channel}
}

type wireNotification struct {
	RecipientID string         `json:"recipientId"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  string         `json:"occurredAt"`
}

// EncodeNotification renders event in the shape ParseNotification reads.
func EncodeNotification(event domain.Event) (string, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(wireNotification{
		RecipientID: event.RecipientID,
		Kind:        string(event.Kind),
		Payload:     payload,
		OccurredAt:  event.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	if len(body) >= maxNotifyPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	return string(body), nil
}

// Publish sends event with pg_notify. Delivery happens when the surrounding transaction commits.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.db == nil {
		return errors.New("listener: publisher not configured")
	}
	body, err := EncodeNotification(event)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, body); err != nil {
		return fmt.Errorf("pg_notify %s: %w", p.channel, err)
	}
	return nil
}
