package listener

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andi/realtime/internal/domain"
)

// ErrMalformedNotification indicates a raw payload that could not be decoded into an event.
var ErrMalformedNotification = errors.New("listener: malformed notification")

// legacyKinds maps the eventType values emitted by older producers onto event kinds.
var legacyKinds = map[string]domain.Kind{
	"ai_job_update":            domain.KindJobStatusChanged,
	"test":                     domain.KindTestNotification,
	"progress_update":          domain.KindRecordingProgress,
	"recording_created":        domain.KindRecordingCreated,
	"queue_update":             domain.KindQueueStatusChanged,
	"queue_item_added":         domain.KindQueueStatusChanged,
	"notification_created":     domain.KindNotificationCreated,
	"notification_read_status": domain.KindNotificationRead,
}

// legacyDefaults fills payload fields that older producers leave implicit in the eventType.
var legacyDefaults = map[string]map[string]any{
	"queue_item_added": {"status": "item_added"},
}

// envelopeKeys are stripped from a flat legacy notification before the rest becomes the payload.
var envelopeKeys = map[string]struct{}{
	"recipientId": {},
	"userId":      {},
	"kind":        {},
	"eventType":   {},
	"occurredAt":  {},
	"timestamp":   {},
}

// ParseNotification decodes a raw NOTIFY payload into a validated event. Two shapes are accepted:
//
//	{"recipientId": "...", "kind": "...", "payload": {...}, "occurredAt": "..."}
//	{"userId": "...", "eventType": "...", ...flat fields}
//
// observedAt is used when the payload carries no timestamp of its own.
func ParseNotification(raw string, observedAt time.Time) (domain.Event, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if fields == nil {
		return domain.Event{}, fmt.Errorf("%w: expected JSON object", ErrMalformedNotification)
	}

	recipientID := firstString(fields, "recipientId", "userId")
	kind, err := resolveKind(fields)
	if err != nil {
		return domain.Event{}, err
	}

	var payload map[string]any
	if nested, ok := fields["payload"]; ok {
		payload, ok = nested.(map[string]any)
		if !ok {
			return domain.Event{}, fmt.Errorf("%w: payload must be an object", ErrMalformedNotification)
		}
	} else {
		payload = make(map[string]any, len(fields))
		for key, value := range fields {
			if _, skip := envelopeKeys[key]; skip {
				continue
			}
			payload[key] = value
		}
		for key, value := range legacyDefaults[firstString(fields, "eventType")] {
			if _, set := payload[key]; !set {
				payload[key] = value
			}
		}
	}

	occurredAt := observedAt
	if ts := firstString(fields, "occurredAt", "timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Event{}, fmt.Errorf("%w: occurredAt: %v", ErrMalformedNotification, err)
		}
		occurredAt = parsed
	}

	return domain.NewEvent(recipientID, kind, payload, occurredAt)
}

func resolveKind(fields map[string]any) (domain.Kind, error) {
	if kind := firstString(fields, "kind"); kind != "" {
		if !domain.KnownKind(domain.Kind(kind)) {
			return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
		}
		return domain.Kind(kind), nil
	}
	eventType := firstString(fields, "eventType")
	if eventType == "" {
		return "", fmt.Errorf("%w: kind required", ErrMalformedNotification)
	}
	if kind, ok := legacyKinds[eventType]; ok {
		return kind, nil
	}
	if domain.KnownKind(domain.Kind(eventType)) {
		return domain.Kind(eventType), nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, eventType)
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
