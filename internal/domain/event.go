package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingRecipient indicates an event without an addressable recipient.
	ErrMissingRecipient = errors.New("domain: recipient id required")
	// ErrUnknownKind indicates an event kind outside the supported set.
	ErrUnknownKind = errors.New("domain: unknown event kind")
	// ErrInvalidPayload indicates a payload that does not match its kind's schema.
	ErrInvalidPayload = errors.New("domain: invalid payload")
)

// Kind tags the variant of a DomainEvent. New kinds are additive.
type Kind string

const (
	KindJobStatusChanged    Kind = "job_status_changed"
	KindTestNotification    Kind = "test_notification"
	KindRecordingProgress   Kind = "recording_progress"
	KindQueueStatusChanged  Kind = "queue_status_changed"
	KindNotificationCreated Kind = "notification_created"
	KindNotificationRead    Kind = "notification_read"
	KindRecordingCreated    Kind = "recording_created"
)

// Event is a normalised notification addressed to a single recipient.
type Event struct {
	RecipientID string
	Kind        Kind
	Payload     map[string]any
	OccurredAt  time.Time
}

// NewEvent validates the inputs and returns an immutable event value.
func NewEvent(recipientID string, kind Kind, payload map[string]any, occurredAt time.Time) (Event, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return Event{}, ErrMissingRecipient
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return Event{}, err
	}
	return Event{
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     copyPayload(payload),
		OccurredAt:  occurredAt.UTC(),
	}, nil
}

// WithRecipient returns a copy of the event addressed to another recipient.
func (e Event) WithRecipient(recipientID string) Event {
	e.RecipientID = recipientID
	e.Payload = copyPayload(e.Payload)
	return e
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// JobStatus values accepted in job_status_changed payloads.
var jobStatuses = map[string]struct{}{
	"queued":     {},
	"pending":    {},
	"processing": {},
	"completed":  {},
	"failed":     {},
	"cancelled":  {},
}

type payloadValidator func(map[string]any) error

var validators = map[Kind]payloadValidator{
	KindJobStatusChanged: func(p map[string]any) error {
		if !hasString(p, "sessionId") && !hasString(p, "jobId") {
			return fmt.Errorf("%w: sessionId or jobId required", ErrInvalidPayload)
		}
		status, ok := p["status"].(string)
		if !ok {
			return fmt.Errorf("%w: status required", ErrInvalidPayload)
		}
		if _, known := jobStatuses[status]; !known {
			return fmt.Errorf("%w: unsupported status %q", ErrInvalidPayload, status)
		}
		return nil
	},
	KindTestNotification: func(p map[string]any) error {
		if !hasString(p, "message") {
			return fmt.Errorf("%w: message required", ErrInvalidPayload)
		}
		return nil
	},
	KindRecordingProgress: func(p map[string]any) error {
		if !hasString(p, "sessionId") {
			return fmt.Errorf("%w: sessionId required", ErrInvalidPayload)
		}
		progress, ok := p["progress"].(float64)
		if !ok {
			return fmt.Errorf("%w: numeric progress required", ErrInvalidPayload)
		}
		if progress < 0 || progress > 100 {
			return fmt.Errorf("%w: progress %v out of range", ErrInvalidPayload, progress)
		}
		return nil
	},
	KindQueueStatusChanged: func(p map[string]any) error {
		if !hasString(p, "status") {
			return fmt.Errorf("%w: status required", ErrInvalidPayload)
		}
		return nil
	},
	KindNotificationRead: func(p map[string]any) error {
		if err := requireNotificationID(p); err != nil {
			return err
		}
		if v, ok := p["read"]; ok {
			if _, isBool := v.(bool); !isBool {
				return fmt.Errorf("%w: read must be a boolean", ErrInvalidPayload)
			}
		}
		return nil
	},
	KindRecordingCreated: func(p map[string]any) error {
		if !hasString(p, "sessionId") {
			return fmt.Errorf("%w: sessionId required", ErrInvalidPayload)
		}
		return nil
	},

	KindNotificationCreated: requireNotificationID,
}

func requireNotificationID(p map[string]any) error {
	if !hasString(p, "notificationId") {
		return fmt.Errorf("%w: notificationId required", ErrInvalidPayload)
	}
	return nil
}

// ValidatePayload checks the payload against the schema registered for kind.
func ValidatePayload(kind Kind, payload map[string]any) error {
	validate, ok := validators[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return validate(payload)
}

// KnownKind reports whether kind is part of the supported set.
func KnownKind(kind Kind) bool {
	_, ok := validators[kind]
	return ok
}

func hasString(p map[string]any, key string) bool {
	v, ok := p[key].(string)
	return ok && strings.TrimSpace(v) != ""
}
