package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andi/realtime/internal/domain"
	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/ws"
)

// DefaultTestMessage is used when a test trigger carries no message.
const DefaultTestMessage = "Test notification from realtime status API"

// ErrPublisherUnavailable is returned for loopback tests when no publisher is wired.
var ErrPublisherUnavailable = errors.New("realtime: publisher unavailable")

// Publisher emits events through the backing store. *listener.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// TestRequest asks for a synthetic test_notification.
type TestRequest struct {
	RecipientID string
	Message     string
	// Loopback routes the event through the database instead of the dispatcher.
	Loopback bool
	// Broadcast delivers to every connected recipient.
	Broadcast bool
}

// TestResult echoes what was sent.
type TestResult struct {
	RecipientID string     `json:"recipientId"`
	Message     string     `json:"message"`
	Loopback    bool       `json:"loopback"`
	Broadcast   bool       `json:"broadcast"`
	Delivery    *ws.Result `json:"delivery,omitempty"`
}

// SendTest synthesises a test_notification and dispatches it, or publishes it when Loopback is set.
func (c *Controller) SendTest(ctx context.Context, req TestRequest) (TestResult, error) {
	recipientID := strings.TrimSpace(req.RecipientID)
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = DefaultTestMessage
	}
	result := TestResult{RecipientID: recipientID, Message: message, Loopback: req.Loopback, Broadcast: req.Broadcast}

	target := recipientID
	if req.Broadcast && target == "" {
		target = "*"
	}
	event, err := domain.NewEvent(target, domain.KindTestNotification, map[string]any{
		"message": message,
		"source":  "status_api",
	}, c.now())
	if err != nil {
		return result, err
	}

	if req.Loopback {
		if req.Broadcast {
			return result, fmt.Errorf("realtime: loopback broadcast not supported")
		}
		if c.publisher == nil {
			return result, ErrPublisherUnavailable
		}
		if c.source == nil || !c.source.Status().Subscribed {
			return result, listener.ErrNotSubscribed
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			return result, fmt.Errorf("publish test notification: %w", err)
		}
		c.logger.Info("test notification published", "recipient_id", recipientID)
		return result, nil
	}

	if c.dispatcher == nil {
		return result, errors.New("realtime: dispatcher unavailable")
	}
	var delivery ws.Result
	if req.Broadcast {
		delivery = c.dispatcher.DispatchToAll(event)
	} else {
		delivery = c.dispatcher.Dispatch(event)
	}
	result.Delivery = &delivery
	c.logger.Info("test notification dispatched", "recipient_id", recipientID, "broadcast", req.Broadcast,
		"delivered", delivery.Delivered)
	return result, nil
}
