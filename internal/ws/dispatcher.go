package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/andi/realtime/internal/domain"
)

// Envelope is the frame written to clients for every delivered event.
type Envelope struct {
	RecipientID  string         `json:"recipientId"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload"`
	OccurredAt   string         `json:"occurredAt"`
	DispatchedAt int64          `json:"dispatchedAt"`
}

// EncodeEnvelope serialises a frame. OccurredAt is rendered as RFC 3339 in UTC and
// dispatchedAt as epoch milliseconds.
func EncodeEnvelope(recipientID, kind string, payload map[string]any, occurredAt, dispatchedAt time.Time) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(Envelope{
		RecipientID:  recipientID,
		Kind:         kind,
		Payload:      payload,
		OccurredAt:   occurredAt.UTC().Format(time.RFC3339Nano),
		DispatchedAt: dispatchedAt.UnixMilli(),
	})
}

// Result summarises one fan-out.
type Result struct {
	Recipients int `json:"recipients"`
	Attempted  int `json:"attempted"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

func (r *Result) add(other Result) {
	r.Recipients += other.Recipients
	r.Attempted += other.Attempted
	r.Delivered += other.Delivered
	r.Failed += other.Failed
}

// Dispatcher delivers events to every deliverable connection of a recipient.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewDispatcher constructs a Dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "ws_dispatcher"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Dispatch writes event to each OPEN or ALIVE connection of event.RecipientID. A failed write
// removes that connection and delivery continues with its siblings.
func (d *Dispatcher) Dispatch(event domain.Event) Result {
	conns := d.registry.Get(event.RecipientID)
	if len(conns) == 0 {
		d.logger.Debug("no connections for recipient", "recipient_id", event.RecipientID, "kind", event.Kind)
		return Result{}
	}
	payload, err := EncodeEnvelope(event.RecipientID, string(event.Kind), event.Payload, event.OccurredAt, d.now())
	if err != nil {
		d.logger.Warn("failed to encode event", "recipient_id", event.RecipientID, "kind", event.Kind, "error", err)
		return Result{Recipients: 1}
	}

	res := Result{Recipients: 1}
	for _, conn := range conns {
		if !conn.State().Deliverable() {
			continue
		}
		res.Attempted++
		if err := d.deliver(conn, payload); err != nil {
			res.Failed++
			d.metrics.delivery(string(event.Kind), "failed")
			d.logger.Warn("event write failed, dropping connection",
				"recipient_id", event.RecipientID, "connection_id", conn.ID(), "kind", event.Kind, "error", err)
			d.registry.Remove(event.RecipientID, conn)
			continue
		}
		res.Delivered++
		d.metrics.delivery(string(event.Kind), "delivered")
	}
	d.logger.Debug("event dispatched", "recipient_id", event.RecipientID, "kind", event.Kind,
		"attempted", res.Attempted, "delivered", res.Delivered, "failed", res.Failed)
	return res
}

// DispatchToAll applies Dispatch to every registered recipient. Operational use only.
func (d *Dispatcher) DispatchToAll(event domain.Event) Result {
	var total Result
	for _, recipientID := range d.registry.Recipients() {
		total.add(d.Dispatch(event.WithRecipient(recipientID)))
	}
	return total
}

func (d *Dispatcher) deliver(conn *Connection, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ws: transport panic: %v", rec)
		}
	}()
	return conn.Send(payload)
}
