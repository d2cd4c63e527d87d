package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/andi/realtime/internal/domain"
	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type stubSource struct {
	mu       sync.Mutex
	startErr []error
	starts   int
	stops    int
	block    bool
	status   listener.Status
	stopErr  error
	onStop   func()

	// hold makes Start ignore ctx and succeed only once the channel is closed.
	hold chan struct{}
}

func (s *stubSource) Start(ctx context.Context) error {
	s.mu.Lock()
	s.starts++
	block := s.block
	var err error
	if len(s.startErr) > 0 {
		err = s.startErr[0]
		s.startErr = s.startErr[1:]
	}
	if err == nil && !block {
		s.status = listener.Status{Subscribed: true}
	}
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		<-hold
		s.mu.Lock()
		s.status = listener.Status{Subscribed: true}
		s.mu.Unlock()
		return nil
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *stubSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.status.Subscribed = false
	if s.onStop != nil {
		s.onStop()
	}
	return s.stopErr
}

func (s *stubSource) Status() listener.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubSource) Statistics() listener.Statistics {
	return listener.Statistics{MessagesReceived: 3}
}

func (s *stubSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *stubSource) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

type recordingTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (t *recordingTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), p...))
	return nil
}

func (t *recordingTransport) Ping() error { return nil }

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type stubPublisher struct {
	events []domain.Event
	err    error
}

func (p *stubPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

type fixture struct {
	source     *stubSource
	registry   *ws.Registry
	supervisor *ws.Supervisor
	publisher  *stubPublisher
	controller *Controller
}

func newFixture(source *stubSource, opts Options) fixture {
	logger := testLogger()
	registry := ws.NewRegistry(logger, nil)
	dispatcher := ws.NewDispatcher(registry, logger, nil)
	supervisor := ws.NewSupervisor(registry, time.Hour, time.Hour, logger, nil)
	publisher := &stubPublisher{}
	opts.Logger = logger
	return fixture{
		source:     source,
		registry:   registry,
		supervisor: supervisor,
		publisher:  publisher,
		controller: NewController(source, registry, dispatcher, supervisor, publisher, opts),
	}
}

func TestInitializeSuccessIsIdempotent(t *testing.T) {
	f := newFixture(&stubSource{}, Options{})
	defer f.controller.Shutdown(context.Background())

	f.controller.Initialize(context.Background())
	f.controller.Initialize(context.Background())

	if !f.controller.IsInitialized() || f.controller.Degraded() {
		t.Fatal("expected initialized, not degraded")
	}
	if f.source.startCount() != 1 {
		t.Fatalf("expected a single start, got %d", f.source.startCount())
	}
	if !f.supervisor.Running() {
		t.Fatal("expected supervisor running")
	}
	if f.controller.Mode() != ModeRealtime {
		t.Fatalf("expected realtime mode, got %s", f.controller.Mode())
	}
}

func TestInitializeFailureDegradesWithoutPanicking(t *testing.T) {
	f := newFixture(&stubSource{startErr: []error{errors.New("dial tcp: connection refused")}}, Options{})
	defer f.controller.Shutdown(context.Background())

	f.controller.Initialize(context.Background())

	if f.controller.IsInitialized() {
		t.Fatal("expected not initialized")
	}
	status := f.controller.Status()
	if !status.Degraded || status.Mode != ModePolling || status.DegradedSince == nil {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Polling.IntervalMs != 5000 || status.Polling.FallbackDelayMs != 15000 {
		t.Fatalf("unexpected polling contract %+v", status.Polling)
	}
	if !f.supervisor.Running() {
		t.Fatal("expected supervisor to run while degraded")
	}
}

func TestInitializeTimesOut(t *testing.T) {
	f := newFixture(&stubSource{block: true}, Options{StartTimeout: 20 * time.Millisecond})
	defer f.controller.Shutdown(context.Background())

	started := time.Now()
	f.controller.Initialize(context.Background())
	if time.Since(started) > time.Second {
		t.Fatal("expected initialize bounded by the start timeout")
	}
	if !f.controller.Degraded() {
		t.Fatal("expected degraded after timeout")
	}
}

func TestStartFinishingAfterTimeoutIsStopped(t *testing.T) {
	hold := make(chan struct{})
	f := newFixture(&stubSource{hold: hold}, Options{StartTimeout: 20 * time.Millisecond})
	defer f.controller.Shutdown(context.Background())

	f.controller.Initialize(context.Background())
	if !f.controller.Degraded() {
		t.Fatal("expected degraded after timeout")
	}

	close(hold)
	deadline := time.Now().Add(2 * time.Second)
	for f.source.stopCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected late subscription to be stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	status := f.controller.Status()
	if status.Postgresql.Subscribed || status.Mode != ModePolling || !status.Degraded {
		t.Fatalf("expected consistent degraded status, got %+v", status)
	}
}

func TestDegradedControllerRecovers(t *testing.T) {
	f := newFixture(&stubSource{startErr: []error{errors.New("refused"), errors.New("refused")}},
		Options{RecoveryInterval: 10 * time.Millisecond})
	defer f.controller.Shutdown(context.Background())

	f.controller.Initialize(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for !f.controller.IsInitialized() {
		if time.Now().After(deadline) {
			t.Fatal("expected controller to recover")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.controller.Degraded() {
		t.Fatal("expected degraded flag cleared")
	}
	if f.source.startCount() != 3 {
		t.Fatalf("expected three start attempts, got %d", f.source.startCount())
	}
}

func TestShutdownOrderAndBestEffort(t *testing.T) {
	source := &stubSource{stopErr: errors.New("unlisten failed")}
	f := newFixture(source, Options{})
	f.controller.Initialize(context.Background())

	tr := &recordingTransport{}
	conn := ws.NewConnection("u1", tr, time.Now())
	if err := f.registry.Add("u1", conn); err != nil {
		t.Fatalf("add: %v", err)
	}

	var order []string
	source.onStop = func() {
		if f.supervisor.Running() {
			order = append(order, "supervisor-still-running")
		}
		if f.registry.TotalCount() != 0 {
			order = append(order, "connections-still-open")
		}
		order = append(order, "source-stopped")
	}

	err := f.controller.Shutdown(context.Background())
	if err == nil || !errors.Is(err, source.stopErr) {
		t.Fatalf("expected stop error surfaced, got %v", err)
	}
	if len(order) != 1 || order[0] != "source-stopped" {
		t.Fatalf("unexpected shutdown order %v", order)
	}
	if !tr.closed {
		t.Fatal("expected connection closed")
	}
	if err := f.controller.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	f.controller.Initialize(context.Background())
	if source.startCount() != 1 {
		t.Fatal("expected initialize after shutdown to be ignored")
	}
}

func TestSendTestDispatchesToRecipient(t *testing.T) {
	f := newFixture(&stubSource{}, Options{})
	defer f.controller.Shutdown(context.Background())
	f.controller.Initialize(context.Background())

	tr := &recordingTransport{}
	_ = f.registry.Add("u1", ws.NewConnection("u1", tr, time.Now()))

	res, err := f.controller.SendTest(context.Background(), TestRequest{RecipientID: "u1"})
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	if res.Message != DefaultTestMessage || res.Delivery == nil || res.Delivery.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	var env ws.Envelope
	if err := json.Unmarshal(tr.sent[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != string(domain.KindTestNotification) || env.Payload["message"] != DefaultTestMessage {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestSendTestLoopback(t *testing.T) {
	f := newFixture(&stubSource{}, Options{})
	defer f.controller.Shutdown(context.Background())

	if _, err := f.controller.SendTest(context.Background(), TestRequest{RecipientID: "u1", Loopback: true}); !errors.Is(err, listener.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed before initialize, got %v", err)
	}

	f.controller.Initialize(context.Background())
	res, err := f.controller.SendTest(context.Background(), TestRequest{RecipientID: "u1", Message: "ping", Loopback: true})
	if err != nil {
		t.Fatalf("loopback: %v", err)
	}
	if res.Delivery != nil || len(f.publisher.events) != 1 || f.publisher.events[0].Payload["message"] != "ping" {
		t.Fatalf("expected publish only, got %+v %v", res, f.publisher.events)
	}
}

func TestSendTestRequiresRecipient(t *testing.T) {
	f := newFixture(&stubSource{}, Options{})
	if _, err := f.controller.SendTest(context.Background(), TestRequest{}); !errors.Is(err, domain.ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestStatusReportsConnections(t *testing.T) {
	f := newFixture(&stubSource{}, Options{})
	defer f.controller.Shutdown(context.Background())
	f.controller.Initialize(context.Background())
	for _, owner := range []string{"u1", "u1", "u2"} {
		_ = f.registry.Add(owner, ws.NewConnection(owner, &recordingTransport{}, time.Now()))
	}

	status := f.controller.Status()
	if status.Websocket.TotalUsers != 2 || status.Websocket.TotalConnections != 3 {
		t.Fatalf("unexpected websocket stats %+v", status.Websocket)
	}
	if !status.Postgresql.Subscribed || status.Statistics.MessagesReceived != 3 {
		t.Fatalf("unexpected listener view %+v %+v", status.Postgresql, status.Statistics)
	}
	if _, err := time.Parse(time.RFC3339Nano, status.Timestamp); err != nil {
		t.Fatalf("bad timestamp %q", status.Timestamp)
	}
}
