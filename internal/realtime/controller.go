package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/ws"
)

const (
	defaultStartTimeout  = 10 * time.Second
	defaultPollInterval  = 5 * time.Second
	defaultFallbackDelay = 15 * time.Second
)

// ChangeSource is the notification adapter the controller bootstraps. *listener.Listener satisfies it.
type ChangeSource interface {
	Start(ctx context.Context) error
	Stop() error
	Status() listener.Status
	Statistics() listener.Statistics
}

// Options tunes the controller. Zero values select the defaults; a zero RecoveryInterval
// disables background recovery from degraded mode.
type Options struct {
	StartTimeout     time.Duration
	RecoveryInterval time.Duration
	PollInterval     time.Duration
	FallbackDelay    time.Duration
	Logger           *slog.Logger
}

// Controller owns startup ordering and the degraded-mode policy of the realtime subsystem.
type Controller struct {
	source     ChangeSource
	registry   *ws.Registry
	dispatcher *ws.Dispatcher
	supervisor *ws.Supervisor
	publisher  Publisher

	startTimeout     time.Duration
	recoveryInterval time.Duration
	pollInterval     time.Duration
	fallbackDelay    time.Duration
	logger           *slog.Logger
	now              func() time.Time

	// initMu serialises bootstrap attempts; mu guards the fields below.
	initMu sync.Mutex

	mu             sync.RWMutex
	initialized    bool
	degraded       bool
	degradedReason string
	degradedSince  time.Time
	closed         bool
	recoverCancel  context.CancelFunc
	recoverDone    chan struct{}
}

// NewController wires the controller to the subsystem components it orchestrates.
func NewController(source ChangeSource, registry *ws.Registry, dispatcher *ws.Dispatcher, supervisor *ws.Supervisor, publisher Publisher, opts Options) *Controller {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = defaultFallbackDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		source:           source,
		registry:         registry,
		dispatcher:       dispatcher,
		supervisor:       supervisor,
		publisher:        publisher,
		startTimeout:     opts.StartTimeout,
		recoveryInterval: opts.RecoveryInterval,
		pollInterval:     opts.PollInterval,
		fallbackDelay:    opts.FallbackDelay,
		logger:           logger.With("component", "realtime_controller"),
		now:              time.Now,
	}
}

// Initialize starts the liveness supervisor and the change source. A change source failure is
// logged and leaves the controller degraded; Initialize itself always returns normally.
// Calls after a successful initialisation are no-ops.
func (c *Controller) Initialize(ctx context.Context) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.RLock()
	closed, initialized := c.closed, c.initialized
	c.mu.RUnlock()
	if closed {
		c.logger.Warn("initialize called after shutdown")
		return
	}
	if initialized {
		c.logger.Info("realtime system already initialized")
		return
	}

	c.logger.Info("initializing realtime system")
	if c.supervisor != nil {
		c.supervisor.Start(context.Background())
	}

	if err := c.startSource(ctx); err != nil {
		c.mu.Lock()
		if !c.degraded {
			c.degradedSince = c.now().UTC()
		}
		c.degraded = true
		c.degradedReason = err.Error()
		c.mu.Unlock()
		c.logger.Error("failed to initialize realtime system", "error", err)
		c.logger.Warn("continuing in polling-only mode", "poll_interval", c.pollInterval)
		c.startRecovery()
		return
	}

	c.mu.Lock()
	c.initialized = true
	c.degraded = false
	c.degradedReason = ""
	c.degradedSince = time.Time{}
	c.mu.Unlock()
	c.logger.Info("realtime system initialized")
}

// IsInitialized reports whether the change source was started successfully.
func (c *Controller) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Degraded reports whether the last bootstrap attempt failed and clients should poll.
func (c *Controller) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Mode is "realtime" while events can be pushed and "polling" otherwise.
func (c *Controller) Mode() string {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if initialized && c.source != nil && c.source.Status().Subscribed {
		return ModeRealtime
	}
	return ModePolling
}

// Polling returns the fallback contract advertised to clients.
func (c *Controller) Polling() PollingContract {
	return PollingContract{
		IntervalMs:      c.pollInterval.Milliseconds(),
		FallbackDelayMs: c.fallbackDelay.Milliseconds(),
	}
}

func (c *Controller) startSource(ctx context.Context) error {
	if c.source == nil {
		return errors.New("realtime: no change source configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				result <- fmt.Errorf("realtime: change source panicked: %v", rec)
			}
		}()
		result <- c.source.Start(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		go c.reconcileLateStart(result)
		return fmt.Errorf("realtime: change source start: %w", ctx.Err())
	}
}

// reconcileLateStart stops a change source whose Start returned successfully after the start
// timeout had already degraded the controller, unless a later bootstrap adopted it.
func (c *Controller) reconcileLateStart(result <-chan error) {
	if err := <-result; err != nil {
		return
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.IsInitialized() {
		return
	}
	c.logger.Warn("change source started after the start timeout, stopping it")
	if err := c.source.Stop(); err != nil {
		c.logger.Warn("stop late change source failed", "error", err)
	}
}

func (c *Controller) startRecovery() {
	if c.recoveryInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.recoverCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.recoverCancel = cancel
	c.recoverDone = done
	go c.recoverLoop(ctx, done)
	c.logger.Info("degraded mode recovery scheduled", "interval", c.recoveryInterval)
}

func (c *Controller) recoverLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.recoverDone == done {
			c.recoverCancel = nil
			c.recoverDone = nil
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Initialize(ctx)
			if c.IsInitialized() {
				c.logger.Info("realtime system recovered from degraded mode")
				return
			}
		}
	}
}

// Shutdown stops the liveness supervisor, closes every registered connection and stops the
// change source, in that order. Each step runs even when an earlier one fails.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.recoverCancel, c.recoverDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.logger.Info("shutting down realtime system")
	err := errors.Join(
		c.step("stop liveness supervisor", func() error {
			if c.supervisor != nil {
				c.supervisor.Stop()
			}
			return nil
		}),
		c.step("close connections", func() error {
			if c.registry != nil {
				closed := c.registry.CloseAll()
				c.logger.Info("connections closed", "count", closed)
			}
			return nil
		}),
		c.step("stop change source", func() error {
			if c.source == nil {
				return nil
			}
			return c.source.Stop()
		}),
	)

	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("realtime shutdown finished with errors", "error", err)
		return err
	}
	c.logger.Info("realtime system stopped")
	return nil
}

func (c *Controller) step(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: panic: %v", name, rec)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
