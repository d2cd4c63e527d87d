package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/andi/realtime/internal/domain"
)

const (
	defaultChannel     = "andi_realtime"
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	closeTimeout       = 5 * time.Second
)

// ErrNotSubscribed is returned by operations that need an active subscription.
var ErrNotSubscribed = errors.New("listener: not subscribed")

// NotifyConn is the dedicated session that holds the LISTEN subscription. *pgx.Conn satisfies it.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a new dedicated session.
type Dialer func(ctx context.Context) (NotifyConn, error)

// PgxDialer dials dsn with pgx. The session is never taken from the query pool.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (NotifyConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Sink receives every successfully parsed event.
type Sink func(domain.Event)

// Options tunes a Listener. Zero values select the defaults.
type Options struct {
	Channel     string
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Listener keeps a LISTEN subscription on one channel alive and turns notifications into events.
type Listener struct {
	dial        Dialer
	sink        Sink
	channel     string
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu       sync.Mutex
	status        Status
	received      int64
	parseFailures int64
	delivered     int64
	reconnects    int64
	connectedAt   time.Time
	lastMessageAt time.Time
}

// New constructs a Listener that forwards events to sink.
func New(dial Dialer, sink Sink, opts Options) *Listener {
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(domain.Event) {}
	}
	return &Listener{
		dial:        dial,
		sink:        sink,
		channel:     channel,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		logger:      logger.With("component", "pg_listener", "channel", channel),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Channel returns the subscribed channel name.
func (l *Listener) Channel() string { return l.channel }

// Start opens the dedicated session and subscribes. It returns once LISTEN has been
// acknowledged. Calling Start while already running logs and returns nil.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.logger.Info("listener already started")
		return nil
	}
	if l.dial == nil {
		return errors.New("listener: no dialer configured")
	}

	conn, err := l.connect(ctx)
	if err != nil {
		l.recordFailure(err)
		l.logger.Error("failed to start notification listener", "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, conn, l.done)
	l.logger.Info("notification listener started")
	return nil
}

// Stop cancels the receive and reconnect loop and releases the dedicated session.
// It is safe to call multiple times.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	<-done

	l.statsMu.Lock()
	l.status.Subscribed = false
	l.connectedAt = time.Time{}
	l.statsMu.Unlock()
	l.metrics.setSubscribed(false)
	l.logger.Info("notification listener stopped")
	return nil
}

// Running reports whether Start succeeded and Stop has not been called since.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Status returns a copy of the current subscription status.
func (l *Listener) Status() Status {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	status := l.status
	if status.LastError != nil {
		msg := *status.LastError
		status.LastError = &msg
	}
	return status
}

// Statistics returns the adapter counters.
func (l *Listener) Statistics() Statistics {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	stats := Statistics{
		MessagesReceived: l.received,
		ParseFailures:    l.parseFailures,
		EventsDelivered:  l.delivered,
		Reconnects:       l.reconnects,
	}
	if !l.connectedAt.IsZero() {
		connected := l.connectedAt
		stats.ConnectedAt = &connected
		stats.UptimeSeconds = l.now().Sub(connected).Seconds()
	}
	if !l.lastMessageAt.IsZero() {
		last := l.lastMessageAt
		stats.LastMessageAt = &last
	}
	return stats
}

func (l *Listener) connect(ctx context.Context) (NotifyConn, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial notification session: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}

	l.statsMu.Lock()
	l.status.Subscribed = true
	l.status.LastError = nil
	l.connectedAt = l.now().UTC()
	l.statsMu.Unlock()
	l.metrics.setSubscribed(true)
	return conn, nil
}

func (l *Listener) run(ctx context.Context, conn NotifyConn, done chan struct{}) {
	defer close(done)
	for {
		err := l.receive(ctx, conn)
		if ctx.Err() != nil {
			l.release(conn)
			return
		}
		l.recordFailure(err)
		l.logger.Warn("notification session lost, reconnecting", "error", err)
		l.release(conn)

		next, err := l.reconnect(ctx)
		if err != nil {
			return
		}
		conn = next
	}
}

func (l *Listener) receive(ctx context.Context, conn NotifyConn) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(notification.Payload)
	}
}

func (l *Listener) reconnect(ctx context.Context) (NotifyConn, error) {
	backoff := retry.WithCappedDuration(l.backoffMax, retry.NewExponential(l.backoffBase))
	var conn NotifyConn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l.statsMu.Lock()
		l.status.ReconnectCount++
		attempt := l.status.ReconnectCount
		l.statsMu.Unlock()

		next, err := l.connect(ctx)
		if err != nil {
			l.recordFailure(err)
			l.metrics.reconnect("failed")
			l.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		conn = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.statsMu.Lock()
	l.reconnects++
	l.statsMu.Unlock()
	l.metrics.reconnect("succeeded")
	l.logger.Info("notification listener reconnected")
	return conn, nil
}

// release drops the subscription and closes the session, ignoring errors on an already broken session.
func (l *Listener) release(conn NotifyConn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		l.logger.Debug("unlisten failed", "error", err)
	}
	if err := conn.Close(ctx); err != nil {
		l.logger.Debug("close notification session failed", "error", err)
	}
}

func (l *Listener) recordFailure(err error) {
	msg := err.Error()
	l.statsMu.Lock()
	l.status.Subscribed = false
	l.status.LastError = &msg
	l.connectedAt = time.Time{}
	l.statsMu.Unlock()
	l.metrics.setSubscribed(false)
}

func (l *Listener) handle(raw string) {
	now := l.now().UTC()
	l.statsMu.Lock()
	l.received++
	l.lastMessageAt = now
	l.statsMu.Unlock()

	event, err := ParseNotification(raw, now)
	if err != nil {
		l.statsMu.Lock()
		l.parseFailures++
		l.statsMu.Unlock()
		l.metrics.notification("parse_failed")
		l.logger.Warn("dropping malformed notification", "error", err, "bytes", len(raw))
		return
	}
	l.metrics.notification("parsed")
	if l.deliver(event) {
		l.statsMu.Lock()
		l.delivered++
		l.statsMu.Unlock()
	}
}

func (l *Listener) deliver(event domain.Event) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			l.logger.Error("event sink panicked", "recipient_id", event.RecipientID, "kind", event.Kind, "panic", rec)
		}
	}()
	l.sink(event)
	return true
}
