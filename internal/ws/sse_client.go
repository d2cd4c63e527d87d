package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	// mu serialises frames on the stream; Close never takes it.
	mu           sync.Mutex
	writer       http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	log          *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSSEClient builds an SSE client. Every frame is written under a deadline of writeTimeout so
// a reader that stops draining the stream cannot stall the writer.
func NewSSEClient(w http.ResponseWriter, writeTimeout time.Duration, logger *slog.Logger) *SSEClient {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{
		writer:       w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		log:          logger,
		done:         make(chan struct{}),
	}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
		return err
	}, "sse send failed")
}

// Ping emits a comment frame to keep the connection alive.
func (c *SSEClient) Ping() error {
	return c.write(func(w io.Writer) error {
		_, err := io.WriteString(w, ": ping\n\n")
		return err
	}, "sse heartbeat failed")
}

func (c *SSEClient) write(frame func(io.Writer) error, failure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.writer == nil {
		return io.EOF
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.Close()
		return err
	}
	err := frame(c.writer)
	if err == nil {
		err = c.rc.Flush()
		if errors.Is(err, http.ErrNotSupported) {
			err = nil
		}
	}
	if err != nil {
		c.Close()
		c.log.Warn(failure, "error", err)
		return err
	}
	return nil
}

// AcksOnWrite reports that a successful heartbeat write proves liveness; SSE has no pong frame.
func (c *SSEClient) AcksOnWrite() bool { return true }

// Close marks the stream as closed and releases the handler blocked on Done. It does not wait
// for a frame that is still being written.
func (c *SSEClient) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// Done is closed once the stream has been closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// Release waits for a frame in flight to finish or hit its deadline, then drops the response
// writer. Call it after Close and before the handler returns.
func (c *SSEClient) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer = nil
	c.rc = nil
}
