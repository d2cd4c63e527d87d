package httpx

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateRule is one admission policy: at most Limit hits per subject in each Window.
type RateRule struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	// handshakeRule bounds reconnect storms of one claimed recipient from one address.
	handshakeRule = RateRule{Name: "handshake", Limit: 30, Window: 30 * time.Second}

	// handshakeAddrRule caps one address no matter how many recipients it claims.
	handshakeAddrRule = RateRule{Name: "handshake_addr", Limit: 120, Window: 30 * time.Second}

	statusRule = RateRule{Name: "status", Limit: 60, Window: time.Minute}
)

// RateLimiter counts hits per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rule RateRule) rateDecision
	Close()
}

type rateDecision struct {
	allowed bool
	count   int
	resetAt time.Time
}

const rateSweepInterval = 5 * time.Minute

type window struct {
	count   int
	resetAt time.Time
}

// memoryRateLimiter keeps windows in process. Replicas do not share counts.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter whose expired windows are swept periodically.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, rule RateRule) rateDecision {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(rule.Window)}
	}
	w.count++
	rl.windows[key] = w
	return rateDecision{allowed: w.count <= rule.Limit, count: w.count, resetAt: w.resetAt}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// limitHandshake admits a transport handshake when both the address and the address plus
// claimed recipient are under their limits.
func (r *Router) limitHandshake(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		addr := clientIP(req)
		if addr == "" {
			addr = "unknown"
		}
		if !r.admit(w, req, handshakeAddrRule, addr) {
			return
		}
		if recipient := claimedRecipient(req); recipient != "" {
			if !r.admit(w, req, handshakeRule, addr+"|"+recipient) {
				return
			}
		}
		next(w, req)
	}
}

// limitStatus requires a session and limits the status API per session user.
func (r *Router) limitStatus(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		info, _ := authInfoFromContext(req.Context())
		if !r.admit(w, req, statusRule, info.UserID) {
			return
		}
		next(w, req)
	})
}

func (r *Router) admit(w http.ResponseWriter, req *http.Request, rule RateRule, subject string) bool {
	if r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(req.Context(), rule.Name+":"+subject, rule)
	headers := w.Header()
	remaining := rule.Limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers.Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.resetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.resetAt.Unix(), 10))
	}
	if decision.allowed {
		return true
	}

	retry := int(math.Ceil(decision.resetAt.Sub(r.now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	headers.Set("Retry-After", strconv.Itoa(retry))
	r.metrics.rateLimited(rule.Name)
	r.logger.Warn("rate limit exceeded", "rule", rule.Name, "path", req.URL.Path, "count", decision.count)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// claimedRecipient returns the identity a handshake asks to be registered under.
func claimedRecipient(req *http.Request) string {
	query := req.URL.Query()
	if id := strings.TrimSpace(query.Get("userId")); id != "" {
		return id
	}
	return strings.TrimSpace(query.Get("recipientId"))
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
