package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// RateLimiter enforces a fixed-window request budget per client key.
// Windows live in a sync.Map and each carries its own lock, so updates for
// one key never wait on another.
type RateLimiter struct {
	limit      int
	window     time.Duration
	exemptPath string
	clock      clock.Clock
	windows    sync.Map // string -> *clientWindow
}

type clientWindow struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	evicted bool
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window.
// Requests whose path equals exemptPath are never counted.
func NewRateLimiter(limit int, window time.Duration, exemptPath string, clk clock.Clock) *RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:      limit,
		window:     window,
		exemptPath: exemptPath,
		clock:      clock.Or(clk),
	}
}

// Allow records one request for key and reports whether it fits the budget.
func (r *RateLimiter) Allow(key string) Decision {
	now := r.clock.Now()
	for {
		value, _ := r.windows.LoadOrStore(key, &clientWindow{})
		w := value.(*clientWindow)

		w.mu.Lock()
		if w.evicted {
			// Lost a race with Sweep; retry against the fresh entry.
			w.mu.Unlock()
			continue
		}
		if w.start.IsZero() || now.Sub(w.start) > r.window {
			w.start = now
			w.count = 1
		} else if w.count < math.MaxInt {
			w.count++
		}
		d := Decision{
			Allowed:   w.count <= r.limit,
			Limit:     r.limit,
			Remaining: max(0, r.limit-w.count),
			ResetAt:   w.start.Add(r.window),
		}
		w.mu.Unlock()
		return d
	}
}

// Sweep drops windows that have been idle for two window lengths.
func (r *RateLimiter) Sweep(now time.Time) int {
	removed := 0
	r.windows.Range(func(key, value any) bool {
		w := value.(*clientWindow)
		w.mu.Lock()
		if now.Sub(w.start) > 2*r.window {
			w.evicted = true
			r.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps on every window tick until ctx is done.
func (r *RateLimiter) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Handler returns the gin middleware enforcing the budget per client IP.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if r.exemptPath != "" && c.Request.URL.Path == r.exemptPath {
			c.Next()
			return
		}

		d := r.Allow(c.ClientIP())
		if !d.Allowed {
			retry := int(math.Ceil(d.ResetAt.Sub(r.clock.Now()).Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(1, retry)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"timestamp": r.clock.Now().UTC().Format(time.RFC3339),
				"status":    http.StatusTooManyRequests,
				"code":      domain.CodeTooManyRequests,
				"message":   domain.ErrTooManyRequests.Message,
				"path":      c.Request.URL.Path,
			})
			return
		}

		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
		c.Next()
	}
}
