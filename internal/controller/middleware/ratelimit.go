package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"devopsagent/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	limiters sync.Map // client -> *cachedLimiter

	sweepMu   sync.Mutex
	nextSweep time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an idle client's limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A zero perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int, opts ...Option) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 0 means unlimited
			if rl.limit > 0 && !rl.limiterFor(clientKey(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Too Many Requests",
					Code:  "429",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt atomic.Int64 // unix nanos, pushed forward on every use
}

func (c *cachedLimiter) expired(now time.Time) bool {
	return now.UnixNano() >= c.expiresAt.Load()
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()
	rl.maybeSweep(now)

	if v, ok := rl.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if !cached.expired(now) {
			cached.expiresAt.Store(now.Add(rl.ttl).UnixNano())
			return cached.limiter
		}
		rl.limiters.CompareAndDelete(key, cached)
	}

	fresh := &cachedLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	fresh.expiresAt.Store(now.Add(rl.ttl).UnixNano())
	if v, loaded := rl.limiters.LoadOrStore(key, fresh); loaded {
		return v.(*cachedLimiter).limiter
	}
	return fresh.limiter
}

// maybeSweep drops idle clients at most once per ttl.
func (rl *RateLimiter) maybeSweep(now time.Time) {
	rl.sweepMu.Lock()
	if now.Before(rl.nextSweep) {
		rl.sweepMu.Unlock()
		return
	}
	rl.nextSweep = now.Add(rl.ttl)
	rl.sweepMu.Unlock()

	rl.limiters.Range(func(key, v any) bool {
		if cached := v.(*cachedLimiter); cached.expired(now) {
			rl.limiters.CompareAndDelete(key, cached)
		}
		return true
	})
}

// tracked reports how many clients currently hold a limiter.
func (rl *RateLimiter) tracked() int {
	n := 0
	rl.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
