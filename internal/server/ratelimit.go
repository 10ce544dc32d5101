package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Jgorzitza/HotDash-sub021/internal/requestctx"
)

// RateLimiter hands out a token bucket per authenticated actor.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter allows rps sustained requests per actor with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(actor string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[actor]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[actor] = l
	}
	return l
}

// RateLimitMiddleware returns 429 with Retry-After when an actor exceeds its
// bucket. A nil limiter disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := requestctx.Actor(r.Context())
			if actor == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.limiter(actor).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"request rate limit exceeded; retry shortly")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
