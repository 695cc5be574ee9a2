package auth

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/meshforge/pkg/api"
)

// RateLimiter enforces per-tenant request limits. Authenticated requests
// are keyed by tenant, anonymous ones by remote IP. Stale limiters are
// swept by a background janitor until Stop is called.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	stop     chan struct{}
	stopOnce sync.Once
}

// visitor tracks the limiter and last seen time for one key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	sweepInterval = 1 * time.Minute
	staleAfter    = 3 * time.Minute
)

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst per tenant and starts its janitor.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Stop terminates the janitor goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow reports whether a request under the key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// janitor removes stale entries to prevent unbounded growth.
func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep(staleAfter)
		}
	}
}

func (rl *RateLimiter) sweep(olderThan time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > olderThan {
			delete(rl.visitors, key)
		}
	}
}

// Middleware returns a handler that enforces the limit. It keys by the
// authenticated principal's tenant; requests without a principal fall
// back to the remote IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := remoteIP(r)
		if p, err := GetPrincipal(r.Context()); err == nil {
			key = p.Tenant
		}

		if !rl.Allow(key) {
			api.WriteTooManyRequests(w, retryAfterSecs(rl.rps))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

func retryAfterSecs(rps rate.Limit) int {
	if rps >= 1 {
		return 1
	}
	if rps <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(rps)))
}
