package worker

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClientRateLimiter implements per-client token-bucket rate limiting.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*clientLimiter
	now             func() time.Time
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        atomic.Int64
	rejected        atomic.Int64
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a limiter allowing perSecond requests per
// client with the given burst.
func NewPerClientRateLimiter(perSecond float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate.Limit(perSecond),
		burst:           burst,
		clients:         make(map[string]*clientLimiter),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow checks if a request from the given client should be allowed.
func (p *PerClientRateLimiter) Allow(clientKey string) bool {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastCleanup) > p.cleanupInterval {
		p.cleanupLocked(now)
	}
	cl, ok := p.clients[clientKey]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.clients[clientKey] = cl
	}
	cl.lastSeen = now
	p.mu.Unlock()

	p.requests.Add(1)
	if !cl.limiter.AllowN(now, 1) {
		p.rejected.Add(1)
		return false
	}
	return true
}

// cleanupLocked removes idle limiters. Must be called with lock held.
func (p *PerClientRateLimiter) cleanupLocked(now time.Time) {
	for key, cl := range p.clients {
		if now.Sub(cl.lastSeen) > p.maxIdleTime {
			delete(p.clients, key)
		}
	}
	p.lastCleanup = now
}

// Stats returns aggregate statistics.
func (p *PerClientRateLimiter) Stats() map[string]any {
	p.mu.Lock()
	activeClients := len(p.clients)
	p.mu.Unlock()

	return map[string]any{
		"rate":           float64(p.rate),
		"burst":          p.burst,
		"active_clients": activeClients,
		"total_requests": p.requests.Load(),
		"total_rejected": p.rejected.Load(),
	}
}

// PerClientRateLimitMiddleware creates middleware that applies per-client rate limiting.
// Clients are keyed by remote host; RealIP middleware should run first
// when the worker sits behind a proxy.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.RemoteAddr
			if host, _, err := net.SplitHostPort(clientKey); err == nil {
				clientKey = host
			}
			if !limiter.Allow(clientKey) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
