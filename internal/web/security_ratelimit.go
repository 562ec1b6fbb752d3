package web

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/chatwire/internal/config"
)

const defaultLimiterIdleTTL = 10 * time.Minute

// bucket is the token bucket of one client IP.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// APILimiter enforces a per-IP request rate on the HTTP API. Buckets of
// clients idle for longer than the configured TTL are swept.
type APILimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	done chan struct{}
}

// NewAPILimiter creates a limiter from cfg and starts its sweeper. A zero
// rate lets every request through.
func NewAPILimiter(cfg config.APIRateLimitConfig) *APILimiter {
	l := &APILimiter{
		limit:   rate.Inf,
		ttl:     cfg.IdleTTL,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.RequestsPerSecond > 0 {
		l.limit = rate.Limit(cfg.RequestsPerSecond)
		l.burst = max(1, cfg.Burst)
	}
	if l.ttl <= 0 {
		l.ttl = defaultLimiterIdleTTL
	}
	go l.sweepLoop(l.ttl / 2)
	return l
}

// Close stops the sweeper.
func (l *APILimiter) Close() {
	close(l.stop)
	<-l.done
}

// Allow reports whether a request from ip may proceed now.
func (l *APILimiter) Allow(ip string) bool {
	return l.allowAt(ip, time.Now())
}

func (l *APILimiter) allowAt(ip string, now time.Time) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Clients returns the number of client IPs currently tracked.
func (l *APILimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// hint.
func (l *APILimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(getClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeErrorJSON(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *APILimiter) sweepLoop(every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep drops buckets not used since now minus the TTL.
func (l *APILimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.ttl)
	dropped := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			dropped++
		}
	}
	return dropped
}

// newMessageLimiter returns the inbound limiter of one WebSocket connection.
// A non-positive rate disables limiting.
func newMessageLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.MessagesPerSecond))
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
}
