package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserHeader carries the caller identity set by the auth gateway.
const UserHeader = "X-User-ID"

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-caller token bucket pool. Callers are keyed by
// X-User-ID, falling back to the client address.
type Limiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*limiterEntry
	lastSweep time.Time
}

// NewLimiter returns a pool allowing rps requests per second with the given
// burst. Idle callers are forgotten after ten minutes.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rps:   rate.Limit(rps),
		burst: burst,
		ttl:   10 * time.Minute,
		now:   time.Now,
		m:     make(map[string]*limiterEntry),
	}
}

// Allow reports whether key may proceed now.
func (p *Limiter) Allow(key string) bool {
	return p.get(key).Allow()
}

func (p *Limiter) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastSweep) > p.ttl {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > p.ttl {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// Len returns the number of tracked callers.
func (p *Limiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Middleware rejects callers over their budget with 429.
func (p *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allow(callerKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(p.retryAfter()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Limiter) retryAfter() int {
	if p.rps <= 0 {
		return 1
	}
	secs := int(1 / float64(p.rps))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func callerKey(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
