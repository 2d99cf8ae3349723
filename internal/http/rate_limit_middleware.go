package httpx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateWindowFallback       = time.Minute
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateWindow is a fixed counting window opened by the first hit of a key.
type rateWindow struct {
	count int
	end   time.Time
}

func (w rateWindow) open(now time.Time) bool {
	return now.Before(w.end)
}

func (w rateWindow) decide(limit int) rateDecision {
	return rateDecision{allowed: w.count <= limit, count: w.count, windowEnd: w.end}
}

// rateKey scopes a caller key to a route budget.
func rateKey(route, key string) string {
	return route + "|" + key
}

// unlimited reports whether limit disables counting and fills in the default window.
func unlimited(limit int, window *time.Duration) bool {
	if *window <= 0 {
		*window = rateWindowFallback
	}
	return limit <= 0
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	now     func() time.Time
	stop    context.CancelFunc
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// swept in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &memoryRateLimiter{
		windows: make(map[string]rateWindow),
		now:     time.Now,
		stop:    cancel,
	}
	go rl.sweep(ctx, rateLimiterSweepInterval)
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if unlimited(limit, &window) {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.windows[key]
	if !w.open(now) {
		w = rateWindow{end: now.Add(window)}
	}
	w.count++
	rl.windows[key] = w
	return w.decide(limit)
}

func (rl *memoryRateLimiter) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(rl.now())
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !w.open(now) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.stop()
}

// withRateLimit limits requests per key. keyFn falls back to the client address.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if limit <= 0 || r.limiter == nil {
				next.ServeHTTP(w, req)
				return
			}
			key := ""
			if keyFn != nil {
				key = keyFn(req)
			}
			if key == "" {
				key = rateLimitKeyIP(req)
			}
			decision := r.limiter.Allow(rateKey(route, key), limit, window)
			applyRateHeaders(w, limit, decision)
			if !decision.allowed {
				r.recordRateLimitHit(route, rateMetricKey(key))
				writeError(w, http.StatusTooManyRequests, "Too many requests.")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// rateLimitKeyTeam keys authenticated traffic by team so every token of a team shares a budget.
func rateLimitKeyTeam(req *http.Request) string {
	if caps, ok := capsFromContext(req.Context()); ok && caps.TeamID != "" {
		return "team:" + caps.TeamID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
