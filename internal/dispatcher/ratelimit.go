package dispatcher

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterMaxAge          = 10 * time.Minute
)

// ipLimitEntry tracks a per-IP rate limiter and when it was last used.
type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// createRateLimiter throttles POST /session by remote IP, bounding how
// fast a single client can spawn new child processes. A non-positive
// rate disables throttling entirely.
type createRateLimiter struct {
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu      sync.Mutex
	entries map[string]*ipLimitEntry

	stop chan struct{}
}

func newCreateRateLimiter(ratePerSec float64, burst int, logger *slog.Logger) *createRateLimiter {
	rl := &createRateLimiter{
		logger:  logger.With("subsystem", "ratelimit"),
		limit:   rate.Limit(ratePerSec),
		burst:   burst,
		entries: make(map[string]*ipLimitEntry),
		stop:    make(chan struct{}),
	}
	if ratePerSec > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// allow reports whether a session create from ip is permitted right now.
func (rl *createRateLimiter) allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimitEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *createRateLimiter) stopCleanup() {
	if rl.limit > 0 {
		close(rl.stop)
	}
}

func (rl *createRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *createRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimiterMaxAge)
	removed := 0
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// remoteIP returns the client IP, stripping the port from RemoteAddr. Rely
// on chi's RealIP middleware (mounted ahead of this) to have already
// rewritten RemoteAddr from X-Forwarded-For/X-Real-IP when behind a proxy.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
