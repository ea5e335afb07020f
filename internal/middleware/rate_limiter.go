package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/apperr"
)

// RateLimiter throttles requests per client key with a fixed one-minute
// window. It guards the credential endpoints, where each request costs a
// KDF run.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	perMinute int
	logger    *log.Logger
	now       func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	rl := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		logger:    log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:       time.Now,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the key has budget left in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.perMinute
}

func (rl *RateLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		cutoff := rl.now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests keyed by client IP.
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientIP(r)
			if !rl.Allow(key) {
				rl.logger.Printf("rate limit exceeded for %s on %s", key, r.URL.Path)
				writeError(w, apperr.New(apperr.RateLimited, "too many requests, slow down"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the originating address, trusting the leftmost
// X-Forwarded-For entry when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
