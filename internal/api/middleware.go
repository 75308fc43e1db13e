package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// clientLimiter is a leaky-bucket rate limiter: 100 requests/minute per
// client. One limiter is kept per remote address.
// Limiters are never evicted within the process lifetime — the control plane
// expects a bounded, operator-known set of dashboard clients, not an open
// internet-facing API.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newClientLimiter() *clientLimiter {
	return &clientLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (c *clientLimiter) forClient(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[key]
	if !ok {
		// 100 requests/minute, burst of 20 to tolerate a dashboard's initial
		// page-load fan-out without immediately tripping the limit.
		l = rate.NewLimiter(rate.Every(time.Minute/100), 20)
		c.limiters[key] = l
	}
	return l
}

// RateLimit returns a middleware enforcing the per-client leaky bucket.
// Rejected requests receive the standard envelope with code RATE_LIMITED.
func RateLimit() func(http.Handler) http.Handler {
	cl := newClientLimiter()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := cl.forClient(r.RemoteAddr)
			if !limiter.Allow() {
				ErrRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
