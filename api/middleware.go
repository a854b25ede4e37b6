package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type contextKey string

const (
	contextKeyTenantID contextKey = "tenant_id"
	contextKeyUsername contextKey = "username"
)

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tenantID returns the tenant bound to the request context.
func tenantID(r *http.Request) string {
	if v, ok := r.Context().Value(contextKeyTenantID).(string); ok {
		return v
	}
	return ""
}

// tenantMiddleware requires the X-Tenant-ID header on every tenant-scoped
// route and stores it in the request context.
func (a *API) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant == "" {
			a.respondError(w, "X-Tenant-ID header is required", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyTenantID, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs every request with its status and duration.
func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		a.logger.Debugw("Request handled",
			"method", r.Method, "path", r.URL.Path, "status", recorder.status,
			"duration", time.Since(start), "remote", clientIP(r))
	})
}

// rateLimitMiddleware applies a per-client token bucket.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		a.rateLimitersMu.Lock()
		entry, ok := a.rateLimiters[ip]
		if !ok {
			entry = &rateLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(a.config.API.RequestsPerSecond), a.config.API.Burst),
			}
			a.rateLimiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		a.rateLimitersMu.Unlock()

		if !entry.limiter.Allow() {
			a.respondError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters drops limiter entries for clients idle over ten
// minutes.
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if entry.lastSeen.Before(cutoff) {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		}
	}
}

// jwtAuthMiddleware requires a valid bearer token on tenant-scoped routes.
func (a *API) jwtAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.respondError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		username, err := a.validateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.logger.Warnw("Rejected token", "remote", clientIP(r), "error", err)
			a.respondError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUsername, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
