package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/metrics"
	"github.com/stratosight/geotak/internal/ratelimit"
)

// RateLimitMiddleware charges each request against the principal's bucket,
// or the client IP's bucket for anonymous requests. Every response carries
// X-RateLimit-* headers; 429 adds Retry-After.
type RateLimitMiddleware struct {
	limiter       *ratelimit.Limiter
	journal       *audit.Journal
	authenticated ratelimit.Config
	anonymous     ratelimit.Config
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, journal *audit.Journal, authenticated, anonymous ratelimit.Config) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:       l,
		journal:       journal,
		authenticated: authenticated,
		anonymous:     anonymous,
	}
}

func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decision *ratelimit.Decision
		if p, ok := GetPrincipal(r.Context()); ok {
			decision = m.limiter.Allow("principal:"+p.Key(), ratelimit.ScopePrincipal, m.authenticated)
		} else {
			decision = m.limiter.Allow("ip:"+clientIP(r), ratelimit.ScopeIP, m.anonymous)
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(string(decision.Scope)).Inc()
			if m.journal != nil {
				if _, err := m.journal.Append(uuid.Nil, audit.KindRateLimited, PrincipalLabel(r.Context()), map[string]string{
					"scope": string(decision.Scope),
				}); err != nil {
					log.Printf("[ERROR] middleware: audit RATE_LIMITED: %v", err)
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate_limited"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

// clientIP prefers the first X-Forwarded-For hop; RemoteAddr otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
