package middleware

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/auth"
	"github.com/stratosight/geotak/internal/metrics"
)

// ResolvePrincipal authenticates the request if credentials are present and
// stores the principal in the context. Requests without credentials pass
// through anonymous; requests with bad credentials are rejected here.
func ResolvePrincipal(a *auth.Authenticator, journal *audit.Journal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			switch {
			case err == nil:
				appendAuthEvent(journal, audit.KindAuthSuccess, p.Key())
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			case errors.Is(err, auth.ErrNoCredentials):
				next.ServeHTTP(w, r)
			default:
				metrics.AuthFailuresTotal.Inc()
				appendAuthEvent(journal, audit.KindAuthFailure, "anonymous")
				writeUnauthenticated(w)
			}
		})
	}
}

// RequireAuth rejects anonymous requests. It runs after the rate limiter so
// an unauthenticated flood spends the IP bucket, not free 401s.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetPrincipal(r.Context()); !ok {
			writeUnauthenticated(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
}

// Auth events have no detection id; the nil UUID keys them.
func appendAuthEvent(journal *audit.Journal, kind audit.Kind, principal string) {
	if journal == nil {
		return
	}
	if _, err := journal.Append(uuid.Nil, kind, principal, nil); err != nil {
		log.Printf("[ERROR] middleware: audit %s: %v", kind, err)
	}
}
