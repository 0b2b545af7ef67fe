package middleware_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/auth"
	"github.com/stratosight/geotak/internal/middleware"
	"github.com/stratosight/geotak/internal/ratelimit"
	"github.com/stratosight/geotak/internal/tokens"
)

type chainFixture struct {
	handler http.Handler
	signer  *tokens.Signer
	journal *audit.Journal
	apiKey  string
}

func newChain(t *testing.T) *chainFixture {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	apiKey := "sk-live-test"
	sum := sha256.Sum256([]byte(apiKey))
	keyData, err := json.Marshal([]auth.KeyEntry{
		{Hash: hex.EncodeToString(sum[:]), Subject: "partner-feed", Scopes: []string{"detections:write"}},
	})
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(keyPath, keyData, 0600))
	ks, err := auth.LoadKeyStore(keyPath)
	require.NoError(t, err)

	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	limiter := ratelimit.NewLimiter()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.WithClock(func() time.Time { return base })

	authenticator := auth.NewAuthenticator(tokens.NewValidator(&priv.PublicKey), ks)
	rl := middleware.NewRateLimitMiddleware(limiter, journal,
		ratelimit.Config{Capacity: 100, RefillPerSec: 100.0 / 60.0},
		ratelimit.Config{Capacity: 10, RefillPerSec: 10.0 / 60.0})

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := middleware.RequestLogger(
		middleware.ResolvePrincipal(authenticator, journal)(
			rl.Limit(
				middleware.RequireAuth(inner))))

	return &chainFixture{
		handler: h,
		signer:  tokens.NewSigner(priv),
		journal: journal,
		apiKey:  apiKey,
	}
}

func (f *chainFixture) do(t *testing.T, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", "/api/v1/detections", nil)
	r.RemoteAddr = "203.0.113.9:55000"
	if decorate != nil {
		decorate(r)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestChain_RequestIDAlwaysPresent(t *testing.T) {
	f := newChain(t)
	w := f.do(t, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	_, err := uuid.Parse(w.Header().Get("X-Request-Id"))
	assert.NoError(t, err)
}

func TestChain_AuthenticatedRequestPasses(t *testing.T) {
	f := newChain(t)
	tok, err := f.signer.Sign("sensor-gw-1", "detections:write", time.Minute)
	require.NoError(t, err)

	w := f.do(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok)
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
}

func TestChain_AnonymousGets401AfterSpendingToken(t *testing.T) {
	f := newChain(t)
	w := f.do(t, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthenticated"}`, w.Body.String())
	// The 401 still consumed an anonymous token and carries the headers.
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
}

func TestChain_AnonymousFloodHits429BeforeAuth(t *testing.T) {
	f := newChain(t)

	for i := 0; i < 10; i++ {
		w := f.do(t, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "request %d", i+1)
	}

	w := f.do(t, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestChain_InvalidCredentialsRejectedBeforeLimit(t *testing.T) {
	f := newChain(t)

	w := f.do(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-token")
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthenticated"}`, w.Body.String())

	events, err := f.journal.Tail(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.KindAuthFailure, events[len(events)-1].Kind)
}

func TestChain_PrincipalBucketIndependentOfIP(t *testing.T) {
	f := newChain(t)

	// Exhaust the anonymous IP bucket.
	for i := 0; i < 10; i++ {
		f.do(t, nil)
	}
	require.Equal(t, http.StatusTooManyRequests, f.do(t, nil).Code)

	// The same IP with an API key draws from its own bucket.
	w := f.do(t, func(r *http.Request) {
		r.Header.Set("X-API-Key", f.apiKey)
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
}

func TestChain_XForwardedForSplitsBuckets(t *testing.T) {
	f := newChain(t)

	for i := 0; i < 10; i++ {
		f.do(t, func(r *http.Request) { r.Header.Set("X-Forwarded-For", "198.51.100.1") })
	}
	require.Equal(t, http.StatusTooManyRequests, f.do(t, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "198.51.100.1")
	}).Code)

	w := f.do(t, func(r *http.Request) { r.Header.Set("X-Forwarded-For", "198.51.100.2") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChain_AuthSuccessAudited(t *testing.T) {
	f := newChain(t)

	f.do(t, func(r *http.Request) { r.Header.Set("X-API-Key", f.apiKey) })

	events, err := f.journal.Tail(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.KindAuthSuccess, last.Kind)
	assert.Equal(t, "api_key:partner-feed", last.Principal)
}
