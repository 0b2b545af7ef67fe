// Package ratelimit implements a deterministic token-bucket limiter keyed by
// principal or remote IP. All state is process-local; buckets start full on
// process start and are never persisted.
package ratelimit

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Scope string

const (
	ScopePrincipal Scope = "principal"
	ScopeIP        Scope = "ip"
)

// maxBuckets bounds the key table; evicting a cold bucket recreates it full,
// which only ever errs in the caller's favour.
const maxBuckets = 65536

// Config is the shape of one bucket class. RefillPerSec is fractional
// (capacity/60 gives a per-minute budget).
type Config struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// Decision carries everything the middleware needs for response headers.
type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time // when the bucket is full again
	RetryAfter int       // seconds; meaningful when !Allowed
	Allowed    bool
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter owns one bucket per key. The clock is injectable for tests.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
	now     func() time.Time
}

func NewLimiter() *Limiter {
	c, _ := lru.New[string, *bucket](maxBuckets)
	return &Limiter{buckets: c, now: time.Now}
}

// WithClock replaces the time source; tests drive refill deterministically.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow refills the key's bucket, deducts one token and decides. Access to a
// bucket is serialized per key.
func (l *Limiter) Allow(key string, scope Scope, cfg Config) *Decision {
	now := l.now()
	b := l.bucketFor(key, cfg, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * cfg.RefillPerSec
		if b.tokens > float64(cfg.Capacity) {
			b.tokens = float64(cfg.Capacity)
		}
		b.lastRefill = now
	}

	d := &Decision{
		Scope: scope,
		Limit: cfg.Capacity,
	}

	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = int(math.Ceil((1 - b.tokens) / cfg.RefillPerSec))
	}

	d.Remaining = int(b.tokens)
	refillSecs := (float64(cfg.Capacity) - b.tokens) / cfg.RefillPerSec
	d.Reset = now.Add(time.Duration(refillSecs * float64(time.Second)))
	return d
}

func (l *Limiter) bucketFor(key string, cfg Config, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := &bucket{tokens: float64(cfg.Capacity), lastRefill: now}
	l.buckets.Add(key, b)
	return b
}
