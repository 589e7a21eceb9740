// ABOUTME: Per-identity sliding window rate limiter with progressive backoff
// ABOUTME: Each identity owns a bucket with its own lock; the map lock only covers lookup and insert

package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is matched by every *LimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// Defaults applied to zero Config fields.
const (
	DefaultLimit      = 60
	DefaultWindow     = time.Minute
	DefaultCooldown   = 5 * time.Minute
	DefaultMaxBackoff = 15 * time.Minute
	DefaultIdleTTL    = 30 * time.Minute

	minRetryAfter = time.Second
)

// Config configures a Limiter.
type Config struct {
	Limit      int           // allowed requests per Window
	Window     time.Duration // sliding window length
	Cooldown   time.Duration // violations closer together than this extend a streak
	MaxBackoff time.Duration // cap on retryAfter
	IdleTTL    time.Duration // buckets unused this long are evicted
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < minRetryAfter {
		c.MaxBackoff = minRetryAfter
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	// An evicted bucket must carry no state that still matters.
	for _, floor := range []time.Duration{c.Window, c.Cooldown, c.MaxBackoff} {
		if c.IdleTTL < floor {
			c.IdleTTL = floor
		}
	}
	return c
}

// Decision describes an allowed request.
type Decision struct {
	Limit     int
	Remaining int
	// Reset is the time until the oldest counted request leaves the window.
	Reset time.Duration
}

// LimitError is returned when an identity is over its limit or still backing off.
type LimitError struct {
	Identity   string
	RetryAfter time.Duration
	Violations int // consecutive violations in the current streak
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// bucket is the per-identity state. All fields are guarded by mu.
type bucket struct {
	mu            sync.Mutex
	hits          []time.Time // allowed requests inside the window, oldest first
	streak        int
	base          time.Duration
	blockedUntil  time.Time
	lastViolation time.Time
	lastSeen      time.Time
	evicted       bool
}

func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Limiter tracks request rates per identity.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex // guards buckets map only
	buckets map[string]*bucket
	now     func() time.Time
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Limiter and starts its idle-bucket janitor.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.janitor()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     now,
		logger:  slog.Default().With("component", "ratelimit"),
		done:    make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check records an attempt by identity. It returns a Decision when allowed, or a
// *LimitError with the time the caller must wait.
func (l *Limiter) Check(identity string) (Decision, error) {
	for {
		b := l.bucketFor(identity)
		b.mu.Lock()
		if b.evicted {
			// Lost a race with the janitor; fetch the replacement.
			b.mu.Unlock()
			continue
		}
		d, err := l.checkLocked(identity, b, l.now())
		b.mu.Unlock()
		return d, err
	}
}

func (l *Limiter) bucketFor(identity string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{}
		l.buckets[identity] = b
	}
	return b
}

func (l *Limiter) checkLocked(identity string, b *bucket, now time.Time) (Decision, error) {
	b.lastSeen = now
	b.prune(now, l.cfg.Window)

	if b.streak > 0 && !now.Before(b.blockedUntil) && now.Sub(b.lastViolation) > l.cfg.Cooldown {
		b.streak = 0
	}

	if now.Before(b.blockedUntil) || len(b.hits) >= l.cfg.Limit {
		return Decision{}, l.violate(identity, b, now)
	}

	b.hits = append(b.hits, now)
	if b.streak > 0 {
		b.streak--
	}
	return Decision{
		Limit:     l.cfg.Limit,
		Remaining: l.cfg.Limit - len(b.hits),
		Reset:     b.hits[0].Add(l.cfg.Window).Sub(now),
	}, nil
}

// violate extends the streak. The wait for streak k is base*2^(k-1) capped at
// MaxBackoff, where base is fixed at the first violation of the streak.
func (l *Limiter) violate(identity string, b *bucket, now time.Time) *LimitError {
	if b.streak == 0 {
		base := l.cfg.Window
		if len(b.hits) > 0 {
			base = b.hits[0].Add(l.cfg.Window).Sub(now)
		}
		if base < minRetryAfter {
			base = minRetryAfter
		}
		b.base = base
	}
	b.streak++
	b.lastViolation = now

	wait := l.cfg.MaxBackoff
	if shift := b.streak - 1; shift < 32 {
		if w := b.base << shift; w > 0 && w < wait {
			wait = w
		}
	}
	if until := now.Add(wait); until.After(b.blockedUntil) {
		b.blockedUntil = until
	}

	retry := b.blockedUntil.Sub(now)
	if b.streak > 1 {
		l.logger.Debug("rate limit streak", "identity", identity, "violations", b.streak, "retry_after", retry)
	}
	return &LimitError{Identity: identity, RetryAfter: retry, Violations: b.streak}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// janitor runs in a background goroutine, periodically evicting idle buckets.
func (l *Limiter) janitor() {
	interval := l.cfg.IdleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.done:
			return
		}
	}
}

// evictIdle removes buckets that have not been used for IdleTTL and are not blocked.
func (l *Limiter) evictIdle() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL && !now.Before(b.blockedUntil) {
			b.evicted = true
			delete(l.buckets, id)
			evicted++
		}
		b.mu.Unlock()
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit buckets", "count", evicted)
	}
	return evicted
}

// Close stops the janitor. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
