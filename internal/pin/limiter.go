package pin

import (
	"sync"
	"time"
)

// Settings configures a Limiter. Zero fields fall back to defaults.
type Settings struct {
	// BaseDelay is the delay after the first failure. Each further
	// failure doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the escalating delay.
	MaxDelay time.Duration

	// MaxFailures is the failure count that triggers a lockout.
	MaxFailures int

	// Lockout is how long a key stays locked once MaxFailures is reached.
	Lockout time.Duration

	// ResetAfter discards a key's failure history when this much time
	// has passed since its last failure.
	ResetAfter time.Duration
}

// Limiter tracks failed PIN attempts per key and applies escalating
// delays, locking the key out entirely after too many failures. Keys are
// session names, so one session cannot exhaust another's attempts.
type Limiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxFailures int
	lockout     time.Duration
	resetAfter  time.Duration

	now func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// NewLimiter creates a Limiter with the given settings.
func NewLimiter(s Settings) *Limiter {
	if s.BaseDelay <= 0 {
		s.BaseDelay = 250 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}
	if s.MaxFailures <= 0 {
		s.MaxFailures = 5
	}
	if s.Lockout <= 0 {
		s.Lockout = 15 * time.Minute
	}
	if s.ResetAfter <= 0 {
		s.ResetAfter = time.Hour
	}
	return &Limiter{
		attempts:    make(map[string]*attemptRecord),
		baseDelay:   s.BaseDelay,
		maxDelay:    s.MaxDelay,
		maxFailures: s.MaxFailures,
		lockout:     s.Lockout,
		resetAfter:  s.ResetAfter,
		now:         time.Now,
	}
}

// Fail records a failed attempt for key and returns the delay the caller
// must impose before accepting the next attempt. When the failure count
// reaches MaxFailures the key is locked and the lockout duration is
// returned.
func (l *Limiter) Fail(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.attempts[key]
	if rec == nil || now.Sub(rec.lastFailure) > l.resetAfter {
		rec = &attemptRecord{}
		l.attempts[key] = rec
	}

	rec.failures++
	rec.lastFailure = now

	if rec.failures >= l.maxFailures {
		rec.lockedUntil = now.Add(l.lockout)
		return l.lockout
	}

	shift := uint(rec.failures - 1)
	if shift > 16 {
		shift = 16
	}
	delay := l.baseDelay * time.Duration(1<<shift)
	if delay > l.maxDelay {
		delay = l.maxDelay
	}
	return delay
}

// Locked reports whether key is currently locked out, and if so how much
// of the lockout remains.
func (l *Limiter) Locked(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.attempts[key]
	if rec == nil {
		return 0, false
	}
	if remaining := rec.lockedUntil.Sub(l.now()); remaining > 0 {
		return remaining, true
	}
	return 0, false
}

// Success clears the failure history for key.
func (l *Limiter) Success(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// Failures returns the recorded failure count for key.
func (l *Limiter) Failures(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.attempts[key]
	if rec == nil {
		return 0
	}
	return rec.failures
}
