// Package budget tracks the remote API's error allowance shared by every
// requester in the process.
package budget

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Header names carrying the error budget on every ESI response.
const (
	HeaderRemaining = "X-ESI-Error-Limit-Remain"
	HeaderReset     = "X-ESI-Error-Limit-Reset"
)

const (
	DefaultThreshold      = 10
	DefaultCeiling        = 100
	DefaultMaxResetWindow = 2 * time.Minute
)

// Config holds tracker limits. Zero values fall back to the defaults.
type Config struct {
	Threshold      int
	Ceiling        int
	MaxResetWindow time.Duration
}

// Tracker is the process-wide error budget. All methods serialize on one mutex.
type Tracker struct {
	mu sync.Mutex

	threshold int
	ceiling   int
	maxReset  time.Duration

	remaining int
	resetAt   time.Time

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker holding a full budget.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.MaxResetWindow <= 0 {
		cfg.MaxResetWindow = DefaultMaxResetWindow
	}

	t := &Tracker{
		threshold: cfg.Threshold,
		ceiling:   cfg.Ceiling,
		maxReset:  cfg.MaxResetWindow,
		remaining: cfg.Ceiling,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordBudget applies the budget reported by the most recent response and
// reports whether it is still above the throttle threshold.
func (t *Tracker) RecordBudget(remaining int, resetAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if limit := now.Add(t.maxReset); resetAt.After(limit) {
		resetAt = limit
	}

	t.lapseLocked(now)
	t.remaining = remaining
	t.resetAt = resetAt

	return remaining > t.threshold
}

// RecordHeaders feeds the budget headers of a response into the tracker.
// ok is false when the response carried no usable budget headers.
func (t *Tracker) RecordHeaders(h http.Header) (healthy bool, ok bool) {
	remainRaw := h.Get(HeaderRemaining)
	resetRaw := h.Get(HeaderReset)
	if remainRaw == "" || resetRaw == "" {
		return false, false
	}

	remaining, err := strconv.Atoi(remainRaw)
	if err != nil {
		return false, false
	}
	seconds, err := strconv.Atoi(resetRaw)
	if err != nil || seconds < 0 {
		return false, false
	}

	return t.RecordBudget(remaining, t.now().Add(time.Duration(seconds)*time.Second)), true
}

// IsThrottled reports whether new requests should be withheld. A depleted
// budget whose reset time has passed is not throttling.
func (t *Tracker) IsThrottled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lapseLocked(now)
	return t.remaining <= t.threshold && now.Before(t.resetAt)
}

// ResetTime returns the later of now and the tracked reset time.
func (t *Tracker) ResetTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.resetAt.After(now) {
		return t.resetAt
	}
	return now
}

// CurrentRemaining returns the last known remaining count. ok is false when
// tracking has lapsed; the returned count is then the ceiling.
func (t *Tracker) CurrentRemaining() (remaining int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lapseLocked(t.now()) {
		return t.remaining, false
	}
	return t.remaining, true
}

// Threshold returns the throttle threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// Ceiling returns the default budget.
func (t *Tracker) Ceiling() int { return t.ceiling }

// lapseLocked restores the defaults once the reset time has been reached and
// reports whether tracking is lapsed. Caller holds t.mu.
func (t *Tracker) lapseLocked(now time.Time) bool {
	if now.Before(t.resetAt) {
		return false
	}
	t.remaining = t.ceiling
	t.resetAt = time.Time{}
	return true
}
