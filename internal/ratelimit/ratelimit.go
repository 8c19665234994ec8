// Package ratelimit provides per-session admission throttling so a single
// busy session cannot starve others' schedule-cycle slot time (an ambient
// safeguard SPEC_FULL.md adds; spec.md's Non-goals do not exclude it).
//
// It adapts github.com/joeycumines/go-catrate's sliding-window Limiter
// directly: catrate already keys by an arbitrary comparable category and
// answers exactly the question admission control needs ("is this category
// allowed another event right now"), so this package only narrows the
// category type to the session key this domain actually uses.
package ratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Key identifies the admission category: one session's requests share a
// budget, independent of every other session's.
type Key struct {
	UserID    string
	SessionID string
}

// Limiter caps request admission per Key using a sliding window.
type Limiter struct {
	inner *catrate.Limiter
}

// New constructs a Limiter allowing up to limit requests per window, per
// session key.
func New(window time.Duration, limit int) *Limiter {
	return &Limiter{
		inner: catrate.NewLimiter(map[time.Duration]int{window: limit}),
	}
}

// Allow reports whether a request for key may proceed now. When refused, the
// returned time is the earliest instant at which the category will next be
// allowed, matching catrate.Limiter.Allow's contract.
func (l *Limiter) Allow(key Key) (time.Time, bool) {
	return l.inner.Allow(key)
}
