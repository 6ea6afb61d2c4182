// Package clock abstracts time so components can be tested deterministically.
package clock

import "time"

// Clock supplies the current time. Production code uses clock/system; tests
// inject a Fixed clock and advance it by hand.
type Clock interface {
	Now() time.Time
}

// Fixed is a manually advanced clock for tests.
type Fixed struct {
	now time.Time
}

// NewFixed creates a Fixed clock pinned at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// Now returns the pinned time.
func (f *Fixed) Now() time.Time {
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Set pins the clock at t.
func (f *Fixed) Set(t time.Time) {
	f.now = t
}
