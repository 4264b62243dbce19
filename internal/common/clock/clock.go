// Package clock provides the clock capability consumed by the kernel.
// Components take a Clock instead of calling time.Now directly so tests
// can drive time deterministically.
package clock

import "time"

// Clock supplies wall-clock timestamps for records and monotonic now
// for duration computation.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// New returns the system clock.
func New() Clock {
	return System{}
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	now time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time                  { return f.now }
func (f *Fake) Since(t time.Time) time.Duration { return f.now.Sub(t) }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
