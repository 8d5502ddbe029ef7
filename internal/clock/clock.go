// Package clock abstracts time for components that schedule or expire state.
package clock

import "time"

// Clock returns the current time. Implementations other than System are
// intended for tests that need to control breaker windows and retry backoff.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns time.Now.
func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// Now returns the stored instant.
func (f *Fake) Now() time.Time {
	return f.Current
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}
