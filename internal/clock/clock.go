// Package clock provides an injectable time source.
//
// Every age/future boundary check in the engine (sample timestamp windows,
// cache TTLs, archival cutoffs) reads "now" through a Clock instead of
// calling time.Now() directly, so that tests can pin time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// System is the shared Real clock instance.
var System Clock = Real{}

// Fake is a Clock with a settable, mutex-protected time, for deterministic tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the pinned time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
