// Package clock abstracts the current time so retention decisions can be
// driven by a simulated clock in tests. Production code injects Real().
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Real returns the wall clock, always in UTC
func Real() Clock { return realClock{} }

// Fake is a manually driven Clock, safe for concurrent use
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake returns a Fake clock stopped at initial
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial.UTC()}
}

// Now returns the fake instant
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Set moves the clock to t, backwards moves included
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.current = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.mu.Unlock()
}
