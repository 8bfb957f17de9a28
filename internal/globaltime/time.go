// Package globaltime is the process clock. Services read time through it so
// tests can pin or advance the wall clock.
package globaltime

import (
	"sync"
	"time"
)

// Func returns the current time. Services hold one so tests can inject a
// private clock without touching the process-wide one.
type Func func() time.Time

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Or returns fn when set, otherwise the process clock in UTC.
func Or(fn Func) Func {
	if fn != nil {
		return fn
	}
	return UTC
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}

// Manual is a settable clock for tests that need time to move forward.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
