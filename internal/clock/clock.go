// Package clock provides the time source used by the engine. Backtests and
// tests substitute Sim for deterministic behavior.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of simulated or wall-clock time.
type Clock interface {
	// Now returns epoch milliseconds.
	Now() int64
	// UTCDay returns the day of month in UTC.
	UTCDay() int
}

// System reads the wall clock.
type System struct{}

func (System) Now() int64 { return time.Now().UnixMilli() }

func (System) UTCDay() int { return time.Now().UTC().Day() }

// Sim is a manually driven clock.
type Sim struct {
	mu  sync.Mutex
	now int64
}

// NewSim returns a Sim set to t.
func NewSim(t time.Time) *Sim {
	return &Sim{now: t.UnixMilli()}
}

func (s *Sim) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Sim) UTCDay() int {
	return time.UnixMilli(s.Now()).UTC().Day()
}

// Set moves the clock to t.
func (s *Sim) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t.UnixMilli()
}

// Advance moves the clock forward by d.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d.Milliseconds()
}
