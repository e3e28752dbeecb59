package time

import (
	"sync"
	"time"
)

// clock is the source of "now" for lease expiry decisions
// the raft node stamps commands with it so replicas agree on expiry
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// time.Now carries a monotonic reading, comparisons inside one process
// are immune to wall clock jumps
func (systemClock) Now() time.Time {
	return time.Now()
}

func System() Clock {
	return systemClock{}
}

// manual clock only moves when told to, used to test ttl expiry without sleeping
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
