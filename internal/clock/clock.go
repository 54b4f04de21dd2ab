// Package clock is the node's sole source of monotonic time and cooperative
// one-shot timers. Every background loop and deadline in the node
// (supervisor block-update polling, gossip peer-exchange ticks, long-poll
// deadlines, connection session deadlines, storage-test retry windows) reads
// time through a Clock so tests can substitute a fake one instead of
// sleeping real wall-clock seconds, grounded on the teacher's ticker-driven
// goroutine loops (internal/daemon/connman.go) generalized behind an
// interface.
package clock

import "time"

// Clock is the capability interface the rest of the node depends on instead
// of calling time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker mirrors *time.Ticker's exported surface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Timer mirrors *time.Timer's exported surface.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the production Clock backed by the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time  { return s.t.C }
func (s *systemTicker) Stop()                { s.t.Stop() }
func (s *systemTicker) Reset(d time.Duration) { s.t.Reset(d) }

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time       { return s.t.C }
func (s *systemTimer) Stop() bool                { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
