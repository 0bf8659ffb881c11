// Package timing provides the clock and stopwatch used to stamp profiling
// packets.
package timing

import "time"

// Clock is the time source. Implementations must return readings that carry
// a monotonic component (as time.Now does) so elapsed values never go
// backwards.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Stopwatch measures time elapsed since it was started.
type Stopwatch struct {
	clock Clock
	start time.Time
}

// Start returns a Stopwatch running on the system clock.
func Start() Stopwatch {
	return StartWith(SystemClock{})
}

// StartWith returns a Stopwatch running on clock. A nil clock means the
// system clock.
func StartWith(clock Clock) Stopwatch {
	if clock == nil {
		clock = SystemClock{}
	}
	return Stopwatch{clock: clock, start: clock.Now()}
}

// Started returns the reading taken when the stopwatch started.
func (s Stopwatch) Started() time.Time {
	return s.start
}

// Elapsed returns the time since the stopwatch started. It is never negative.
func (s Stopwatch) Elapsed() time.Duration {
	if s.clock == nil {
		return 0
	}
	d := s.clock.Now().Sub(s.start)
	if d < 0 {
		return 0
	}
	return d
}

// Seconds returns Elapsed as fractional seconds, the unit used on the wire.
func (s Stopwatch) Seconds() float64 {
	return s.Elapsed().Seconds()
}
