package safe

import (
	"math"
	"time"
)

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// IntToUint8 converts n to uint8, clamping into [0, 255].
// Returns the converted value and whether clamping occurred.
func IntToUint8(n int) (uint8, bool) {
	switch {
	case n < 0:
		return 0, true
	case n > math.MaxUint8:
		return math.MaxUint8, true
	}
	return uint8(n), false
}

// SecondsToDuration converts fractional seconds to a time.Duration.
// NaN and negative values become zero; values past the int64 range clamp to
// the maximum duration.
func SecondsToDuration(sec float64) (time.Duration, bool) {
	switch {
	case math.IsNaN(sec), sec < 0:
		return 0, true
	case sec >= float64(math.MaxInt64)/float64(time.Second):
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(sec * float64(time.Second)), false
}
