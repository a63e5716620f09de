// Package production derives production metrics from raw counter samples:
// bounded increments, per-hour rates, and shift/day totals.
package production

// Difference converts a raw cumulative counter reading into a bounded
// non-negative increment relative to the last stored value.
//
// No last value means no information: the increment is 0. A current value
// below the last one is treated as a counter reset, so the counter is
// assumed to have restarted from zero and the reading itself is the
// increment. The result is never negative.
func Difference(last *float64, current float64) float64 {
	if last == nil {
		return 0
	}
	if current >= *last {
		d := current - *last
		if d < 0 {
			return 0
		}
		return d
	}
	return current
}

// Speed converts an increment over elapsed wall time into a per-hour rate.
func Speed(difference, elapsedSeconds float64) float64 {
	if elapsedSeconds > 0 {
		return difference * 3600 / elapsedSeconds
	}
	return 0
}
