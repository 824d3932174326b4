package watchdog

import "time"

// minAdaptiveInterval is the floor for scaled-down intervals. Checking
// more often than this hammers the page without learning anything new.
const minAdaptiveInterval = 30 * time.Second

// scaleInterval adjusts the base check interval by recent reliability.
// A stable session is checked less often, a flaky one more often. The
// result stays within [min(30s, base), 2*base] so a bad rate can never
// stall the loop and a good one can never spin it.
func scaleInterval(base time.Duration, successRate float64) time.Duration {
	var scaled time.Duration
	switch {
	case successRate > 0.9:
		scaled = base + base/5
	case successRate > 0.7:
		scaled = base
	case successRate > 0.5:
		scaled = base - base/5
	default:
		scaled = base / 2
	}

	floor := minAdaptiveInterval
	if base < floor {
		floor = base
	}
	if scaled < floor {
		scaled = floor
	}
	if max := 2 * base; scaled > max {
		scaled = max
	}
	return scaled
}
