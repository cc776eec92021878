// Package backoff provides the reconnect delay schedule used by the
// long-lived WebSocket clients.
package backoff

import "time"

// Next returns the delay to wait after a failed connection attempt, given the
// delay used for the previous attempt. Delays double up to max. A current
// value of zero or less restarts the schedule at base.
func Next(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}
