// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock reports UTC time truncated to Precision. A zero Precision keeps the
// full resolution.
type Clock struct {
	Precision time.Duration
}

// New creates a Clock with the given precision.
func New(precision time.Duration) Clock {
	return Clock{Precision: precision}
}

// Now returns the current UTC time.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.Precision > 0 {
		now = now.Truncate(c.Precision)
	}
	return now
}
