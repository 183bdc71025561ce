// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements orchestrator.Clock. Readings are UTC, carry no monotonic
// component and are truncated to microseconds, the resolution Postgres keeps,
// so a job read back from the store compares equal to the one in memory.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
