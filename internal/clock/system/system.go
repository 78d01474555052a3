// Package system provides the wall clock used outside of tests.
package system

import (
	"time"

	"github.com/JakeFAU/bmie/internal/job"
)

var _ job.Clock = Clock{}

// Clock reports UTC wall time. Run timestamps and stats durations are taken
// from it.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
