// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements webfetch.Clock using time.Now in UTC, so report
// timestamps and filenames do not depend on the host time zone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
