// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Clock implements crawler.Clock using the wall clock.
type Clock struct{}

var _ crawler.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After fires once d has elapsed.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
