// Package schedule provides the fixed-interval scheduler that drives
// recurring pipeline work.
package schedule

import (
	"context"
	"time"
)

// Interval invokes a function on a fixed ticker until the context ends.
type Interval struct {
	every      time.Duration
	runAtStart bool
}

// NewInterval builds a scheduler that fires every `every`. When runAtStart is
// set, fn also runs once immediately instead of waiting out the first tick.
func NewInterval(every time.Duration, runAtStart bool) *Interval {
	return &Interval{every: every, runAtStart: runAtStart}
}

// Run blocks until the context ends, invoking fn on each tick. A context end
// is a clean shutdown and returns nil; an error from fn ends the loop and is
// returned, so fn decides which cycle failures are fatal.
func (s *Interval) Run(ctx context.Context, fn func(context.Context) error) error {
	if s.runAtStart {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}
