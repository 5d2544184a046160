// SPDX-License-Identifier: MIT
// Package cronutil adds the "previous tick" and "interval between
// ticks" primitives that github.com/robfig/cron/v3 does not provide
// (it only exposes Schedule.Next). The Python original builds these
// directly on croniter's get_prev/get_next; robfig/cron only walks
// forward, so GetPrev here does so by searching backward in a doubling
// window until a tick is found, then stepping forward from the window
// start to the last tick not after the reference time.
package cronutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoPriorTick is returned when no tick of the schedule occurs before
// maxLookback (fifty years, effectively "never" for any real cron
// expression).
var ErrNoPriorTick = errors.New("cronutil: no prior tick found within lookback bound")

const maxLookback = 24 * time.Hour * 365 * 50 // 50 years

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse parses a standard 5-field cron expression.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronutil: parse %q: %w", expr, err)
	}
	return sched, nil
}

// GetNext returns the next tick strictly after ref.
func GetNext(sched cron.Schedule, ref time.Time) time.Time {
	return sched.Next(ref)
}

// GetPrev returns the most recent tick at or before ref. It doubles a
// backward-search window starting at 1 minute until a tick is found,
// then walks forward from the window start collecting ticks until one
// would exceed ref, returning the last one that didn't.
func GetPrev(sched cron.Schedule, ref time.Time) (time.Time, error) {
	window := time.Minute
	for window < maxLookback {
		start := ref.Add(-window)
		t := sched.Next(start)
		if t.After(ref) {
			// No tick at all in (start, ref]; widen the window and
			// retry from further back.
			window *= 2
			continue
		}
		// Walk forward from the first tick after `start`, keeping the
		// last one not after ref.
		last := t
		for {
			next := sched.Next(last)
			if next.After(ref) {
				return last, nil
			}
			last = next
		}
	}
	return time.Time{}, ErrNoPriorTick
}

// TimeBetweenRuns estimates the schedule's tick interval by measuring
// the gap between two consecutive ticks starting at ref. Used by
// get_latest's bounded-window query (spec.md §4.2): the window is
// sized to "the last two inter-tick intervals" so a dense schedule
// (every minute) scans a narrow window and a sparse one (monthly)
// scans a wide one.
func TimeBetweenRuns(sched cron.Schedule, ref time.Time) time.Duration {
	first := sched.Next(ref)
	second := sched.Next(first)
	return second.Sub(first)
}
