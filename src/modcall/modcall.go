// SPDX-License-Identifier: MIT
// Package modcall implements the Module Retry Wrapper (spec.md §4.5),
// grounded on
// _examples/original_source/core/module_base.py's module_function
// decorator. The original threads per-module telemetry through a
// thread-name-keyed global (utils/kvdb.py); per SPEC_FULL.md §5 / spec.md
// Design Notes §9 this is replaced with an explicit RunContext passed
// by the caller, observable by the heartbeat without the task function
// passing anything through by hand.
package modcall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/services/retry"
)

// Timing is one module-call attempt record, lifted wholesale into a
// run's output.run_times by the heartbeat (spec.md §4.4 step 2).
type Timing struct {
	ModuleID        string   `json:"module_id"`
	StartPosix      float64  `json:"start_posix"`
	EndPosix        float64  `json:"end_posix"`
	DurationSeconds float64  `json:"duration_seconds"`
	RetryCount      int      `json:"retry_count"`
	RetryExceptions []string `json:"retry_exceptions,omitempty"`
}

// RunContext is the explicit per-run telemetry carrier that replaces
// the original's thread-name-keyed kvdb store. One RunContext is
// created per run and threaded through every module call the task
// function makes, and through the heartbeat that uplifts its
// accumulated timings into the run's output.
type RunContext struct {
	mu    sync.Mutex
	times []Timing
}

// NewRunContext creates an empty telemetry carrier for one run.
func NewRunContext() *RunContext {
	return &RunContext{}
}

func (rc *RunContext) record(t Timing) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.times = append(rc.times, t)
}

// Drain returns every timing recorded since the last Drain and clears
// the buffer. The heartbeat calls this on each tick so the same
// timing is never double-counted into the run's output.
func (rc *RunContext) Drain() []Timing {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.times
	rc.times = nil
	return out
}

// Config controls the wrapper's retry policy: up to MaxRetries retries
// (MaxRetries+1 total attempts), RetryInterval apart.
type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig matches the original's ModuleConfig defaults
// (max_retries=1, retry_interval=10s).
func DefaultConfig() Config {
	return Config{MaxRetries: 1, RetryInterval: 10 * time.Second}
}

// Invoke runs fn under the retry policy, recording one Timing per
// attempt into rc. The attempt/delay loop itself is
// services/retry.Do's fixed-interval policy (retry.FixedIntervalConfig)
// — the same backoff primitive the broker's circuit breaker package
// provides — with a thin wrapper around fn that captures each
// attempt's timing before handing the result back to Do. On an
// attempt's success, Invoke returns nil immediately without retrying
// further. On the final attempt's failure, Invoke returns an error
// naming moduleID and the total attempt count, matching the original's
// composed final-failure exception.
func Invoke(ctx context.Context, rc *RunContext, moduleID string, cfg Config, fn func(ctx context.Context) error) error {
	totalAttempts := cfg.MaxRetries + 1
	if totalAttempts < 1 {
		totalAttempts = 1
	}
	retryCfg := retry.FixedIntervalConfig(totalAttempts, cfg.RetryInterval)

	attempt := 0
	var retryExceptions []string
	err := retry.Do(ctx, retryCfg, func() error {
		start := time.Now()
		fnErr := fn(ctx)
		end := time.Now()

		rc.record(Timing{
			ModuleID:        moduleID,
			StartPosix:      float64(start.UnixNano()) / 1e9,
			EndPosix:        float64(end.UnixNano()) / 1e9,
			DurationSeconds: end.Sub(start).Seconds(),
			RetryCount:      attempt,
			RetryExceptions: append([]string(nil), retryExceptions...),
		})
		if fnErr != nil {
			retryExceptions = append(retryExceptions, fnErr.Error())
		}
		attempt++
		return fnErr
	})
	if err != nil {
		return fmt.Errorf("modcall: module %q failed after %d attempt(s): %w", moduleID, totalAttempts, err)
	}
	return nil
}
