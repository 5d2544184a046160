// SPDX-License-Identifier: MIT
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/modcall"
	"github.com/AvantDataSolutions/orcha-sub000/src/runs"
	"github.com/AvantDataSolutions/orcha-sub000/src/tasks"
)

const heartbeatInterval = 15 * time.Second

// configuredTimeout reads run.Config["timeout"] (seconds, as a JSON
// number) if present, else falls back to d.
func configuredTimeout(run models.Run, d time.Duration) time.Duration {
	raw, ok := run.Config["timeout"]
	if !ok {
		return d
	}
	secs, ok := raw.(float64)
	if !ok || secs <= 0 {
		return d
	}
	return time.Duration(secs * float64(time.Second))
}

// processTask drains every queued run for t, in the order returned by
// the store (scheduled_time ascending is not promised; spec.md §5).
func (r *Runner) processTask(ctx context.Context, g *group, t models.Task) error {
	fn, ok := r.fnFor(t.TaskID)
	if !ok {
		// No handler bound: nothing this worker can do with the run,
		// leave it queued for an operator to bind and retry.
		return nil
	}
	queued, err := runs.GetAllQueued(ctx, r.rt, t.TaskID, "")
	if err != nil {
		return fmt.Errorf("processTask %s: %w", t.TaskID, err)
	}
	for i := range queued {
		run := queued[i]
		sched, ok := t.ScheduleByID(run.SetID)
		if !ok {
			sched = models.ScheduleSet{SetID: run.SetID, Config: run.Config}
		}
		r.processRun(ctx, t, sched, run, fn)
	}
	return nil
}

// processRun implements spec.md §4.4's per-run execution protocol
// using real context cancellation in place of the original's
// thread-name-keyed remaining-budget counter: a timeout context wraps
// the task function call, and a heartbeat goroutine that re-reads the
// run's persisted status on each tick cancels that context once it
// sees the run marked cancelled externally.
func (r *Runner) processRun(ctx context.Context, t models.Task, sched models.ScheduleSet, run models.Run, fn TaskFunction) {
	run, err := runs.SetRunning(ctx, r.rt, run.RunID)
	if err != nil {
		r.log.Error("runner: set_running failed", "task", t.TaskID, "run", run.RunID, "error", err)
		return
	}

	timeout := configuredTimeout(run, r.taskTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc := modcall.NewRunContext()
	heartbeatDone := make(chan struct{})
	go r.heartbeat(execCtx, cancel, &run, rc, heartbeatDone)

	fnErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task function panicked: %v", p)
			}
		}()
		return fn(execCtx, r.rt, t, &run, rc)
	}()

	// The task function has already returned: wake the heartbeat now
	// instead of leaving it to block on execCtx's deadline, or a normal
	// run stalls its worker for the full timeout budget before finalizing.
	cancel()
	<-heartbeatDone // final drain happens here before we inspect output

	if fnErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			fnErr = fmt.Errorf("task %s with run_id %s timed out (timeout: %ds): %w", t.TaskID, run.RunID, int(timeout.Seconds()), fnErr)
		}
		if _, ferr := runs.SetFailed(ctx, r.rt, run.RunID, models.JSONMap{"error": fnErr.Error()}); ferr != nil {
			r.log.Error("runner: set_failed after captured error also failed", "task", t.TaskID, "run", run.RunID, "error", ferr)
		}
		return
	}

	if err := runs.Reload(ctx, r.rt, &run); err != nil {
		r.log.Error("runner: reload before finalize failed", "task", t.TaskID, "run", run.RunID, "error", err)
		return
	}

	if hasRetries(run.Output) && run.Status != models.RunFailed {
		if _, err := runs.SetWarn(ctx, r.rt, run.RunID, nil); err != nil {
			r.log.Warn("runner: set_warn for retried modules failed", "task", t.TaskID, "run", run.RunID, "error", err)
		}
	}

	if run.Status != models.RunFailed && run.Status != models.RunWarn && run.Status != models.RunCancelled {
		if sched.TriggerTask != nil {
			if _, err := tasks.TriggerChain(ctx, r.rt, t.TaskID, sched.TriggerTask, run.ScheduledTime); err != nil {
				r.log.Warn("runner: trigger_task failed", "task", t.TaskID, "run", run.RunID, "error", err)
				if _, werr := runs.SetWarn(ctx, r.rt, run.RunID, models.JSONMap{"trigger_error": err.Error()}); werr != nil {
					r.log.Error("runner: set_warn after trigger failure failed", "task", t.TaskID, "run", run.RunID, "error", werr)
				}
			}
		}
		if _, err := runs.SetSuccess(ctx, r.rt, run.RunID, nil); err != nil {
			r.log.Warn("runner: set_success failed (may already be warn/failed)", "task", t.TaskID, "run", run.RunID, "error", err)
		}
	}
}

// heartbeat refreshes the run's and its siblings' last_active,
// uplifts any accumulated modcall timings into the run's output, and
// cancels execCtx when a tick finds the run's persisted status is
// cancelled (status is checked every heartbeatInterval). It drains rc one final time before closing done so the
// caller sees the complete run_times trace.
func (r *Runner) heartbeat(execCtx context.Context, cancel context.CancelFunc, run *models.Run, rc *modcall.RunContext, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	var allTimings []modcall.Timing
	for {
		select {
		case <-execCtx.Done():
			r.drainTimings(run, rc, &allTimings)
			return
		case <-ticker.C:
			r.drainTimings(run, rc, &allTimings)
			if _, err := tasks.UpdateActive(execCtx, r.rt, run.TaskID); err != nil {
				r.log.Warn("runner: heartbeat task touch failed", "task", run.TaskID, "error", err)
			}
			fresh, err := runs.Get(execCtx, r.rt, run.RunID)
			if err != nil {
				r.log.Warn("runner: heartbeat reload failed", "run", run.RunID, "error", err)
				continue
			}
			if fresh.Status == models.RunCancelled {
				cancel()
			}
		}
	}
}

// drainTimings appends the run's newly-drained timings onto allTimings
// and persists the full accumulated trace, since JSONMap.Merge replaces
// the run_times key wholesale rather than appending to it. A module
// retried across more than one heartbeat tick must still end up with
// one run_times entry per attempt, not just the last tick's batch.
func (r *Runner) drainTimings(run *models.Run, rc *modcall.RunContext, allTimings *[]modcall.Timing) {
	times := rc.Drain()
	if len(times) == 0 {
		return
	}
	*allTimings = append(*allTimings, times...)
	payload := make([]any, len(*allTimings))
	for i, t := range *allTimings {
		payload[i] = t
	}
	if _, err := runs.SetOutput(context.Background(), r.rt, run.RunID, models.JSONMap{"run_times": payload}); err != nil {
		r.log.Warn("runner: lifting run_times failed", "run", run.RunID, "error", err)
	}
}

// hasRetries reports whether any run_times entry in output recorded a
// retry, the trigger for demoting an otherwise-successful run to warn
// (spec.md §4.4 step 5).
func hasRetries(output models.JSONMap) bool {
	raw, ok := output["run_times"]
	if !ok {
		return false
	}
	entries, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if rc, ok := m["retry_count"].(float64); ok && rc > 0 {
			return true
		}
	}
	return false
}
