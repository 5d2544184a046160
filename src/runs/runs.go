// SPDX-License-Identifier: MIT
// Package runs implements the Run Model (spec.md §4.2): creation,
// reload, the state-machine status setters, and the run query
// operations used by the scheduler and runner. Grounded on
// _examples/original_source/core/tasks.py's RunItem class.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
)

// Progress is an in-memory-only marker distinct from the persisted
// Status, matching the original's run.progress attribute
// (task_runner.py) which is never itself written to the store. Per
// SPEC_FULL.md §5, the "queued -> pending -> running" window is
// collapsed into a direct queued -> running write. Progress names the
// queued/running/complete values for such a marker; the runner does
// not set or read it.
type Progress string

const (
	ProgressQueued   Progress = "queued"
	ProgressRunning  Progress = "running"
	ProgressComplete Progress = "complete"
)

// ErrInvalidTransition is returned by a status setter when the
// requested change is not a permitted edge in the state machine.
var ErrInvalidTransition = errors.New("runs: invalid state transition")

// Create writes a new "queued" run row with a fresh UUID. config
// snapshots schedule.Config at creation time.
func Create(ctx context.Context, rt *runtime.Runtime, task models.Task, schedule models.ScheduleSet, runType models.RunType, scheduledTime time.Time) (models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Run{}, err
	}
	r := models.Run{
		RunID:         uuid.NewString(),
		TaskID:        task.TaskID,
		SetID:         schedule.SetID,
		RunType:       runType,
		ScheduledTime: scheduledTime,
		LastActive:    time.Now(),
		Config:        schedule.Config.Clone(),
		Status:        models.RunQueued,
		Output:        models.JSONMap{},
	}
	if err := rt.Store.InsertRun(ctx, r); err != nil {
		return models.Run{}, fmt.Errorf("runs: create: %w", err)
	}
	if rt.Metrics != nil {
		rt.Metrics.RunsCreated.WithLabelValues(string(runType)).Inc()
	}
	return r, nil
}

// Reload replaces run's in-memory fields from the store.
func Reload(ctx context.Context, rt *runtime.Runtime, run *models.Run) error {
	if err := runtime.ConfirmInitialised(); err != nil {
		return err
	}
	fresh, err := rt.Store.GetRun(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("runs: reload: %w", err)
	}
	*run = fresh
	return nil
}

// Get fetches a run by id.
func Get(ctx context.Context, rt *runtime.Runtime, runID string) (models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Run{}, err
	}
	r, err := rt.Store.GetRun(ctx, runID)
	if err != nil {
		return models.Run{}, fmt.Errorf("runs: get: %w", err)
	}
	return r, nil
}

// transition runs the read-check-merge-write cycle shared by every
// status setter: re-read the row inside a transaction, verify the
// transition is legal (or a re-application of the row's current
// status, allowed for every target except running), merge the supplied
// output over the stored output, and write. The returned row's output
// has been through the same JSON round-trip as the stored one.
func transition(ctx context.Context, rt *runtime.Runtime, runID string, to models.RunStatus, mutate func(cur *models.Run), outputPatch models.JSONMap) (models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Run{}, err
	}
	var result models.Run
	err := rt.Store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := rt.Store.GetRunTx(ctx, tx, runID)
		if err != nil {
			return fmt.Errorf("runs: transition read: %w", err)
		}
		if cur.Status == to && to != models.RunRunning {
			// Idempotent re-application in the same terminal/target
			// state: still allow output merge, no transition check.
		} else if !models.CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		cur.Output = cur.Output.Clone().Merge(outputPatch).Clone()
		// mutate runs before the status change so it can see the
		// status the row had when it was read.
		if mutate != nil {
			mutate(&cur)
		}
		cur.Status = to
		cur.LastActive = time.Now()
		if err := rt.Store.UpdateRunTx(ctx, tx, cur); err != nil {
			return fmt.Errorf("runs: transition write: %w", err)
		}
		result = cur
		return nil
	})
	if err != nil {
		return models.Run{}, err
	}
	if rt.Metrics != nil && models.IsTerminal(to) {
		rt.Metrics.RunsCompleted.WithLabelValues(string(to)).Inc()
		if result.StartTime != nil && result.EndTime != nil {
			rt.Metrics.RunDuration.WithLabelValues(result.TaskID).Observe(result.EndTime.Sub(*result.StartTime).Seconds())
		}
	}
	return result, nil
}

// SetRunning requires current state "queued".
func SetRunning(ctx context.Context, rt *runtime.Runtime, runID string) (models.Run, error) {
	now := time.Now()
	return transition(ctx, rt, runID, models.RunRunning, func(cur *models.Run) {
		cur.StartTime = &now
	}, nil)
}

// SetSuccess refuses if current state is "failed" or "warn".
func SetSuccess(ctx context.Context, rt *runtime.Runtime, runID string, output models.JSONMap) (models.Run, error) {
	now := time.Now()
	return transition(ctx, rt, runID, models.RunSuccess, func(cur *models.Run) {
		cur.EndTime = &now
	}, output)
}

// SetWarn refuses if current state is "failed". May be called again to
// append to an already-warn run's output.
func SetWarn(ctx context.Context, rt *runtime.Runtime, runID string, output models.JSONMap) (models.Run, error) {
	now := time.Now()
	return transition(ctx, rt, runID, models.RunWarn, func(cur *models.Run) {
		cur.EndTime = &now
	}, output)
}

// FailedOption configures SetFailed.
type FailedOption func(*failedOpts)

type failedOpts struct {
	zeroDuration bool
}

// WithZeroDuration sets end_time := start_time (or both to now, if the
// run never started), matching the historical-failer's use for runs
// that never actually ran.
func WithZeroDuration() FailedOption {
	return func(o *failedOpts) { o.zeroDuration = true }
}

// SetFailed is idempotent: calling it again on an already-failed run
// re-merges output but doesn't re-publish run_failed. After the write
// commits, it publishes run_failed{task_id, run_id} to the broker when
// rt.Producer is set.
func SetFailed(ctx context.Context, rt *runtime.Runtime, runID string, output models.JSONMap, opts ...FailedOption) (models.Run, error) {
	var o failedOpts
	for _, opt := range opts {
		opt(&o)
	}
	now := time.Now()
	wasAlreadyFailed := false
	result, err := transition(ctx, rt, runID, models.RunFailed, func(cur *models.Run) {
		wasAlreadyFailed = cur.Status == models.RunFailed
		if o.zeroDuration {
			if cur.StartTime == nil {
				cur.StartTime = &now
			}
			cur.EndTime = cur.StartTime
		} else if cur.EndTime == nil {
			cur.EndTime = &now
		}
	}, output)
	if err != nil {
		return models.Run{}, err
	}
	if !wasAlreadyFailed && rt.Producer != nil {
		body, _ := json.Marshal(models.RunFailedMessage{TaskID: result.TaskID, RunID: result.RunID})
		if pubErr := rt.Producer.SendMessage(ctx, models.RunFailedChannel, body); pubErr != nil {
			return result, fmt.Errorf("runs: set_failed published after commit, but broker publish failed: %w", pubErr)
		}
	}
	return result, nil
}

// SetCancelled is always permitted regardless of current state.
func SetCancelled(ctx context.Context, rt *runtime.Runtime, runID string, output models.JSONMap) (models.Run, error) {
	now := time.Now()
	return transition(ctx, rt, runID, models.RunCancelled, func(cur *models.Run) {
		if cur.EndTime == nil {
			cur.EndTime = &now
		}
	}, output)
}

// SetOutput merges output into the current row without changing
// status.
func SetOutput(ctx context.Context, rt *runtime.Runtime, runID string, output models.JSONMap) (models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Run{}, err
	}
	var result models.Run
	err := rt.Store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := rt.Store.GetRunTx(ctx, tx, runID)
		if err != nil {
			return fmt.Errorf("runs: set_output read: %w", err)
		}
		cur.Output = cur.Output.Clone().Merge(output)
		cur.LastActive = time.Now()
		if err := rt.Store.UpdateRunTx(ctx, tx, cur); err != nil {
			return fmt.Errorf("runs: set_output write: %w", err)
		}
		result = cur
		return nil
	})
	return result, err
}

// GetAll returns runs for task since the given time, optionally scoped
// to a schedule set and/or run type.
func GetAll(ctx context.Context, rt *runtime.Runtime, taskID string, since time.Time, setID string, runType models.RunType) ([]models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return nil, err
	}
	out, err := rt.Store.RunsSince(ctx, taskID, since, setID, runType)
	if err != nil {
		return nil, fmt.Errorf("runs: get_all: %w", err)
	}
	return out, nil
}

// GetAllQueued returns runs in status "queued" for task, optionally
// scoped to a schedule.
func GetAllQueued(ctx context.Context, rt *runtime.Runtime, taskID, setID string) ([]models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return nil, err
	}
	out, err := rt.Store.QueuedRuns(ctx, taskID, setID)
	if err != nil {
		return nil, fmt.Errorf("runs: get_all_queued: %w", err)
	}
	return out, nil
}

// GetRunningRuns returns runs in status "running" for task, optionally
// scoped to a schedule.
func GetRunningRuns(ctx context.Context, rt *runtime.Runtime, taskID, setID string) ([]models.Run, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return nil, err
	}
	out, err := rt.Store.RunningRuns(ctx, taskID, setID)
	if err != nil {
		return nil, fmt.Errorf("runs: get_running_runs: %w", err)
	}
	return out, nil
}

// GetLatest performs a bounded-window query (last two inter-tick
// intervals) when interval > 0, falling back to an unbounded scan if
// that yields nothing. Pass interval=0 (no schedule) to go straight to
// the unbounded scan.
func GetLatest(ctx context.Context, rt *runtime.Runtime, taskID, setID string, runType models.RunType, interval time.Duration) (models.Run, bool, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Run{}, false, err
	}
	if interval > 0 {
		windowStart := time.Now().Add(-2 * interval)
		r, err := rt.Store.LatestRunWindowed(ctx, taskID, setID, runType, windowStart)
		if err == nil {
			return r, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, false, fmt.Errorf("runs: get_latest windowed: %w", err)
		}
	}
	r, err := rt.Store.LatestRunUnbounded(ctx, taskID, setID, runType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, false, nil
		}
		return models.Run{}, false, fmt.Errorf("runs: get_latest unbounded: %w", err)
	}
	return r, true, nil
}

// Delete removes a single run directly, independent of age-based
// pruning (SPEC_FULL.md supplemented feature, original_source
// RunItem.delete).
func Delete(ctx context.Context, rt *runtime.Runtime, runID string) error {
	if err := runtime.ConfirmInitialised(); err != nil {
		return err
	}
	if err := rt.Store.DeleteRun(ctx, runID); err != nil {
		return fmt.Errorf("runs: delete: %w", err)
	}
	return nil
}
