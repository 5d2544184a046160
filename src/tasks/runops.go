// SPDX-License-Identifier: MIT
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runs"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
)

// ScheduleRun creates a "scheduled" run at the schedule's most recent
// past cron tick.
func ScheduleRun(ctx context.Context, rt *runtime.Runtime, task models.Task, schedule models.ScheduleSet) (models.Run, error) {
	scheduledTime, err := GetLastScheduled(schedule)
	if err != nil {
		return models.Run{}, fmt.Errorf("tasks: schedule_run: %w", err)
	}
	return runs.Create(ctx, rt, task, schedule, models.RunScheduled, scheduledTime)
}

// TriggerRun creates a "triggered" run on task/schedule, carrying the
// source task id in output, for the trigger-task chain described in
// spec.md §3/§4.1.
func TriggerRun(ctx context.Context, rt *runtime.Runtime, task models.Task, schedule models.ScheduleSet, sourceTaskID string, scheduledTime time.Time) (models.Run, error) {
	r, err := runs.Create(ctx, rt, task, schedule, models.RunTriggered, scheduledTime)
	if err != nil {
		return models.Run{}, fmt.Errorf("tasks: trigger_run: %w", err)
	}
	r, err = runs.SetOutput(ctx, rt, r.RunID, models.JSONMap{"trigger_task": sourceTaskID})
	if err != nil {
		return models.Run{}, fmt.Errorf("tasks: trigger_run: recording source: %w", err)
	}
	return r, nil
}

// TriggerChain resolves a schedule's trigger_task reference to its
// live task+schedule and creates a "triggered" run on it, carrying
// scheduledTime forward from the parent run (spec.md §4.4 step 6).
func TriggerChain(ctx context.Context, rt *runtime.Runtime, parentTaskID string, trigger *models.TriggerTask, scheduledTime time.Time) (models.Run, error) {
	target, found, err := Get(ctx, rt, trigger.TaskID)
	if err != nil {
		return models.Run{}, fmt.Errorf("tasks: trigger_chain: loading target task: %w", err)
	}
	if !found {
		return models.Run{}, fmt.Errorf("tasks: trigger_chain: target task %q not found", trigger.TaskID)
	}
	schedule, ok := target.ScheduleByID(trigger.SetID)
	if !ok {
		return models.Run{}, fmt.Errorf("tasks: trigger_chain: target task %q has no schedule %q", trigger.TaskID, trigger.SetID)
	}
	return TriggerRun(ctx, rt, target, schedule, parentTaskID, scheduledTime)
}

// IsRunDueWithLast reports whether schedule is due to run now, and
// returns the most recent prior "scheduled" run for the schedule (if
// any). Due iff no prior run exists, or the prior run's scheduled_time
// is earlier than the most recent past cron tick.
func IsRunDueWithLast(ctx context.Context, rt *runtime.Runtime, task models.Task, schedule models.ScheduleSet) (bool, *models.Run, error) {
	interval, err := GetTimeBetweenRuns(schedule)
	if err != nil {
		return false, nil, fmt.Errorf("tasks: is_run_due_with_last: %w", err)
	}
	last, found, err := runs.GetLatest(ctx, rt, task.TaskID, schedule.SetID, models.RunScheduled, interval)
	if err != nil {
		return false, nil, fmt.Errorf("tasks: is_run_due_with_last: %w", err)
	}
	if !found {
		return true, nil, nil
	}
	lastTick, err := GetLastScheduled(schedule)
	if err != nil {
		return false, nil, fmt.Errorf("tasks: is_run_due_with_last: %w", err)
	}
	due := last.ScheduledTime.Before(lastTick)
	return due, &last, nil
}

// PruneRuns deletes runs for task older than maxAge and returns the
// count deleted.
func PruneRuns(ctx context.Context, rt *runtime.Runtime, taskID string, maxAge time.Duration) (int, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return 0, err
	}
	n, err := rt.Store.PruneRuns(ctx, taskID, maxAge)
	if err != nil {
		return 0, fmt.Errorf("tasks: prune_runs: %w", err)
	}
	return n, nil
}
