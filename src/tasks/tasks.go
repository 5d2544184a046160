// SPDX-License-Identifier: MIT
// Package tasks implements the Task Model (spec.md §4.1): versioned
// create/idempotency, status toggles, liveness heartbeats and the
// cron due-time computations used by the scheduler. Grounded on
// _examples/original_source/core/tasks.py's TaskItem class.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/cronutil"
	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
)

// Registrar receives a (re)registration call whenever Create runs,
// whether or not a new version was written, so that a restarted
// process rebinds its in-memory task-function handlers to the durable
// task set (spec.md §4.1 create()).
type Registrar interface {
	RegisterTask(task models.Task)
}

// Monitor receives the id of every task attached to it at Create time,
// matching the original's task_monitors list (core/tasks.py:343,
// carried forward in SPEC_FULL.md §4 Supplemented Features).
type Monitor interface {
	AddTask(taskID string)
}

// CreateParams bundles Create's arguments. It has no task-function
// field: task functions are bound with runner.Runner.Bind, and task
// dispatch lives in src/runner.
type CreateParams struct {
	TaskID             string
	Name               string
	Description        string
	ScheduleSets       []models.ScheduleSet
	ThreadGroup        string
	Metadata           models.JSONMap
	Tags               models.JSONMap
	Monitors           []Monitor
	Registrar          Registrar
	RegisterWithRunner bool
}

// Create is idempotent: it reads the latest version and writes a new
// one only if an identity-shaping field differs. If the existing
// status is "inactive", the new version becomes "enabled"; otherwise
// status is preserved. Create always (re)registers with the runner
// when RegisterWithRunner is true, even when no version write occurs.
func Create(ctx context.Context, rt *runtime.Runtime, p CreateParams) (models.Task, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Task{}, err
	}

	for i := range p.ScheduleSets {
		if p.ScheduleSets[i].SetID == "" {
			p.ScheduleSets[i].SetID = models.DeriveSetID(p.TaskID, p.ScheduleSets[i].CronExpression)
		}
	}

	candidate := models.Task{
		TaskID:       p.TaskID,
		Metadata:     p.Metadata,
		Tags:         p.Tags,
		Name:         p.Name,
		Description:  p.Description,
		ScheduleSets: p.ScheduleSets,
		ThreadGroup:  p.ThreadGroup,
		Status:       models.TaskEnabled,
	}

	existing, err := rt.Store.LatestTask(ctx, p.TaskID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		candidate.Version = time.Now().UnixNano()
		candidate.LastActive = time.Now()
		if err := rt.Store.InsertTaskVersion(ctx, candidate); err != nil {
			return models.Task{}, fmt.Errorf("tasks: create: %w", err)
		}
		registerAndMonitor(p, candidate)
		return candidate, nil
	case err != nil:
		return models.Task{}, fmt.Errorf("tasks: create: reading latest version: %w", err)
	}

	if existing.IdentityEqual(candidate) {
		// No identity-shaping change; still register, don't write a
		// version. Reactivation out of `inactive` still requires an
		// explicit UpdateActive/SetStatus call in this branch, matching
		// the original's behavior of only flipping status on an actual
		// version write.
		registerAndMonitor(p, existing)
		return existing, nil
	}

	candidate.Version = time.Now().UnixNano()
	candidate.LastActive = existing.LastActive
	candidate.Status = models.TaskEnabled
	if existing.Status != models.TaskInactive {
		candidate.Status = existing.Status
	}
	if err := rt.Store.InsertTaskVersion(ctx, candidate); err != nil {
		return models.Task{}, fmt.Errorf("tasks: create: writing new version: %w", err)
	}
	registerAndMonitor(p, candidate)
	return candidate, nil
}

func registerAndMonitor(p CreateParams, t models.Task) {
	if p.RegisterWithRunner && p.Registrar != nil {
		p.Registrar.RegisterTask(t)
	}
	for _, m := range p.Monitors {
		m.AddTask(t.TaskID)
	}
}

// SetStatus writes a new version with the given status and a
// human-readable note.
func SetStatus(ctx context.Context, rt *runtime.Runtime, taskID string, status models.TaskStatus, notes string) (models.Task, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Task{}, err
	}
	existing, err := rt.Store.LatestTask(ctx, taskID)
	if err != nil {
		return models.Task{}, fmt.Errorf("tasks: set_status: %w", err)
	}
	next := existing
	next.Version = time.Now().UnixNano()
	next.Status = status
	next.Notes = notes
	if err := rt.Store.InsertTaskVersion(ctx, next); err != nil {
		return models.Task{}, fmt.Errorf("tasks: set_status: %w", err)
	}
	return next, nil
}

// UpdateActive refreshes last_active on the current version. If the
// task's status is "inactive", it is reactivated to "enabled" first
// (via a version write) before the heartbeat is recorded.
func UpdateActive(ctx context.Context, rt *runtime.Runtime, taskID string) (models.Task, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Task{}, err
	}
	existing, err := rt.Store.LatestTask(ctx, taskID)
	if err != nil {
		return models.Task{}, fmt.Errorf("tasks: update_active: %w", err)
	}
	if existing.Status == models.TaskInactive {
		existing, err = SetStatus(ctx, rt, taskID, models.TaskEnabled, "Reactivated by update_active")
		if err != nil {
			return models.Task{}, err
		}
	}
	now := time.Now()
	if err := rt.Store.UpdateLastActive(ctx, taskID, existing.Version, encodeHeartbeat(now)); err != nil {
		return models.Task{}, fmt.Errorf("tasks: update_active: %w", err)
	}
	existing.LastActive = now
	return existing, nil
}

func encodeHeartbeat(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Get returns the latest version for id, or (zero, false, nil) if none
// exists.
func Get(ctx context.Context, rt *runtime.Runtime, taskID string) (models.Task, bool, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return models.Task{}, false, err
	}
	t, err := rt.Store.LatestTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("tasks: get: %w", err)
	}
	return t, true, nil
}

// GetAll returns the latest version of every task.
func GetAll(ctx context.Context, rt *runtime.Runtime) ([]models.Task, error) {
	if err := runtime.ConfirmInitialised(); err != nil {
		return nil, err
	}
	ts, err := rt.Store.AllLatestTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("tasks: get_all: %w", err)
	}
	return ts, nil
}

// GetLastScheduled returns the most recent past cron tick for
// schedule, relative to now.
func GetLastScheduled(schedule models.ScheduleSet) (time.Time, error) {
	sched, err := cronutil.Parse(schedule.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return cronutil.GetPrev(sched, time.Now())
}

// GetTimeBetweenRuns estimates the tick interval of schedule, used by
// the bounded-window get_latest query.
func GetTimeBetweenRuns(schedule models.ScheduleSet) (time.Duration, error) {
	sched, err := cronutil.Parse(schedule.CronExpression)
	if err != nil {
		return 0, err
	}
	return cronutil.TimeBetweenRuns(sched, time.Now()), nil
}
