// SPDX-License-Identifier: MIT
package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runs"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
	"github.com/AvantDataSolutions/orcha-sub000/src/tasks"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "orcha.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rt := &runtime.Runtime{Store: st}
	rt.SkipInitialisationCheck()
	return rt
}

func TestProcessSchedulesOnceCreatesDueRun(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := tasks.Create(ctx, rt, tasks.CreateParams{
		TaskID:      "t1",
		Name:        "every minute",
		ThreadGroup: "etl",
		ScheduleSets: []models.ScheduleSet{
			{CronExpression: "* * * * *"},
		},
	})
	if err != nil {
		t.Fatalf("tasks.Create: %v", err)
	}

	sched := New(rt, nil, Config{TaskRefreshInterval: time.Minute}, nil)
	sched.ProcessSchedulesOnce(ctx)

	all, err := runs.GetAll(ctx, rt, "t1", time.Time{}, "", "")
	if err != nil {
		t.Fatalf("runs.GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one run created, got %d", len(all))
	}
	if all[0].RunType != models.RunScheduled {
		t.Errorf("run_type = %q, want scheduled", all[0].RunType)
	}

	// A second tick without the clock advancing should not duplicate the run.
	sched.ProcessSchedulesOnce(ctx)
	all, err = runs.GetAll(ctx, rt, "t1", time.Time{}, "", "")
	if err != nil {
		t.Fatalf("runs.GetAll (second tick): %v", err)
	}
	if len(all) != 1 {
		t.Errorf("second tick created a duplicate run: now have %d", len(all))
	}
}

func TestProcessSchedulesOnceSkipsDisabledTask(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := tasks.Create(ctx, rt, tasks.CreateParams{
		TaskID:      "t1",
		Name:        "disabled task",
		ThreadGroup: "etl",
		ScheduleSets: []models.ScheduleSet{
			{CronExpression: "* * * * *"},
		},
	})
	if err != nil {
		t.Fatalf("tasks.Create: %v", err)
	}
	if _, err := tasks.SetStatus(ctx, rt, "t1", models.TaskDisabled, "off"); err != nil {
		t.Fatalf("tasks.SetStatus: %v", err)
	}

	sched := New(rt, nil, Config{TaskRefreshInterval: time.Minute}, nil)
	sched.ProcessSchedulesOnce(ctx)

	all, err := runs.GetAll(ctx, rt, "t1", time.Time{}, "", "")
	if err != nil {
		t.Fatalf("runs.GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("disabled task should not get a run, got %d", len(all))
	}
}

func TestFailHistoricalOnceFailsOldOpenRuns(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	task, err := tasks.Create(ctx, rt, tasks.CreateParams{TaskID: "t1", Name: "n", ThreadGroup: "etl"})
	if err != nil {
		t.Fatalf("tasks.Create: %v", err)
	}
	schedule := models.ScheduleSet{SetID: "t1_manual"}
	oldRun, err := runs.Create(ctx, rt, task, schedule, models.RunManual, time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("runs.Create: %v", err)
	}

	sched := New(rt, nil, Config{FailHistoricalRuns: true, FailHistoricalAge: time.Hour}, nil)
	sched.allTasks = []models.Task{task}
	sched.FailHistoricalOnce(ctx)

	got, err := runs.Get(ctx, rt, oldRun.RunID)
	if err != nil {
		t.Fatalf("runs.Get: %v", err)
	}
	if got.Status != models.RunFailed {
		t.Errorf("old open run status = %q, want failed", got.Status)
	}
}

func TestPruneOnceDeletesOldRuns(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	task, err := tasks.Create(ctx, rt, tasks.CreateParams{TaskID: "t1", Name: "n", ThreadGroup: "etl"})
	if err != nil {
		t.Fatalf("tasks.Create: %v", err)
	}
	schedule := models.ScheduleSet{SetID: "t1_manual"}
	if _, err := runs.Create(ctx, rt, task, schedule, models.RunManual, time.Now().Add(-365*24*time.Hour)); err != nil {
		t.Fatalf("runs.Create: %v", err)
	}

	sched := New(rt, nil, Config{PruneRunsMaxAge: 24 * time.Hour}, nil)
	sched.allTasks = []models.Task{task}
	sched.PruneOnce(ctx)

	all, err := runs.GetAll(ctx, rt, "t1", time.Time{}, "", "")
	if err != nil {
		t.Fatalf("runs.GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected the old run to be pruned, got %d remaining", len(all))
	}
}
