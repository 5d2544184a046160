// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orcha.db")
	st, err := Open(Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestTaskVersioning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := models.Task{TaskID: "t1", Version: 1, Name: "first", Status: models.TaskEnabled}
	if err := st.InsertTaskVersion(ctx, v1); err != nil {
		t.Fatalf("InsertTaskVersion v1: %v", err)
	}
	v2 := models.Task{TaskID: "t1", Version: 2, Name: "second", Status: models.TaskEnabled}
	if err := st.InsertTaskVersion(ctx, v2); err != nil {
		t.Fatalf("InsertTaskVersion v2: %v", err)
	}

	latest, err := st.LatestTask(ctx, "t1")
	if err != nil {
		t.Fatalf("LatestTask: %v", err)
	}
	if latest.Version != 2 || latest.Name != "second" {
		t.Errorf("LatestTask() = %+v, want version 2 named \"second\"", latest)
	}
}

func TestLatestTaskNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.LatestTask(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("LatestTask(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestRunLifecycleRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run := models.Run{
		RunID:         "r1",
		TaskID:        "t1",
		RunType:       models.RunScheduled,
		ScheduledTime: time.Now(),
		LastActive:    time.Now(),
		Status:        models.RunQueued,
		Output:        models.JSONMap{},
	}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != models.RunQueued {
		t.Errorf("GetRun().Status = %v, want queued", got.Status)
	}

	err = st.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := st.GetRunTx(ctx, tx, "r1")
		if err != nil {
			return err
		}
		cur.Status = models.RunRunning
		now := time.Now()
		cur.StartTime = &now
		return st.UpdateRunTx(ctx, tx, cur)
	})
	if err != nil {
		t.Fatalf("WithTx update: %v", err)
	}

	got, err = st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if got.Status != models.RunRunning || got.StartTime == nil {
		t.Errorf("GetRun() after update = %+v, want running with start_time set", got)
	}
}

func TestRunsSinceOrdersNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, offset := range []time.Duration{0, 10 * time.Minute, 20 * time.Minute} {
		r := models.Run{
			RunID:         "r" + string(rune('a'+i)),
			TaskID:        "t1",
			RunType:       models.RunScheduled,
			ScheduledTime: base.Add(offset),
			LastActive:    time.Now(),
			Status:        models.RunQueued,
			Output:        models.JSONMap{},
		}
		if err := st.InsertRun(ctx, r); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	runs, err := st.RunsSince(ctx, "t1", base.Add(-time.Minute), "", "")
	if err != nil {
		t.Fatalf("RunsSince: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("RunsSince returned %d runs, want 3", len(runs))
	}
	for i := 0; i < len(runs)-1; i++ {
		if runs[i].ScheduledTime.Before(runs[i+1].ScheduledTime) {
			t.Fatalf("RunsSince not newest-first at index %d: %v before %v", i, runs[i].ScheduledTime, runs[i+1].ScheduledTime)
		}
	}
}

func TestPruneRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := models.Run{
		RunID: "old", TaskID: "t1", RunType: models.RunScheduled,
		ScheduledTime: time.Now().Add(-48 * time.Hour), LastActive: time.Now(),
		Status: models.RunSuccess, Output: models.JSONMap{},
	}
	fresh := models.Run{
		RunID: "fresh", TaskID: "t1", RunType: models.RunScheduled,
		ScheduledTime: time.Now(), LastActive: time.Now(),
		Status: models.RunSuccess, Output: models.JSONMap{},
	}
	if err := st.InsertRun(ctx, old); err != nil {
		t.Fatalf("InsertRun old: %v", err)
	}
	if err := st.InsertRun(ctx, fresh); err != nil {
		t.Fatalf("InsertRun fresh: %v", err)
	}

	n, err := st.PruneRuns(ctx, "t1", 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneRuns deleted %d rows, want 1", n)
	}
	if _, err := st.GetRun(ctx, "fresh"); err != nil {
		t.Errorf("fresh run should survive prune: %v", err)
	}
	if _, err := st.GetRun(ctx, "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old run should be pruned, got err=%v", err)
	}
}

func TestConsumerRegistration(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c := models.Consumer{Channel: "run_failed", Name: "monitor", URL: "http://127.0.0.1:8421"}
	if err := st.UpsertConsumer(ctx, c); err != nil {
		t.Fatalf("UpsertConsumer: %v", err)
	}

	all, err := st.AllConsumers(ctx)
	if err != nil {
		t.Fatalf("AllConsumers: %v", err)
	}
	if len(all) != 1 || all[0].Name != "monitor" {
		t.Fatalf("AllConsumers() = %+v, want one consumer named monitor", all)
	}

	if err := st.DeleteConsumer(ctx, "run_failed", "monitor"); err != nil {
		t.Fatalf("DeleteConsumer: %v", err)
	}
	all, err = st.AllConsumers(ctx)
	if err != nil {
		t.Fatalf("AllConsumers after delete: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("AllConsumers() after delete = %+v, want empty", all)
	}
}
