// SPDX-License-Identifier: MIT
package monitor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runs"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
)

type fakeAlerter struct {
	alerts []string
}

func (f *fakeAlerter) Alert(ctx context.Context, taskID, message string) {
	f.alerts = append(f.alerts, taskID+": "+message)
}

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

func seedRun(t *testing.T, rt *runtime.Runtime, taskID string, status models.RunStatus, age time.Duration) models.Run {
	t.Helper()
	task := models.Task{TaskID: taskID, ThreadGroup: "etl"}
	schedule := models.ScheduleSet{SetID: taskID + "_manual"}
	run, err := runs.Create(context.Background(), rt, task, schedule, models.RunManual, time.Now().Add(-age))
	if err != nil {
		t.Fatalf("runs.Create: %v", err)
	}
	if status == models.RunQueued {
		return run
	}
	if _, err := runs.SetRunning(context.Background(), rt, run.RunID); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	switch status {
	case models.RunSuccess:
		run, err = runs.SetSuccess(context.Background(), rt, run.RunID, nil)
	case models.RunFailed:
		run, err = runs.SetFailed(context.Background(), rt, run.RunID, nil)
	}
	if err != nil {
		t.Fatalf("set status %v: %v", status, err)
	}
	return run
}

func TestHandleRunFailedIgnoresUnwatchedTask(t *testing.T) {
	rt := newTestRuntime(t)
	alerter := &fakeAlerter{}
	m := New(rt, alerter, 7, 1)

	payload, _ := json.Marshal(models.RunFailedMessage{TaskID: "unwatched", RunID: "r1"})
	if err := m.HandleRunFailed(context.Background(), models.RunFailedChannel, "monitor", payload); err != nil {
		t.Fatalf("HandleRunFailed: %v", err)
	}
	if len(alerter.alerts) != 0 {
		t.Errorf("expected no alert for an unwatched task, got %v", alerter.alerts)
	}
}

func TestHandleRunFailedAlertsAboveThreshold(t *testing.T) {
	rt := newTestRuntime(t)
	alerter := &fakeAlerter{}
	m := New(rt, alerter, 7, 1)
	m.AddTask("t1")

	failedRun := seedRun(t, rt, "t1", models.RunFailed, time.Minute)

	payload, _ := json.Marshal(models.RunFailedMessage{TaskID: "t1", RunID: failedRun.RunID})
	if err := m.HandleRunFailed(context.Background(), models.RunFailedChannel, "monitor", payload); err != nil {
		t.Fatalf("HandleRunFailed: %v", err)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %v", alerter.alerts)
	}
}

func TestHandleRunFailedSuppressesAtSaturation(t *testing.T) {
	rt := newTestRuntime(t)
	alerter := &fakeAlerter{}
	m := New(rt, alerter, 7, 1)
	m.AddTask("t1")

	// Seed 5 failed runs (the saturation threshold) at increasing ages
	// so the newest-first ordering the monitor relies on is exercised.
	var last models.Run
	for i := 0; i < 5; i++ {
		last = seedRun(t, rt, "t1", models.RunFailed, time.Duration(5-i)*time.Minute)
	}

	payload, _ := json.Marshal(models.RunFailedMessage{TaskID: "t1", RunID: last.RunID})
	if err := m.HandleRunFailed(context.Background(), models.RunFailedChannel, "monitor", payload); err != nil {
		t.Fatalf("HandleRunFailed: %v", err)
	}
	if len(alerter.alerts) != 0 {
		t.Errorf("expected the alert to be suppressed at saturation, got %v", alerter.alerts)
	}
}

func TestHandleRunFailedRespectsLookbackWindow(t *testing.T) {
	rt := newTestRuntime(t)
	alerter := &fakeAlerter{}
	// lookback of 1: only the single most recent run is inspected, so
	// an old failure outside the window shouldn't count toward alerting
	// a fresh success.
	m := New(rt, alerter, 1, 1)
	m.AddTask("t1")

	seedRun(t, rt, "t1", models.RunFailed, 10*time.Minute)
	successRun := seedRun(t, rt, "t1", models.RunSuccess, time.Minute)

	payload, _ := json.Marshal(models.RunFailedMessage{TaskID: "t1", RunID: successRun.RunID})
	if err := m.HandleRunFailed(context.Background(), models.RunFailedChannel, "monitor", payload); err != nil {
		t.Fatalf("HandleRunFailed: %v", err)
	}
	if len(alerter.alerts) != 0 {
		t.Errorf("expected no alert since the most recent run in the window succeeded, got %v", alerter.alerts)
	}
}
