// SPDX-License-Identifier: MIT
package tasks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
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

type fakeRegistrar struct {
	registered []models.Task
}

func (f *fakeRegistrar) RegisterTask(t models.Task) {
	f.registered = append(f.registered, t)
}

type fakeMonitor struct {
	watched []string
}

func (f *fakeMonitor) AddTask(taskID string) {
	f.watched = append(f.watched, taskID)
}

func TestCreateIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	reg := &fakeRegistrar{}

	params := CreateParams{
		TaskID:             "sync-customers",
		Name:               "Sync Customers",
		ThreadGroup:        "etl",
		ScheduleSets:       []models.ScheduleSet{{CronExpression: "0 0 * * *"}},
		Registrar:          reg,
		RegisterWithRunner: true,
	}

	first, err := Create(ctx, rt, params)
	if err != nil {
		t.Fatalf("Create (first): %v", err)
	}
	second, err := Create(ctx, rt, params)
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if first.Version != second.Version {
		t.Errorf("identical Create calls produced different versions: %d != %d", first.Version, second.Version)
	}
	if len(reg.registered) != 2 {
		t.Errorf("expected RegisterTask called on every Create regardless of version write, got %d calls", len(reg.registered))
	}
}

func TestCreateWritesNewVersionOnIdentityChange(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	params := CreateParams{TaskID: "t1", Name: "v1", ThreadGroup: "etl"}
	first, err := Create(ctx, rt, params)
	if err != nil {
		t.Fatalf("Create (first): %v", err)
	}

	params.Name = "v2"
	second, err := Create(ctx, rt, params)
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if second.Version == first.Version {
		t.Error("expected a new version to be written after an identity-shaping change")
	}
	if second.Name != "v2" {
		t.Errorf("Create().Name = %q, want %q", second.Name, "v2")
	}
}

func TestCreateReactivatesInactiveTask(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	params := CreateParams{TaskID: "t1", Name: "v1", ThreadGroup: "etl"}
	if _, err := Create(ctx, rt, params); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := SetStatus(ctx, rt, "t1", models.TaskInactive, "paused"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	params.Description = "now with a description, forcing a version write"
	reactivated, err := Create(ctx, rt, params)
	if err != nil {
		t.Fatalf("Create (reactivate): %v", err)
	}
	if reactivated.Status != models.TaskEnabled {
		t.Errorf("Create() after inactive = status %q, want enabled", reactivated.Status)
	}
}

func TestCreateAttachesMonitors(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	mon := &fakeMonitor{}

	params := CreateParams{TaskID: "t1", Name: "v1", ThreadGroup: "etl", Monitors: []Monitor{mon}}
	if _, err := Create(ctx, rt, params); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(mon.watched) != 1 || mon.watched[0] != "t1" {
		t.Errorf("monitor.watched = %v, want [\"t1\"]", mon.watched)
	}
}

func TestGetMissing(t *testing.T) {
	rt := newTestRuntime(t)
	_, found, err := Get(context.Background(), rt, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get(missing) found = true, want false")
	}
}

func TestUpdateActiveReactivatesInactive(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if _, err := Create(ctx, rt, CreateParams{TaskID: "t1", Name: "v1", ThreadGroup: "etl"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := SetStatus(ctx, rt, "t1", models.TaskInactive, "paused"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	updated, err := UpdateActive(ctx, rt, "t1")
	if err != nil {
		t.Fatalf("UpdateActive: %v", err)
	}
	if updated.Status != models.TaskEnabled {
		t.Errorf("UpdateActive() status = %q, want enabled", updated.Status)
	}
}
