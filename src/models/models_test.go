// SPDX-License-Identifier: MIT
package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunCancelled, true},
		{RunQueued, RunSuccess, false},
		{RunRunning, RunSuccess, true},
		{RunRunning, RunWarn, true},
		{RunRunning, RunFailed, true},
		{RunWarn, RunFailed, true},
		{RunWarn, RunCancelled, true},
		{RunWarn, RunSuccess, false},
		{RunSuccess, RunRunning, false},
		{RunFailed, RunRunning, false},
		{RunCancelled, RunRunning, false},
		{RunFailed, RunCancelled, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []RunStatus{RunSuccess, RunFailed, RunCancelled}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	nonTerminal := []RunStatus{RunQueued, RunRunning, RunWarn}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestJSONMapMerge(t *testing.T) {
	base := JSONMap{"a": 1, "nested": JSONMap{"x": 1, "y": 2}}
	patch := JSONMap{"b": 2, "nested": JSONMap{"x": 9}}
	merged := base.Merge(patch)

	if merged["a"] != 1 || merged["b"] != 2 {
		t.Fatalf("top-level keys not merged correctly: %#v", merged)
	}
	nested, ok := merged["nested"].(JSONMap)
	if !ok {
		t.Fatalf("nested value has wrong type: %#v", merged["nested"])
	}
	if _, hasY := nested["y"]; hasY {
		t.Errorf("nested map was merged instead of replaced wholesale: %#v", nested)
	}
	if nested["x"] != 9 {
		t.Errorf("nested replacement value missing: %#v", nested)
	}

	// base must be unmodified.
	if _, ok := base["b"]; ok {
		t.Errorf("Merge mutated the receiver: %#v", base)
	}
}

func TestJSONMapClone(t *testing.T) {
	original := JSONMap{"a": float64(1), "nested": map[string]any{"x": float64(2)}}
	clone := original.Clone()

	nested := clone["nested"].(map[string]any)
	nested["x"] = float64(99)

	origNested := original["nested"].(map[string]any)
	if origNested["x"] != float64(2) {
		t.Errorf("Clone did not deep-copy nested structures, original mutated to %v", origNested["x"])
	}
}

func TestJSONMapCloneNil(t *testing.T) {
	var m JSONMap
	clone := m.Clone()
	if clone == nil {
		t.Fatal("Clone of nil map returned nil, want empty map")
	}
	if len(clone) != 0 {
		t.Errorf("Clone of nil map returned non-empty: %#v", clone)
	}
}

func TestTaskIdentityEqual(t *testing.T) {
	base := Task{
		Name:        "sync-customers",
		Description: "syncs customers nightly",
		ThreadGroup: "etl",
		Metadata:    JSONMap{"owner": "data-team"},
		ScheduleSets: []ScheduleSet{
			{SetID: "t1_0 0 * * *", CronExpression: "0 0 * * *", Config: JSONMap{"full": true}},
		},
	}

	same := base
	same.Status = TaskEnabled
	same.LastActive = base.LastActive
	if !base.IdentityEqual(same) {
		t.Error("tasks differing only in status/last_active should be identity-equal")
	}

	differentSchedule := base
	differentSchedule.ScheduleSets = []ScheduleSet{
		{SetID: "t1_0 0 * * *", CronExpression: "0 0 * * *", Config: JSONMap{"full": false}},
	}
	if base.IdentityEqual(differentSchedule) {
		t.Error("tasks with different schedule config should not be identity-equal")
	}

	differentName := base
	differentName.Name = "sync-vendors"
	if base.IdentityEqual(differentName) {
		t.Error("tasks with different names should not be identity-equal")
	}
}

func TestScheduleByID(t *testing.T) {
	task := Task{ScheduleSets: []ScheduleSet{
		{SetID: "a"}, {SetID: "b"},
	}}
	if _, ok := task.ScheduleByID("a"); !ok {
		t.Error("expected to find schedule \"a\"")
	}
	if _, ok := task.ScheduleByID("missing"); ok {
		t.Error("expected not to find schedule \"missing\"")
	}
}

func TestDeriveSetID(t *testing.T) {
	got := DeriveSetID("t1", "0 0 * * *")
	want := "t1_0 0 * * *"
	if got != want {
		t.Errorf("DeriveSetID() = %q, want %q", got, want)
	}
}
