// SPDX-License-Identifier: MIT
// Package models holds the durable entities shared by the store, task
// model, run model and broker: Task, ScheduleSet, Run, Consumer and
// Message, plus the Run state machine predicate.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle status of a Task version.
type TaskStatus string

const (
	TaskEnabled  TaskStatus = "enabled"
	TaskDisabled TaskStatus = "disabled"
	TaskInactive TaskStatus = "inactive"
	TaskDeleted  TaskStatus = "deleted"
)

// RunStatus is the committed, persisted status of a Run row. "pending"
// is intentionally absent here: it is never written to the store (see
// runs.Progress).
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunWarn      RunStatus = "warn"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunType identifies how a Run came to exist.
type RunType string

const (
	RunScheduled RunType = "scheduled"
	RunManual    RunType = "manual"
	RunRetry     RunType = "retry"
	RunTriggered RunType = "triggered"
)

// JSONMap is an open-schema structured map, used for Task metadata/tags
// and Run config/output. It deep-merges on Scan/write the way the
// Python `dict.update` contract does: top-level keys from the newer
// map win, nested structures are replaced wholesale, not merged.
type JSONMap map[string]any

// Merge returns a new JSONMap with other's keys overlaid on m's keys.
// Nested maps/slices in other replace m's corresponding key entirely.
func (m JSONMap) Merge(other JSONMap) JSONMap {
	out := make(JSONMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Clone deep-copies via a JSON round-trip, matching the Python source's
// use of copy.deepcopy before merging output.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return JSONMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out JSONMap
	if err := json.Unmarshal(b, &out); err != nil {
		return JSONMap{}
	}
	return out
}

// TriggerTask names a successor task+schedule to run when this
// ScheduleSet's run completes successfully.
type TriggerTask struct {
	TaskID string `json:"task_id"`
	SetID  string `json:"set_id,omitempty"`
}

// ScheduleSet is a (cron, config, optional trigger) triple attached to
// a Task. SetID is derived as "{task_id}_{cron_expression}" on
// insertion and is unset until attached to a task.
type ScheduleSet struct {
	SetID          string       `json:"set_id"`
	CronExpression string       `json:"cron_expression"`
	Config         JSONMap      `json:"config"`
	TriggerTask    *TriggerTask `json:"trigger_task,omitempty"`
}

// DeriveSetID computes the set_id for a schedule attached to taskID.
func DeriveSetID(taskID, cronExpression string) string {
	return fmt.Sprintf("%s_%s", taskID, cronExpression)
}

// Task is a durable, identifiable unit of work with one or more cron
// schedules. Only the row with the greatest Version for a given TaskID
// is authoritative; "latest version" reads are used everywhere.
type Task struct {
	TaskID       string        `json:"task_id"`
	Version      int64         `json:"version"`
	Metadata     JSONMap       `json:"metadata"`
	Tags         JSONMap       `json:"tags"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	ScheduleSets []ScheduleSet `json:"schedule_sets"`
	ThreadGroup  string        `json:"thread_group"`
	LastActive   time.Time     `json:"last_active"`
	Status       TaskStatus    `json:"status"`
	Notes        string        `json:"notes"`
}

// ScheduleByID returns the ScheduleSet with the given SetID, if any.
func (t Task) ScheduleByID(setID string) (ScheduleSet, bool) {
	for _, s := range t.ScheduleSets {
		if s.SetID == setID {
			return s, true
		}
	}
	return ScheduleSet{}, false
}

// IdentityEqual reports whether the identity-shaping fields of two
// tasks are equal: metadata, tags, name, description, schedule sets,
// thread group. Status and last_active are intentionally excluded —
// those are handled by set_status/update_active, not by create's
// idempotency check.
func (t Task) IdentityEqual(other Task) bool {
	if t.Name != other.Name || t.Description != other.Description || t.ThreadGroup != other.ThreadGroup {
		return false
	}
	if !jsonEqual(t.Metadata, other.Metadata) || !jsonEqual(t.Tags, other.Tags) {
		return false
	}
	if len(t.ScheduleSets) != len(other.ScheduleSets) {
		return false
	}
	for i := range t.ScheduleSets {
		a, b := t.ScheduleSets[i], other.ScheduleSets[i]
		if a.SetID != b.SetID || a.CronExpression != b.CronExpression {
			return false
		}
		if !jsonEqual(a.Config, b.Config) {
			return false
		}
		if (a.TriggerTask == nil) != (b.TriggerTask == nil) {
			return false
		}
		if a.TriggerTask != nil && *a.TriggerTask != *b.TriggerTask {
			return false
		}
	}
	return true
}

func jsonEqual(a, b JSONMap) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Run is a single execution attempt of a task at a particular
// scheduled time, durably tracked through the run state machine.
type Run struct {
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	SetID         string    `json:"set_id"`
	RunType       RunType   `json:"run_type"`
	ScheduledTime time.Time `json:"scheduled_time"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	LastActive    time.Time `json:"last_active"`
	Config        JSONMap   `json:"config"`
	Status        RunStatus `json:"status"`
	Output        JSONMap   `json:"output"`
}

// transitions enumerates the allowed RunStatus edges per spec: queued
// -> running -> {success, warn, failed, cancelled}; running -> warn ->
// {failed, cancelled}; queued -> failed for a run that never started;
// * -> cancelled always permitted; failed and cancelled are terminal.
var transitions = map[RunStatus]map[RunStatus]bool{
	RunQueued: {
		RunRunning:   true,
		RunFailed:    true,
		RunCancelled: true,
	},
	RunRunning: {
		RunSuccess:   true,
		RunWarn:      true,
		RunFailed:    true,
		RunCancelled: true,
	},
	RunWarn: {
		RunFailed:    true,
		RunCancelled: true,
	},
	RunSuccess:   {},
	RunFailed:    {},
	RunCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is a
// permitted edge. Self-transitions used by the idempotent setters
// (e.g. failed->failed) are handled by the callers, not here.
func CanTransition(from, to RunStatus) bool {
	if to == RunCancelled {
		return true
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether status has no further outbound edges:
// success, failed and cancelled are all dead ends in transitions above.
// warn is excluded even though it is a resting state, since it can
// still move on to failed or cancelled.
func IsTerminal(status RunStatus) bool {
	return status == RunSuccess || status == RunFailed || status == RunCancelled
}

// Consumer is a broker-side registration: (channel, name) is unique,
// url is the delivery endpoint.
type Consumer struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	URL     string `json:"url"`
}

// Message is a broker-persisted delivery record.
type Message struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	AckedAt      *time.Time `json:"acked_at,omitempty"`
	Channel      string    `json:"channel"`
	ConsumerName string    `json:"consumer_name"`
	Body         json.RawMessage `json:"message"`
	Acked        bool      `json:"acked"`
	SendStatus   string    `json:"send_status"`
}

// RunFailedMessage is the payload of the `run_failed` channel.
type RunFailedMessage struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

const RunFailedChannel = "run_failed"
