// SPDX-License-Identifier: MIT
// Package monitor implements the FailedRunsMonitor (spec.md §4.8):
// subscribes to run_failed, applies a saturation policy, and emits
// alerts through an injected sink. Grounded on
// _examples/original_source/core/notify.py's alerting pattern and
// wired as an mqueue.Callback.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runs"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
)

// Alerter is the injected sink that receives a formatted alert. The
// default implementation logs via log/slog; a monitoring client can
// supply its own (webhook, pager, email).
type Alerter interface {
	Alert(ctx context.Context, taskID, message string)
}

// LogAlerter is the default Alerter, backed by log/slog.
type LogAlerter struct {
	Log *slog.Logger
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(ctx context.Context, taskID, message string) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("monitor: alert", "task_id", taskID, "message", message)
}

const (
	// defaultLookback is the number of recent runs inspected per
	// failure ("last N runs", default 7).
	defaultLookback = 7
	// defaultThreshold is the failure count at/above which an alert
	// fires, absent saturation.
	defaultThreshold = 1
	// saturationThreshold is the failure count at/above which the
	// alert is suppressed instead, protecting an already-alerted
	// caller from repeat noise.
	saturationThreshold = 5
)

// FailedRunsMonitor implements tasks.Monitor (via AddTask) and reacts
// to run_failed broker messages for the task ids attached to it.
type FailedRunsMonitor struct {
	rt        *runtime.Runtime
	alerter   Alerter
	lookback  int
	threshold int

	mu     sync.RWMutex
	taskIDs map[string]struct{}
}

// New builds a FailedRunsMonitor. alerter may be nil, in which case a
// LogAlerter is used.
func New(rt *runtime.Runtime, alerter Alerter, lookback, threshold int) *FailedRunsMonitor {
	if alerter == nil {
		alerter = &LogAlerter{}
	}
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &FailedRunsMonitor{
		rt:        rt,
		alerter:   alerter,
		lookback:  lookback,
		threshold: threshold,
		taskIDs:   make(map[string]struct{}),
	}
}

// AddTask implements tasks.Monitor: attaches taskID to this monitor's
// watch set.
func (m *FailedRunsMonitor) AddTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskIDs[taskID] = struct{}{}
}

func (m *FailedRunsMonitor) watches(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.taskIDs[taskID]
	return ok
}

// HandleRunFailed is the mqueue.Callback bound to the run_failed
// channel (spec.md §4.8). It ignores messages for tasks this monitor
// was not attached to.
func (m *FailedRunsMonitor) HandleRunFailed(ctx context.Context, channel, consumerName string, message json.RawMessage) error {
	var payload models.RunFailedMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		return fmt.Errorf("monitor: decode run_failed: %w", err)
	}
	if !m.watches(payload.TaskID) {
		return nil
	}

	recent, err := runs.GetAll(ctx, m.rt, payload.TaskID, time.Time{}, "", "")
	if err != nil {
		return fmt.Errorf("monitor: loading recent runs: %w", err)
	}
	// GetAll orders newest-first; the most recent N runs are the head,
	// not the tail.
	if len(recent) > m.lookback {
		recent = recent[:m.lookback]
	}

	failedCount := 0
	for _, r := range recent {
		if r.Status == models.RunFailed {
			failedCount++
		}
	}

	if failedCount >= saturationThreshold {
		// Reputation protection: the caller has already been alerted
		// enough; stay quiet rather than pile on.
		return nil
	}
	if failedCount >= m.threshold {
		m.alerter.Alert(ctx, payload.TaskID, fmt.Sprintf(
			"task %s: run %s failed (%d of last %d runs failed)",
			payload.TaskID, payload.RunID, failedCount, len(recent),
		))
	}
	return nil
}
