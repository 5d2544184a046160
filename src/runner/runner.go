// SPDX-License-Identifier: MIT
// Package runner implements the Task Runner (spec.md §4.4): one
// worker loop per thread_group, liveness heartbeats, timeout
// enforcement and the per-run execution protocol. Grounded on
// _examples/original_source/core/task_runner.py's ThreadHandler and
// TaskRunner classes.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/modcall"
	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/runtime"
	"github.com/AvantDataSolutions/orcha-sub000/src/tasks"
)

// DefaultTaskTimeout matches the original's TaskRunner.task_timeout
// default of 1800 seconds, used when a run's config carries none.
const DefaultTaskTimeout = 1800 * time.Second

// BaseThreadGroup is the fallback group used when UseThreadGroups is
// false, matching the original's BASE_THREAD_GROUP.
const BaseThreadGroup = "_base"

const tickInterval = 15 * time.Second

// TaskFunction is the task's effectful entry point. Implementations
// call into modcall.Invoke for every module operation they perform, so
// that retries and timings land in rc and are observable by the
// heartbeat.
type TaskFunction func(ctx context.Context, rt *runtime.Runtime, task models.Task, run *models.Run, rc *modcall.RunContext) error

// Runner owns one worker loop per thread_group. It implements
// tasks.Registrar so tasks.Create can (re)bind it on every call.
type Runner struct {
	rt              *runtime.Runtime
	log             *slog.Logger
	taskTimeout     time.Duration
	useThreadGroups bool

	mu       sync.Mutex
	handlers map[string]TaskFunction
	groups   map[string]*group
}

// New builds a Runner. taskTimeout is the default applied when a run's
// config carries no "timeout" key; pass 0 to use DefaultTaskTimeout.
func New(rt *runtime.Runtime, log *slog.Logger, taskTimeout time.Duration, useThreadGroups bool) *Runner {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		rt:              rt,
		log:             log,
		taskTimeout:     taskTimeout,
		useThreadGroups: useThreadGroups,
		handlers:        make(map[string]TaskFunction),
		groups:          make(map[string]*group),
	}
}

// Bind associates a task id with the function invoked for its runs.
// Must be called before (or at the same time as) tasks.Create so that
// RegisterTask has something to dispatch to.
func (r *Runner) Bind(taskID string, fn TaskFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskID] = fn
}

// RegisterTask implements tasks.Registrar. It places the task into the
// worker group named by its thread_group (or BaseThreadGroup if
// UseThreadGroups is false), replacing any existing entry with the
// same id.
func (r *Runner) RegisterTask(task models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groupName := task.ThreadGroup
	if !r.useThreadGroups || groupName == "" {
		groupName = BaseThreadGroup
	}
	g, ok := r.groups[groupName]
	if !ok {
		g = newGroup(groupName)
		r.groups[groupName] = g
	}
	g.setTask(task)
}

// group is one thread_group's worker loop and task set.
type group struct {
	name string

	mu    sync.Mutex
	tasks map[string]models.Task

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newGroup(name string) *group {
	return &group{name: name, tasks: make(map[string]models.Task)}
}

func (g *group) setTask(t models.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[t.TaskID] = t
}

func (g *group) snapshot() []models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

func (g *group) isAlive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// StartAll starts every registered group's worker loop, skipping
// BaseThreadGroup unless it was the only group explicitly registered
// (i.e. UseThreadGroups was false), matching the original's
// start_all/stop_all behavior of not auto-starting the base group.
func (r *Runner) StartAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, g := range r.groups {
		if name == BaseThreadGroup && !r.useThreadGroups {
			r.startGroup(ctx, g)
			continue
		}
		if name == BaseThreadGroup {
			continue
		}
		r.startGroup(ctx, g)
	}
}

func (r *Runner) startGroup(ctx context.Context, g *group) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	gctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running = true
	g.mu.Unlock()

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return
			case <-ticker.C:
				if err := r.processGroupOnce(gctx, g); err != nil {
					r.log.Error("runner: group tick failed", "group", g.name, "error", err)
				}
			}
		}
	}()
}

// StopAll cancels every running group loop and waits for them to exit.
func (r *Runner) StopAll() {
	r.mu.Lock()
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		if !g.running {
			g.mu.Unlock()
			continue
		}
		cancel := g.cancel
		done := g.done
		g.running = false
		g.mu.Unlock()
		cancel()
		<-done
	}
}

// AllAlive reports whether every registered group's loop is running.
// A group that was never started (or has been stopped) counts as not
// alive, so this is false before StartAll.
func (r *Runner) AllAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if !g.isAlive() {
			return false
		}
	}
	return true
}

// ProcessAllOnce synchronously drives every group's task set through
// one heartbeat+dequeue pass without a ticking goroutine — the
// original's ThreadHandler.process_all_tasks/TaskRunner.process_all_tasks,
// kept for deterministic tests (SPEC_FULL.md §4).
func (r *Runner) ProcessAllOnce(ctx context.Context) error {
	r.mu.Lock()
	groups := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		if err := r.processGroupOnce(ctx, g); err != nil {
			return fmt.Errorf("runner: process %s: %w", g.name, err)
		}
	}
	return nil
}

// processGroupOnce heartbeats every task the group owns (so a
// long-running run in this group doesn't make sibling tasks look
// stale) and then processes each task's queued runs.
func (r *Runner) processGroupOnce(ctx context.Context, g *group) error {
	for _, t := range g.snapshot() {
		if _, err := tasks.UpdateActive(ctx, r.rt, t.TaskID); err != nil {
			r.log.Warn("runner: heartbeat failed", "task", t.TaskID, "error", err)
		}
	}
	for _, t := range g.snapshot() {
		if err := r.processTask(ctx, g, t); err != nil {
			r.log.Error("runner: task processing failed", "task", t.TaskID, "error", err)
		}
	}
	return nil
}

func (r *Runner) fnFor(taskID string) (TaskFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.handlers[taskID]
	return fn, ok
}
