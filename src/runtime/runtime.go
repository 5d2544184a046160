// SPDX-License-Identifier: MIT
// Package runtime models the "process-wide initialise()" from
// spec.md's Design Notes §9: a single object constructed once per
// process, holding the store handle, broker producer, monitor config
// and log sink, injected into every subsystem instead of each package
// reaching for package-level globals the way
// _examples/original_source/core/tasks.py's confirm_initialised()
// does.
package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/AvantDataSolutions/orcha-sub000/src/logsink"
	"github.com/AvantDataSolutions/orcha-sub000/src/metrics"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
)

// ErrNotInitialised is returned by any task/run operation performed
// before Initialise, mirroring the original's "not initialised" guard
// error (core/tasks.py confirm_initialised).
var ErrNotInitialised = errors.New("runtime: not initialised")

// Producer publishes a message to a named channel via the broker. It
// is satisfied by *mqueue.Producer; defined here (rather than imported
// from mqueue) so runtime does not depend on the broker package —
// mqueue depends on runtime, not the other way around.
type Producer interface {
	SendMessage(ctx context.Context, channel string, body []byte) error
}

// Runtime is the process-wide composition object: constructed once in
// main, then threaded into tasks, runs, scheduler, runner and mqueue.
type Runtime struct {
	Store    *store.Store
	Producer Producer
	Log      logsink.Sink
	AppName  string
	// Metrics is optional; every call site nil-checks before use so a
	// Runtime built without it (tests, skip-check mode) still works.
	Metrics *metrics.Collectors

	mu          sync.RWMutex
	initialised bool

	skipCheck bool
}

var global struct {
	mu sync.RWMutex
	rt *Runtime
}

// Initialise constructs the process-wide Runtime and installs it as
// the package-level default consulted by ConfirmInitialised. appName
// matches the original's LogManager app label.
func Initialise(st *store.Store, producer Producer, log logsink.Sink, appName string, mtx *metrics.Collectors) *Runtime {
	rt := &Runtime{
		Store:       st,
		Producer:    producer,
		Log:         log,
		AppName:     appName,
		Metrics:     mtx,
		initialised: true,
	}
	global.mu.Lock()
	global.rt = rt
	global.mu.Unlock()
	return rt
}

// Current returns the process-wide Runtime installed by Initialise, or
// nil if none has been installed yet.
func Current() *Runtime {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.rt
}

// ConfirmInitialised returns ErrNotInitialised unless Initialise has
// run (or SkipInitialisationCheck is in effect) — the "not initialised"
// error named in spec.md §6 Initialization contract.
func ConfirmInitialised() error {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.rt != nil && global.rt.skipCheck {
		return nil
	}
	if global.rt == nil || !global.rt.initialised {
		return ErrNotInitialised
	}
	return nil
}

// SkipInitialisationCheck is the test-only escape hatch named in
// spec.md §6: it lets unit tests exercise tasks/runs operations
// against a Runtime that was constructed directly (not through
// Initialise) without tripping ConfirmInitialised.
func (rt *Runtime) SkipInitialisationCheck() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.skipCheck = true
	global.mu.Lock()
	if global.rt == nil {
		global.rt = rt
	}
	global.mu.Unlock()
}
