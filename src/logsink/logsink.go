// SPDX-License-Identifier: MIT
// Package logsink provides the append-only structured event log named
// in spec.md §2 ("Log Sink"), grounded on
// _examples/original_source/utils/log.py's LogManager: a caller (today
// the scheduler) calls AddEntry with a small category/text/json triple
// instead of emitting free-text logs for anything that should be
// queryable or prunable later.
package logsink

import (
	"context"
	"encoding/json"
	"time"
)

// Sink is the append-only log contract. It deliberately has no read or
// update methods: entries are written once and pruned by age, never
// edited.
type Sink interface {
	AddEntry(ctx context.Context, source, category, text string, payload map[string]any) error
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
}

// logStore is the subset of *store.Store that the sink needs, kept
// narrow so this package doesn't import store's full surface.
type logStore interface {
	InsertLogEntry(ctx context.Context, source, category, text, entryJSON string) error
	PruneLogs(ctx context.Context, maxAge time.Duration) (int, error)
}

// StoreSink is the durable Sink backed by the orchestrator store's
// logs table.
type StoreSink struct {
	store  logStore
	source string
}

// New builds a StoreSink that tags every entry with source (e.g. the
// process/app name), matching LogManager's constructor-time app label.
func New(store logStore, source string) *StoreSink {
	return &StoreSink{store: store, source: source}
}

// AddEntry inserts one event. payload is marshaled to JSON; a nil
// payload stores an empty object, matching LogManager.add_entry's
// default `{}`.
func (s *StoreSink) AddEntry(ctx context.Context, _, category, text string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.store.InsertLogEntry(ctx, s.source, category, text, string(b))
}

// Prune deletes entries older than maxAge, returning the count
// removed.
func (s *StoreSink) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.PruneLogs(ctx, maxAge)
}
