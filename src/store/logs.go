// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEntry is a single append-only event, grounded on
// original_source/utils/log.py's LogEntryRecord.
type LogEntry struct {
	EntryID      string
	EntryCreated time.Time
	EntrySource  string
	EntryCategory string
	EntryText    string
	EntryJSON    string
}

// InsertLogEntry appends one event. There is no update path: the log
// sink is write-once, prune-by-age.
func (s *Store) InsertLogEntry(ctx context.Context, source, category, text, entryJSON string) error {
	e := LogEntry{
		EntryID:       uuid.NewString(),
		EntryCreated:  time.Now(),
		EntrySource:   source,
		EntryCategory: category,
		EntryText:     text,
		EntryJSON:     entryJSON,
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO logs (entry_id, entry_created, entry_source, entry_category, entry_text, entry_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EntryID, encodeTime(e.EntryCreated), e.EntrySource, e.EntryCategory, e.EntryText, e.EntryJSON)
	if err != nil {
		return fmt.Errorf("store: insert log entry: %w", err)
	}
	return nil
}

// PruneLogs deletes log rows older than maxAge and returns the count.
func (s *Store) PruneLogs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := encodeTime(time.Now().Add(-maxAge))
	res, err := s.exec(ctx, s.db, `DELETE FROM logs WHERE entry_created < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune logs rows affected: %w", err)
	}
	return int(n), nil
}
