// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"fmt"
)

// ensureSchema creates the orchestrator's tables and indexes if they
// don't already exist. Adapted from the teacher's migration-table
// pattern (services/database/migrations.go) but collapsed to a single
// idempotent DDL pass instead of a versioned up/down ledger: the
// schema here is fixed by the data model, not expected to evolve
// release over release the way an application schema would.
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			metadata TEXT,
			tags TEXT,
			name TEXT NOT NULL,
			description TEXT,
			schedule_sets TEXT,
			thread_group TEXT NOT NULL,
			last_active TEXT,
			status TEXT NOT NULL,
			notes TEXT,
			PRIMARY KEY (task_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_task_id_version ON tasks (task_id, version)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			set_id TEXT,
			run_type TEXT NOT NULL,
			scheduled_time TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			last_active TEXT,
			config TEXT,
			status TEXT NOT NULL,
			output TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_sched_type ON runs (task_id, scheduled_time, run_type)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_sched_set_type ON runs (task_id, scheduled_time, set_id, run_type)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_status ON runs (task_id, status)`,
		`CREATE TABLE IF NOT EXISTS consumers (
			channel TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			PRIMARY KEY (channel, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			sent_at TEXT,
			acked_at TEXT,
			channel TEXT NOT NULL,
			consumer_name TEXT NOT NULL,
			message TEXT,
			acked BOOLEAN NOT NULL DEFAULT 0,
			send_status TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_consumer ON messages (channel, consumer_name)`,
		`CREATE TABLE IF NOT EXISTS logs (
			entry_id TEXT PRIMARY KEY,
			entry_created TEXT NOT NULL,
			entry_source TEXT,
			entry_category TEXT,
			entry_text TEXT,
			entry_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_entry_created ON logs (entry_created)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
