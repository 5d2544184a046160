// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

// InsertTaskVersion writes a brand new (task_id, version) row. Callers
// (src/tasks) are responsible for deciding whether a new version is
// warranted; the store layer never skips a write.
func (s *Store) InsertTaskVersion(ctx context.Context, t models.Task) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}
	schedules, err := json.Marshal(t.ScheduleSets)
	if err != nil {
		return fmt.Errorf("store: marshal schedule_sets: %w", err)
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO tasks (task_id, version, metadata, tags, name, description, schedule_sets, thread_group, last_active, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Version, string(metadata), string(tags), t.Name, t.Description,
		string(schedules), t.ThreadGroup, encodeTime(t.LastActive), string(t.Status), t.Notes,
	)
	if err != nil {
		return fmt.Errorf("store: insert task version: %w", err)
	}
	return nil
}

// UpdateLastActive sets last_active on the exact (task_id, version)
// row, without writing a new version. Used by update_active's
// heartbeat path.
func (s *Store) UpdateLastActive(ctx context.Context, taskID string, version int64, lastActive string) error {
	_, err := s.exec(ctx, s.db, `UPDATE tasks SET last_active = ? WHERE task_id = ? AND version = ?`,
		lastActive, taskID, version)
	if err != nil {
		return fmt.Errorf("store: update task last_active: %w", err)
	}
	return nil
}

const taskColumns = `task_id, version, metadata, tags, name, description, schedule_sets, thread_group, last_active, status, notes`

func scanTask(row interface{ Scan(...any) error }) (models.Task, error) {
	var t models.Task
	var metadata, tags, schedules, lastActive sql.NullString
	var status string
	err := row.Scan(&t.TaskID, &t.Version, &metadata, &tags, &t.Name, &t.Description,
		&schedules, &t.ThreadGroup, &lastActive, &status, &t.Notes)
	if err != nil {
		return models.Task{}, err
	}
	t.Status = models.TaskStatus(status)
	if lastActive.Valid {
		t.LastActive = decodeTime(lastActive.String)
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &t.Metadata)
	}
	if tags.Valid && tags.String != "" {
		json.Unmarshal([]byte(tags.String), &t.Tags)
	}
	if schedules.Valid && schedules.String != "" {
		json.Unmarshal([]byte(schedules.String), &t.ScheduleSets)
	}
	return t, nil
}

// LatestTask returns the highest-version row for taskID, or
// sql.ErrNoRows if none exists.
func (s *Store) LatestTask(ctx context.Context, taskID string) (models.Task, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE task_id = ? AND version = (SELECT MAX(version) FROM tasks WHERE task_id = ?)`,
		taskID, taskID)
	return scanTask(row)
}

// AllLatestTasks returns the highest-version row for every task_id.
func (s *Store) AllLatestTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE version = (SELECT MAX(version) FROM tasks WHERE task_id = t.task_id)`)
	if err != nil {
		return nil, fmt.Errorf("store: all latest tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
