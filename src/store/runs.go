// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

const runColumns = `run_id, task_id, set_id, run_type, scheduled_time, start_time, end_time, last_active, config, status, output`

func scanRun(row interface{ Scan(...any) error }) (models.Run, error) {
	var r models.Run
	var setID, config, output sql.NullString
	var scheduledTime, lastActive string
	var startTime, endTime sql.NullString
	var runType, status string

	err := row.Scan(&r.RunID, &r.TaskID, &setID, &runType, &scheduledTime, &startTime, &endTime,
		&lastActive, &config, &status, &output)
	if err != nil {
		return models.Run{}, err
	}
	r.SetID = setID.String
	r.RunType = models.RunType(runType)
	r.Status = models.RunStatus(status)
	r.ScheduledTime = decodeTime(scheduledTime)
	r.LastActive = decodeTime(lastActive)
	if startTime.Valid {
		r.StartTime = decodeTimePtr(&startTime.String)
	}
	if endTime.Valid {
		r.EndTime = decodeTimePtr(&endTime.String)
	}
	if config.Valid && config.String != "" {
		json.Unmarshal([]byte(config.String), &r.Config)
	}
	if output.Valid && output.String != "" {
		json.Unmarshal([]byte(output.String), &r.Output)
	}
	return r, nil
}

// InsertRun writes a fresh run row, as created by runs.Create.
func (s *Store) InsertRun(ctx context.Context, r models.Run) error {
	config, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("store: marshal run config: %w", err)
	}
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("store: marshal run output: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TaskID, r.SetID, string(r.RunType), encodeTime(r.ScheduledTime),
		encodeTimePtr(r.StartTime), encodeTimePtr(r.EndTime), encodeTime(r.LastActive),
		string(config), string(r.Status), string(output),
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (models.Run, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// UpdateRunTx writes the mutable fields of a run inside tx, the
// transaction that also re-read the row for the transition check. This
// is the write half of every status-setter's read-modify-write cycle.
func (s *Store) UpdateRunTx(ctx context.Context, tx *sql.Tx, r models.Run) error {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("store: marshal run output: %w", err)
	}
	_, err = s.exec(ctx, tx, `
		UPDATE runs SET status = ?, start_time = ?, end_time = ?, last_active = ?, output = ?
		WHERE run_id = ?`,
		string(r.Status), encodeTimePtr(r.StartTime), encodeTimePtr(r.EndTime),
		encodeTime(r.LastActive), string(output), r.RunID,
	)
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	return nil
}

// GetRunTx re-reads a run row within a transaction, for the
// read-modify-write status-transition guards.
func (s *Store) GetRunTx(ctx context.Context, tx *sql.Tx, runID string) (models.Run, error) {
	row := s.queryRow(ctx, tx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// RunsSince returns runs for task/optional set_id/optional run_type
// with scheduled_time >= since, newest first.
func (s *Store) RunsSince(ctx context.Context, taskID string, since time.Time, setID string, runType models.RunType) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? AND scheduled_time >= ?`
	args := []any{taskID, encodeTime(since)}
	if setID != "" {
		query += ` AND set_id = ?`
		args = append(args, setID)
	}
	if runType != "" {
		query += ` AND run_type = ?`
		args = append(args, string(runType))
	}
	query += ` ORDER BY scheduled_time DESC`
	return s.queryRuns(ctx, query, args...)
}

// QueuedRuns returns runs in status "queued" for the task (optionally
// scoped to one schedule), newest first.
func (s *Store) QueuedRuns(ctx context.Context, taskID, setID string) ([]models.Run, error) {
	return s.runsByStatus(ctx, taskID, setID, models.RunQueued)
}

// RunningRuns returns runs in status "running" for the task.
func (s *Store) RunningRuns(ctx context.Context, taskID, setID string) ([]models.Run, error) {
	return s.runsByStatus(ctx, taskID, setID, models.RunRunning)
}

func (s *Store) runsByStatus(ctx context.Context, taskID, setID string, status models.RunStatus) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? AND status = ?`
	args := []any{taskID, string(status)}
	if setID != "" {
		query += ` AND set_id = ?`
		args = append(args, setID)
	}
	query += ` ORDER BY scheduled_time DESC`
	return s.queryRuns(ctx, query, args...)
}

// LatestRunWindowed implements get_latest's bounded-window query: only
// rows with scheduled_time >= windowStart are considered. Callers fall
// back to LatestRunUnbounded when this returns sql.ErrNoRows.
func (s *Store) LatestRunWindowed(ctx context.Context, taskID, setID string, runType models.RunType, windowStart time.Time) (models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? AND scheduled_time >= ?`
	args := []any{taskID, encodeTime(windowStart)}
	if setID != "" {
		query += ` AND set_id = ?`
		args = append(args, setID)
	}
	if runType != "" {
		query += ` AND run_type = ?`
		args = append(args, string(runType))
	}
	query += ` ORDER BY scheduled_time DESC LIMIT 1`
	row := s.queryRow(ctx, s.db, query, args...)
	return scanRun(row)
}

// LatestRunUnbounded is the fallback full scan used when the windowed
// query yields nothing (e.g. a brand new schedule with a sparse cron).
func (s *Store) LatestRunUnbounded(ctx context.Context, taskID, setID string, runType models.RunType) (models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ?`
	args := []any{taskID}
	if setID != "" {
		query += ` AND set_id = ?`
		args = append(args, setID)
	}
	if runType != "" {
		query += ` AND run_type = ?`
		args = append(args, string(runType))
	}
	query += ` ORDER BY scheduled_time DESC LIMIT 1`
	row := s.queryRow(ctx, s.db, query, args...)
	return scanRun(row)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]models.Run, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRuns deletes runs for taskID older than maxAge and returns the
// count deleted.
func (s *Store) PruneRuns(ctx context.Context, taskID string, maxAge time.Duration) (int, error) {
	cutoff := encodeTime(time.Now().Add(-maxAge))
	res, err := s.exec(ctx, s.db, `DELETE FROM runs WHERE task_id = ? AND scheduled_time < ?`, taskID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune runs rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteRun removes a single run row directly, independent of
// age-based pruning. Its only caller is runs.Delete.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	return nil
}
