package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const workerColumns = `id, handle, team_name, role, swarm_id, depth_level, spawn_mode,
	status, working_dir, worktree_path, worktree_branch, session_id, pid,
	restart_count, spawned_at, last_heartbeat`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	err := row.Scan(&w.ID, &w.Handle, &w.TeamName, &w.Role, &w.SwarmID,
		&w.DepthLevel, &w.SpawnMode, &w.Status, &w.WorkingDir,
		&w.WorktreePath, &w.WorktreeBranch, &w.SessionID, &w.PID,
		&w.RestartCount, &w.SpawnedAt, &w.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWorker persists a new worker record.
func (s *Store) InsertWorker(ctx context.Context, w *Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Handle, w.TeamName, w.Role, w.SwarmID, w.DepthLevel,
		w.SpawnMode, w.Status, w.WorkingDir, w.WorktreePath,
		w.WorktreeBranch, w.SessionID, w.PID, w.RestartCount,
		w.SpawnedAt, w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorkerByHandle returns the worker record with the given handle, or
// ErrNotFound.
func (s *Store) GetWorkerByHandle(ctx context.Context, handle string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE handle = ?`, handle)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by handle: %w", err)
	}
	return w, nil
}

// GetWorker returns the worker record with the given id, or ErrNotFound.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, workerID)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all persisted worker records, newest first.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY spawned_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ListWorkersByStatus returns all worker records with the given status.
func (s *Store) ListWorkersByStatus(ctx context.Context, status string) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY spawned_at DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("list workers by status: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateWorkerStatus sets a worker's status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE id = ?`, status, workerID)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

// UpdateWorkerHeartbeat records the worker's last heartbeat time.
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, workerID string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, at, workerID)
	if err != nil {
		return fmt.Errorf("update worker heartbeat: %w", err)
	}
	return nil
}

// UpdateWorkerSession records the agent session id and process id once
// the underlying process has announced itself.
func (s *Store) UpdateWorkerSession(ctx context.Context, workerID, sessionID string, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET session_id = ?, pid = ? WHERE id = ?`, sessionID, pid, workerID)
	if err != nil {
		return fmt.Errorf("update worker session: %w", err)
	}
	return nil
}

// UpdateWorkerRestartCount sets the restart counter after a restart.
func (s *Store) UpdateWorkerRestartCount(ctx context.Context, workerID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET restart_count = ? WHERE id = ?`, count, workerID)
	if err != nil {
		return fmt.Errorf("update worker restart count: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker record.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// RecordRestart appends an entry to the restart history.
func (s *Store) RecordRestart(ctx context.Context, workerID, handle string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_restarts (worker_id, handle, restarted_at) VALUES (?, ?, ?)`,
		workerID, handle, at)
	if err != nil {
		return fmt.Errorf("record restart: %w", err)
	}
	return nil
}

// ListRestartsSince returns restart history entries at or after the
// given time, newest first.
func (s *Store) ListRestartsSince(ctx context.Context, since int64) ([]*RestartRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, handle, restarted_at FROM worker_restarts
		WHERE restarted_at >= ? ORDER BY restarted_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("list restarts: %w", err)
	}
	defer rows.Close()

	var records []*RestartRecord
	for rows.Next() {
		var r RestartRecord
		if err := rows.Scan(&r.ID, &r.WorkerID, &r.Handle, &r.RestartedAt); err != nil {
			return nil, fmt.Errorf("scan restart: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
