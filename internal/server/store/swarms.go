package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSwarm persists a new swarm.
func (s *Store) CreateSwarm(ctx context.Context, sw *Swarm) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO swarms (id, name, created_at) VALUES (?, ?, ?)`,
		sw.ID, sw.Name, sw.CreatedAt)
	if err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	return nil
}

// GetSwarm returns a swarm by id, or ErrNotFound.
func (s *Store) GetSwarm(ctx context.Context, swarmID string) (*Swarm, error) {
	var sw Swarm
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM swarms WHERE id = ?`, swarmID).
		Scan(&sw.ID, &sw.Name, &sw.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return &sw, nil
}

// ListSwarms returns all swarms, newest first.
func (s *Store) ListSwarms(ctx context.Context) ([]*Swarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []*Swarm
	for rows.Next() {
		var sw Swarm
		if err := rows.Scan(&sw.ID, &sw.Name, &sw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, &sw)
	}
	return swarms, rows.Err()
}
