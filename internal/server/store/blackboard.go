package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const blackboardColumns = `id, swarm_id, sender_handle, message_type, target_handle,
	priority, payload, read_by, created_at, archived_at`

func scanBlackboardMessage(row interface{ Scan(...any) error }) (*BlackboardMessage, error) {
	var m BlackboardMessage
	var target sql.NullString
	var archived sql.NullInt64
	err := row.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &m.MessageType,
		&target, &m.Priority, &m.Payload, &m.ReadBy, &m.CreatedAt, &archived)
	if err != nil {
		return nil, err
	}
	m.TargetHandle = target.String
	m.ArchivedAt = archived.Int64
	return &m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertBlackboardMessage persists a new exchange message.
func (s *Store) InsertBlackboardMessage(ctx context.Context, m *BlackboardMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blackboard (`+blackboardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.ID, m.SwarmID, m.SenderHandle, m.MessageType,
		nullString(m.TargetHandle), m.Priority, m.Payload, m.ReadBy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blackboard message: %w", err)
	}
	return nil
}

// GetBlackboardMessage returns a message by id, or ErrNotFound.
func (s *Store) GetBlackboardMessage(ctx context.Context, msgID string) (*BlackboardMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blackboardColumns+` FROM blackboard WHERE id = ?`, msgID)
	m, err := scanBlackboardMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blackboard message: %w", err)
	}
	return m, nil
}

// BlackboardFilter narrows ListBlackboardMessages. Zero values mean "no
// filter" except IncludeArchived, which defaults to live-only.
type BlackboardFilter struct {
	SwarmID         string
	MessageType     string
	TargetHandle    string // includes broadcast messages (NULL target)
	IncludeArchived bool
}

// ListBlackboardMessages returns messages matching the filter, ordered
// by priority descending, then created_at descending, then id ascending.
// Read-state filtering happens in the caller since read_by is a JSON set.
func (s *Store) ListBlackboardMessages(ctx context.Context, f BlackboardFilter) ([]*BlackboardMessage, error) {
	query := `SELECT ` + blackboardColumns + ` FROM blackboard WHERE swarm_id = ?`
	args := []any{f.SwarmID}

	if !f.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	if f.MessageType != "" {
		query += ` AND message_type = ?`
		args = append(args, f.MessageType)
	}
	if f.TargetHandle != "" {
		query += ` AND (target_handle IS NULL OR target_handle = ?)`
		args = append(args, f.TargetHandle)
	}
	query += ` ORDER BY priority DESC, created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blackboard messages: %w", err)
	}
	defer rows.Close()

	var msgs []*BlackboardMessage
	for rows.Next() {
		m, err := scanBlackboardMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blackboard message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListArchivedMessages returns a swarm's archived messages, oldest first.
func (s *Store) ListArchivedMessages(ctx context.Context, swarmID string) ([]*BlackboardMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blackboardColumns+` FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NOT NULL
		ORDER BY archived_at ASC, id ASC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list archived messages: %w", err)
	}
	defer rows.Close()

	var msgs []*BlackboardMessage
	for rows.Next() {
		m, err := scanBlackboardMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blackboard message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkBlackboardRead appends a handle to a message's read_by JSON set.
// The insert and the membership guard run in one statement, so
// concurrent marks by different handles never overwrite each other.
// Already-present handles are a no-op.
func (s *Store) MarkBlackboardRead(ctx context.Context, msgID, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blackboard SET read_by = json_insert(read_by, '$[#]', ?)
		WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM json_each(blackboard.read_by) WHERE json_each.value = ?
		)`, handle, msgID, handle)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ArchiveBlackboardMessage marks a live message archived. Returns false
// when the message was already archived or does not exist.
func (s *Store) ArchiveBlackboardMessage(ctx context.Context, msgID string, at int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blackboard SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		at, msgID)
	if err != nil {
		return false, fmt.Errorf("archive message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive message: %w", err)
	}
	return n > 0, nil
}

// ArchiveOldBlackboardMessages archives a swarm's live messages created
// before the cutoff. Returns the number archived.
func (s *Store) ArchiveOldBlackboardMessages(ctx context.Context, swarmID string, cutoff, at int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blackboard SET archived_at = ?
		WHERE swarm_id = ? AND archived_at IS NULL AND created_at < ?`,
		at, swarmID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive old messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive old messages: %w", err)
	}
	return int(n), nil
}

// DeleteArchivedMessages permanently removes a swarm's archived
// messages. Returns the number deleted.
func (s *Store) DeleteArchivedMessages(ctx context.Context, swarmID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blackboard WHERE swarm_id = ? AND archived_at IS NOT NULL`, swarmID)
	if err != nil {
		return 0, fmt.Errorf("delete archived messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete archived messages: %w", err)
	}
	return int(n), nil
}

// BlackboardTypeCount pairs a message type with its live message count.
type BlackboardTypeCount struct {
	MessageType string `json:"messageType"`
	Count       int    `json:"count"`
}

// BlackboardTypeCounts returns per-type live message counts for a swarm,
// highest count first.
func (s *Store) BlackboardTypeCounts(ctx context.Context, swarmID string) ([]BlackboardTypeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_type, COUNT(*) FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NULL
		GROUP BY message_type
		ORDER BY COUNT(*) DESC, message_type ASC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("blackboard type counts: %w", err)
	}
	defer rows.Close()

	var counts []BlackboardTypeCount
	for rows.Next() {
		var c BlackboardTypeCount
		if err := rows.Scan(&c.MessageType, &c.Count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// BlackboardPriorityCounts returns live message counts per numeric
// priority level for a swarm.
func (s *Store) BlackboardPriorityCounts(ctx context.Context, swarmID string) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NULL
		GROUP BY priority`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("blackboard priority counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// CountUnreadBlackboardMessages counts a swarm's live messages no
// handle has read yet.
func (s *Store) CountUnreadBlackboardMessages(ctx context.Context, swarmID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NULL AND json_array_length(read_by) = 0`,
		swarmID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return n, nil
}

// CountArchivedBlackboardMessages counts a swarm's archived messages.
func (s *Store) CountArchivedBlackboardMessages(ctx context.Context, swarmID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NOT NULL`, swarmID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archived messages: %w", err)
	}
	return n, nil
}
