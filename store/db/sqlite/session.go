package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orbitgw/orbit/store"
)

func (d *DB) UpsertSession(ctx context.Context, sessionID string) (*store.Session, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO session (session_id, created_ts, last_activity_ts, message_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_ts = excluded.last_activity_ts
		RETURNING session_id, created_ts, last_activity_ts, message_count`
	s := &store.Session{}
	if err := d.db.QueryRowContext(ctx, stmt, sessionID, now, now).Scan(
		&s.SessionID, &s.CreatedTs, &s.LastActivityTs, &s.MessageCount,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}
	return s, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.SessionID != nil {
		where, args = append(where, "session_id = ?"), append(args, *find.SessionID)
	}

	query := `SELECT session_id, created_ts, last_activity_ts, message_count
		FROM session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY last_activity_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Session, 0)
	for rows.Next() {
		s := &store.Session{}
		if err := rows.Scan(&s.SessionID, &s.CreatedTs, &s.LastActivityTs, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return list, nil
}

// AppendMessages inserts all messages in a single transaction, assigning
// consecutive ordinals after the session's current maximum. Either all
// messages land or none do.
func (d *DB) AppendMessages(ctx context.Context, appends []*store.AppendMessage) ([]int64, error) {
	if len(appends) == 0 {
		return nil, nil
	}
	sessionID := appends[0].SessionID
	for _, a := range appends {
		if a.SessionID != sessionID {
			return nil, fmt.Errorf("appends must share one session")
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO session (session_id, created_ts, last_activity_ts, message_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_ts = excluded.last_activity_ts`,
		sessionID, now, now); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	var maxOrdinal int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(ordinal), 0) FROM message WHERE session_id = ?", sessionID,
	).Scan(&maxOrdinal); err != nil {
		return nil, fmt.Errorf("failed to read max ordinal: %w", err)
	}

	ordinals := make([]int64, 0, len(appends))
	for i, a := range appends {
		ordinal := maxOrdinal + int64(i) + 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO message (session_id, ordinal, role, content, blocked, token_estimate, created_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.SessionID, ordinal, a.Role, a.Content, a.Blocked, a.TokenEstimate, now); err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		ordinals = append(ordinals, ordinal)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE session SET message_count = message_count + ?, last_activity_ts = ? WHERE session_id = ?`,
		len(appends), now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message append: %w", err)
	}
	return ordinals, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	// Newest Limit messages, returned in ascending ordinal order.
	query := `SELECT id, session_id, ordinal, role, content, blocked, token_estimate, created_ts
		FROM message
		WHERE session_id = ?
		ORDER BY ordinal DESC`
	args := []any{find.SessionID}
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Ordinal, &m.Role, &m.Content, &m.Blocked, &m.TokenEstimate, &m.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	// Reverse into ascending order.
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (d *DB) ClearMessages(ctx context.Context, sessionID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE session SET message_count = 0 WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to reset session counter: %w", err)
	}
	return tx.Commit()
}

func (d *DB) PruneMessages(ctx context.Context, sessionID string, keepLast int) (int64, error) {
	// Oldest non-system messages go first; system messages are preserved.
	stmt := `DELETE FROM message
		WHERE session_id = ? AND role != 'system' AND ordinal NOT IN (
			SELECT ordinal FROM message
			WHERE session_id = ? AND role != 'system'
			ORDER BY ordinal DESC
			LIMIT ?
		)`
	res, err := d.db.ExecContext(ctx, stmt, sessionID, sessionID, keepLast)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned messages: %w", err)
	}
	if dropped > 0 {
		if _, err := d.db.ExecContext(ctx,
			"UPDATE session SET message_count = (SELECT COUNT(*) FROM message WHERE session_id = ?) WHERE session_id = ?",
			sessionID, sessionID); err != nil {
			return dropped, fmt.Errorf("failed to refresh session counter: %w", err)
		}
	}
	return dropped, nil
}
