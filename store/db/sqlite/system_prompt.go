package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orbitgw/orbit/store"
)

func (d *DB) CreateSystemPrompt(ctx context.Context, create *store.SystemPrompt) (*store.SystemPrompt, error) {
	if create.Version == 0 {
		create.Version = 1
	}
	stmt := `INSERT INTO system_prompt (name, text, version, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.Name, create.Text, create.Version, create.CreatedTs, create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create system_prompt: %w", err)
	}
	return create, nil
}

func (d *DB) ListSystemPrompts(ctx context.Context, find *store.FindSystemPrompt) ([]*store.SystemPrompt, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Name != nil {
		where, args = append(where, "name = ?"), append(args, *find.Name)
	}

	query := `SELECT id, name, text, version, created_ts, updated_ts
		FROM system_prompt
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list system_prompts: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SystemPrompt, 0)
	for rows.Next() {
		p := &store.SystemPrompt{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Text, &p.Version, &p.CreatedTs, &p.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan system_prompt: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate system_prompts: %w", err)
	}
	return list, nil
}

func (d *DB) UpdateSystemPrompt(ctx context.Context, update *store.UpdateSystemPrompt) (*store.SystemPrompt, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.Text != nil {
		// Any text change is a new version.
		set, args = append(set, "text = ?"), append(args, *update.Text)
		set = append(set, "version = version + 1")
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())

	args = append(args, update.ID)
	stmt := `UPDATE system_prompt SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, name, text, version, created_ts, updated_ts`
	p := &store.SystemPrompt{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&p.ID, &p.Name, &p.Text, &p.Version, &p.CreatedTs, &p.UpdatedTs,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("system_prompt not found")
		}
		return nil, fmt.Errorf("failed to update system_prompt: %w", err)
	}
	return p, nil
}

func (d *DB) DeleteSystemPrompt(ctx context.Context, delete *store.DeleteSystemPrompt) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM system_prompt WHERE id = ?", delete.ID); err != nil {
		return fmt.Errorf("failed to delete system_prompt: %w", err)
	}
	return nil
}
