package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/orbitgw/orbit/store"
)

func (d *DB) CreateAPIKey(ctx context.Context, create *store.APIKey) (*store.APIKey, error) {
	stmt := `INSERT INTO api_key (token, client_name, adapter_name, system_prompt_id, active, created_ts, last_used_ts, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.Token, create.ClientName, create.AdapterName, create.SystemPromptID,
		create.Active, create.CreatedTs, create.LastUsedTs, create.Notes,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create api_key: %w", err)
	}
	return create, nil
}

func (d *DB) ListAPIKeys(ctx context.Context, find *store.FindAPIKey) ([]*store.APIKey, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Token != nil {
		where, args = append(where, "token = "+placeholder(len(args)+1)), append(args, *find.Token)
	}
	if find.AdapterName != nil {
		where, args = append(where, "adapter_name = "+placeholder(len(args)+1)), append(args, *find.AdapterName)
	}
	if find.Active != nil {
		where, args = append(where, "active = "+placeholder(len(args)+1)), append(args, *find.Active)
	}

	query := `SELECT id, token, client_name, adapter_name, system_prompt_id, active, created_ts, last_used_ts, notes
		FROM api_key
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api_keys: %w", err)
	}
	defer rows.Close()

	list := make([]*store.APIKey, 0)
	for rows.Next() {
		k := &store.APIKey{}
		var promptID sql.NullInt32
		if err := rows.Scan(&k.ID, &k.Token, &k.ClientName, &k.AdapterName, &promptID, &k.Active, &k.CreatedTs, &k.LastUsedTs, &k.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan api_key: %w", err)
		}
		if promptID.Valid {
			v := promptID.Int32
			k.SystemPromptID = &v
		}
		list = append(list, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api_keys: %w", err)
	}
	return list, nil
}

func (d *DB) UpdateAPIKey(ctx context.Context, update *store.UpdateAPIKey) (*store.APIKey, error) {
	set, args := []string{}, []any{}

	if update.ClientName != nil {
		set, args = append(set, "client_name = "+placeholder(len(args)+1)), append(args, *update.ClientName)
	}
	if update.AdapterName != nil {
		set, args = append(set, "adapter_name = "+placeholder(len(args)+1)), append(args, *update.AdapterName)
	}
	if update.SystemPromptID != nil {
		set, args = append(set, "system_prompt_id = "+placeholder(len(args)+1)), append(args, *update.SystemPromptID)
	}
	if update.Active != nil {
		set, args = append(set, "active = "+placeholder(len(args)+1)), append(args, *update.Active)
	}
	if update.LastUsedTs != nil {
		set, args = append(set, "last_used_ts = "+placeholder(len(args)+1)), append(args, *update.LastUsedTs)
	}
	if update.Notes != nil {
		set, args = append(set, "notes = "+placeholder(len(args)+1)), append(args, *update.Notes)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE api_key SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, token, client_name, adapter_name, system_prompt_id, active, created_ts, last_used_ts, notes`
	k := &store.APIKey{}
	var promptID sql.NullInt32
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&k.ID, &k.Token, &k.ClientName, &k.AdapterName, &promptID, &k.Active, &k.CreatedTs, &k.LastUsedTs, &k.Notes,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("api_key not found")
		}
		return nil, fmt.Errorf("failed to update api_key: %w", err)
	}
	if promptID.Valid {
		v := promptID.Int32
		k.SystemPromptID = &v
	}
	return k, nil
}

func (d *DB) DeleteAPIKey(ctx context.Context, delete *store.DeleteAPIKey) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM api_key WHERE id = $1", delete.ID); err != nil {
		return fmt.Errorf("failed to delete api_key: %w", err)
	}
	return nil
}
