package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/orbitgw/orbit/store"
)

func (d *DB) CreateFileChunk(ctx context.Context, create *store.FileChunk) (*store.FileChunk, error) {
	stmt := `INSERT INTO file_chunk (file_id, file_name, chunk_idx, content, embedding, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.FileID, create.FileName, create.ChunkIdx, create.Content,
		pgvector.NewVector(create.Embedding), create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create file_chunk: %w", err)
	}
	return create, nil
}

// SearchFileChunks runs a cosine-distance nearest-neighbor query via pgvector.
func (d *DB) SearchFileChunks(ctx context.Context, embedding []float32, find *store.FindFileChunk) ([]*store.ChunkMatch, error) {
	where, args := []string{"1 = 1"}, []any{pgvector.NewVector(embedding)}
	if len(find.FileIDs) > 0 {
		marks := make([]string, len(find.FileIDs))
		for i, id := range find.FileIDs {
			args = append(args, id)
			marks[i] = placeholder(len(args))
		}
		where = append(where, "file_id IN ("+strings.Join(marks, ", ")+")")
	}

	limit := find.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)

	query := `SELECT id, file_id, file_name, chunk_idx, content, embedding <=> $1 AS distance, created_ts
		FROM file_chunk
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY distance
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search file_chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]*store.ChunkMatch, 0)
	for rows.Next() {
		c := &store.FileChunk{}
		var distance float64
		if err := rows.Scan(&c.ID, &c.FileID, &c.FileName, &c.ChunkIdx, &c.Content, &distance, &c.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan file_chunk: %w", err)
		}
		matches = append(matches, &store.ChunkMatch{Chunk: c, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file_chunks: %w", err)
	}
	return matches, nil
}

func (d *DB) DeleteFileChunks(ctx context.Context, fileID string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM file_chunk WHERE file_id = $1", fileID); err != nil {
		return fmt.Errorf("failed to delete file_chunks: %w", err)
	}
	return nil
}
