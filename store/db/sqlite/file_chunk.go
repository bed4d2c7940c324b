package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/orbitgw/orbit/store"
)

// Application-layer vector search: sqlite has no vector index, so chunk
// embeddings are stored as JSON arrays and scanned in memory. Fine for the
// file-retriever workload (per-upload corpora, thousands of chunks).

func (d *DB) CreateFileChunk(ctx context.Context, create *store.FileChunk) (*store.FileChunk, error) {
	embedding, err := json.Marshal(create.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}
	stmt := `INSERT INTO file_chunk (file_id, file_name, chunk_idx, content, embedding, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.FileID, create.FileName, create.ChunkIdx, create.Content, string(embedding), create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create file_chunk: %w", err)
	}
	return create, nil
}

func (d *DB) SearchFileChunks(ctx context.Context, embedding []float32, find *store.FindFileChunk) ([]*store.ChunkMatch, error) {
	where, args := []string{"1 = 1"}, []any{}
	if len(find.FileIDs) > 0 {
		marks := make([]string, len(find.FileIDs))
		for i, id := range find.FileIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "file_id IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, file_id, file_name, chunk_idx, content, embedding, created_ts
		FROM file_chunk
		WHERE ` + strings.Join(where, " AND ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search file_chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]*store.ChunkMatch, 0)
	for rows.Next() {
		c := &store.FileChunk{}
		var raw string
		if err := rows.Scan(&c.ID, &c.FileID, &c.FileName, &c.ChunkIdx, &c.Content, &raw, &c.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan file_chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		matches = append(matches, &store.ChunkMatch{
			Chunk:    c,
			Distance: cosineDistance(embedding, c.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file_chunks: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if find.Limit > 0 && len(matches) > find.Limit {
		matches = matches[:find.Limit]
	}
	return matches, nil
}

func (d *DB) DeleteFileChunks(ctx context.Context, fileID string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM file_chunk WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to delete file_chunks: %w", err)
	}
	return nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
