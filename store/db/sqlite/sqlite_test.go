package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
)

func newTestDB(t *testing.T) store.Driver {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "orbit_test.db"),
	}
	driver, err := NewDB(p)
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { _ = driver.Close() })
	if err := driver.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return driver
}

func TestAPIKeyCRUD(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	created, err := d.CreateAPIKey(ctx, &store.APIKey{
		Token:       "orbit_testtoken",
		ClientName:  "widget",
		AdapterName: "qa-sql",
		Active:      true,
		CreatedTs:   100,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	if created.ID == 0 {
		t.Fatal("CreateAPIKey() did not assign an id")
	}

	token := "orbit_testtoken"
	keys, err := d.ListAPIKeys(ctx, &store.FindAPIKey{Token: &token})
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].AdapterName != "qa-sql" {
		t.Fatalf("ListAPIKeys() = %+v, want one qa-sql key", keys)
	}

	inactive := false
	updated, err := d.UpdateAPIKey(ctx, &store.UpdateAPIKey{ID: created.ID, Active: &inactive})
	if err != nil {
		t.Fatalf("UpdateAPIKey() error = %v", err)
	}
	if updated.Active {
		t.Error("deactivated key still active")
	}

	if err := d.DeleteAPIKey(ctx, &store.DeleteAPIKey{ID: created.ID}); err != nil {
		t.Fatalf("DeleteAPIKey() error = %v", err)
	}
	keys, _ = d.ListAPIKeys(ctx, &store.FindAPIKey{Token: &token})
	if len(keys) != 0 {
		t.Error("deleted key still listed")
	}
}

func TestAppendMessages_OrdinalMonotonic(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	ordinals, err := d.AppendMessages(ctx, []*store.AppendMessage{
		{SessionID: "s1", Role: "user", Content: "hello"},
		{SessionID: "s1", Role: "assistant", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if len(ordinals) != 2 || ordinals[0] != 1 || ordinals[1] != 2 {
		t.Fatalf("ordinals = %v, want [1 2]", ordinals)
	}

	ordinals, err = d.AppendMessages(ctx, []*store.AppendMessage{
		{SessionID: "s1", Role: "user", Content: "again"},
	})
	if err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if ordinals[0] != 3 {
		t.Fatalf("ordinal = %d, want 3", ordinals[0])
	}

	// A different session starts from 1.
	ordinals, err = d.AppendMessages(ctx, []*store.AppendMessage{
		{SessionID: "s2", Role: "user", Content: "other"},
	})
	if err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if ordinals[0] != 1 {
		t.Fatalf("ordinal = %d, want 1", ordinals[0])
	}

	msgs, err := d.ListMessages(ctx, &store.FindMessage{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Ordinal <= msgs[i-1].Ordinal {
			t.Fatalf("ordinals not strictly increasing: %d then %d", msgs[i-1].Ordinal, msgs[i].Ordinal)
		}
	}
}

func TestAppendMessages_MixedSessionsRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	_, err := d.AppendMessages(ctx, []*store.AppendMessage{
		{SessionID: "a", Role: "user", Content: "x"},
		{SessionID: "b", Role: "assistant", Content: "y"},
	})
	if err == nil {
		t.Fatal("AppendMessages() with mixed sessions should fail")
	}
}

func TestPruneMessages_KeepsNewestAndSystem(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	appends := []*store.AppendMessage{{SessionID: "s", Role: "system", Content: "sys"}}
	for i := 0; i < 6; i++ {
		appends = append(appends,
			&store.AppendMessage{SessionID: "s", Role: "user", Content: "u"},
			&store.AppendMessage{SessionID: "s", Role: "assistant", Content: "a"},
		)
	}
	if _, err := d.AppendMessages(ctx, appends); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}

	dropped, err := d.PruneMessages(ctx, "s", 4)
	if err != nil {
		t.Fatalf("PruneMessages() error = %v", err)
	}
	if dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}

	msgs, err := d.ListMessages(ctx, &store.FindMessage{SessionID: "s"})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("remaining = %d, want 5 (4 recent + system)", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Error("system message should survive pruning")
	}
}

func TestSearchFileChunks_CosineOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	chunks := []*store.FileChunk{
		{FileID: "f1", FileName: "a.txt", ChunkIdx: 0, Content: "north", Embedding: []float32{1, 0}},
		{FileID: "f1", FileName: "a.txt", ChunkIdx: 1, Content: "east", Embedding: []float32{0, 1}},
		{FileID: "f2", FileName: "b.txt", ChunkIdx: 0, Content: "northeast", Embedding: []float32{0.7, 0.7}},
	}
	for _, c := range chunks {
		if _, err := d.CreateFileChunk(ctx, c); err != nil {
			t.Fatalf("CreateFileChunk() error = %v", err)
		}
	}

	matches, err := d.SearchFileChunks(ctx, []float32{1, 0}, &store.FindFileChunk{Limit: 2})
	if err != nil {
		t.Fatalf("SearchFileChunks() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Chunk.Content != "north" {
		t.Errorf("closest = %q, want north", matches[0].Chunk.Content)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Error("matches not sorted by ascending distance")
	}

	// File filter restricts the corpus.
	matches, err = d.SearchFileChunks(ctx, []float32{1, 0}, &store.FindFileChunk{FileIDs: []string{"f2"}})
	if err != nil {
		t.Fatalf("SearchFileChunks() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Chunk.FileID != "f2" {
		t.Fatalf("filtered matches = %+v, want only f2", matches)
	}
}
