package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Caches. apiKeyCache is the resolve hot path: O(1) lookup, write-through
	// invalidation on every key mutation.
	apiKeyCache       *cache.Cache
	systemPromptCache *cache.Cache
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        10000,
	}

	return &Store{
		driver:            driver,
		profile:           profile,
		apiKeyCache:       cache.New(cacheConfig),
		systemPromptCache: cache.New(cacheConfig),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Ping verifies the backing database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.GetDB().PingContext(ctx)
}

func (s *Store) Close() error {
	s.apiKeyCache.Close()
	s.systemPromptCache.Close()
	return s.driver.Close()
}

// API keys.

func (s *Store) CreateAPIKey(ctx context.Context, create *APIKey) (*APIKey, error) {
	key, err := s.driver.CreateAPIKey(ctx, create)
	if err != nil {
		return nil, err
	}
	s.apiKeyCache.Set(key.Token, key)
	return key, nil
}

// GetAPIKeyByToken resolves a token, serving from cache while the entry is
// warm. On a cache miss the driver is authoritative and its errors surface
// as-is; auth must not outlive the store's knowledge of a revocation.
func (s *Store) GetAPIKeyByToken(ctx context.Context, token string) (*APIKey, error) {
	if v, ok := s.apiKeyCache.Get(token); ok {
		if key, ok := v.(*APIKey); ok {
			return key, nil
		}
	}

	keys, err := s.driver.ListAPIKeys(ctx, &FindAPIKey{Token: &token})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	s.apiKeyCache.Set(token, keys[0])
	return keys[0], nil
}

func (s *Store) ListAPIKeys(ctx context.Context, find *FindAPIKey) ([]*APIKey, error) {
	return s.driver.ListAPIKeys(ctx, find)
}

func (s *Store) UpdateAPIKey(ctx context.Context, update *UpdateAPIKey) (*APIKey, error) {
	key, err := s.driver.UpdateAPIKey(ctx, update)
	if err != nil {
		return nil, err
	}
	s.apiKeyCache.Set(key.Token, key)
	return key, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, delete *DeleteAPIKey) error {
	keys, err := s.driver.ListAPIKeys(ctx, &FindAPIKey{ID: &delete.ID})
	if err == nil {
		for _, k := range keys {
			s.apiKeyCache.Delete(k.Token)
		}
	}
	return s.driver.DeleteAPIKey(ctx, delete)
}

// TouchAPIKey records last-used time. Called off the request hot path; a
// failure here is logged, never surfaced to the caller.
func (s *Store) TouchAPIKey(ctx context.Context, id int32) {
	now := time.Now().Unix()
	if _, err := s.driver.UpdateAPIKey(ctx, &UpdateAPIKey{ID: id, LastUsedTs: &now}); err != nil {
		slog.Warn("store: failed to update api key last_used", "id", id, "error", err)
	}
}

// System prompts.

func (s *Store) CreateSystemPrompt(ctx context.Context, create *SystemPrompt) (*SystemPrompt, error) {
	return s.driver.CreateSystemPrompt(ctx, create)
}

func (s *Store) GetSystemPrompt(ctx context.Context, id int32) (*SystemPrompt, error) {
	prompts, err := s.driver.ListSystemPrompts(ctx, &FindSystemPrompt{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return nil, nil
	}
	return prompts[0], nil
}

func (s *Store) ListSystemPrompts(ctx context.Context, find *FindSystemPrompt) ([]*SystemPrompt, error) {
	return s.driver.ListSystemPrompts(ctx, find)
}

func (s *Store) UpdateSystemPrompt(ctx context.Context, update *UpdateSystemPrompt) (*SystemPrompt, error) {
	return s.driver.UpdateSystemPrompt(ctx, update)
}

func (s *Store) DeleteSystemPrompt(ctx context.Context, delete *DeleteSystemPrompt) error {
	return s.driver.DeleteSystemPrompt(ctx, delete)
}

// Sessions and messages.

func (s *Store) UpsertSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.driver.UpsertSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, find *FindSession) ([]*Session, error) {
	return s.driver.ListSessions(ctx, find)
}

func (s *Store) AppendMessages(ctx context.Context, appends []*AppendMessage) ([]int64, error) {
	return s.driver.AppendMessages(ctx, appends)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	return s.driver.ClearMessages(ctx, sessionID)
}

func (s *Store) PruneMessages(ctx context.Context, sessionID string, keepLast int) (int64, error) {
	return s.driver.PruneMessages(ctx, sessionID, keepLast)
}

// Users.

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	return s.driver.CreateUser(ctx, create)
}

func (s *Store) ListUsers(ctx context.Context, find *FindUser) ([]*User, error) {
	return s.driver.ListUsers(ctx, find)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	users, err := s.driver.ListUsers(ctx, &FindUser{Username: &username})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

func (s *Store) DeleteUser(ctx context.Context, delete *DeleteUser) error {
	return s.driver.DeleteUser(ctx, delete)
}

// File chunks.

func (s *Store) CreateFileChunk(ctx context.Context, create *FileChunk) (*FileChunk, error) {
	return s.driver.CreateFileChunk(ctx, create)
}

func (s *Store) SearchFileChunks(ctx context.Context, embedding []float32, find *FindFileChunk) ([]*ChunkMatch, error) {
	return s.driver.SearchFileChunks(ctx, embedding, find)
}

func (s *Store) DeleteFileChunks(ctx context.Context, fileID string) error {
	return s.driver.DeleteFileChunks(ctx, fileID)
}
