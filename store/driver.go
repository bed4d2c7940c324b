package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all the methods that the store database driver implements.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	Migrate(ctx context.Context) error

	// API keys
	CreateAPIKey(ctx context.Context, create *APIKey) (*APIKey, error)
	ListAPIKeys(ctx context.Context, find *FindAPIKey) ([]*APIKey, error)
	UpdateAPIKey(ctx context.Context, update *UpdateAPIKey) (*APIKey, error)
	DeleteAPIKey(ctx context.Context, delete *DeleteAPIKey) error

	// System prompts
	CreateSystemPrompt(ctx context.Context, create *SystemPrompt) (*SystemPrompt, error)
	ListSystemPrompts(ctx context.Context, find *FindSystemPrompt) ([]*SystemPrompt, error)
	UpdateSystemPrompt(ctx context.Context, update *UpdateSystemPrompt) (*SystemPrompt, error)
	DeleteSystemPrompt(ctx context.Context, delete *DeleteSystemPrompt) error

	// Sessions and messages
	UpsertSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)
	// AppendMessages inserts all messages in one transaction and returns the
	// assigned ordinals. Either all messages land or none do.
	AppendMessages(ctx context.Context, appends []*AppendMessage) ([]int64, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	ClearMessages(ctx context.Context, sessionID string) error
	// PruneMessages drops the oldest non-system messages until at most
	// keepLast remain. Returns the number of dropped messages.
	PruneMessages(ctx context.Context, sessionID string, keepLast int) (int64, error)

	// Users (admin plane)
	CreateUser(ctx context.Context, create *User) (*User, error)
	ListUsers(ctx context.Context, find *FindUser) ([]*User, error)
	DeleteUser(ctx context.Context, delete *DeleteUser) error

	// File chunks (local vector store for the file retriever)
	CreateFileChunk(ctx context.Context, create *FileChunk) (*FileChunk, error)
	SearchFileChunks(ctx context.Context, embedding []float32, find *FindFileChunk) ([]*ChunkMatch, error)
	DeleteFileChunks(ctx context.Context, fileID string) error
}
