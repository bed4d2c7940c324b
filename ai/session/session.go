// Package session manages conversation history: identifier validation,
// ordered append of request/response exchanges, recency windows for prompt
// assembly, and retention caps.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/orbitgw/orbit/store"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Service is the history layer over the store. Appends for one session are
// serialized here; ordinal assignment itself is transactional in the driver,
// the mutex only keeps a request's user/assistant pair adjacent.
type Service struct {
	store        *store.Store
	historyLimit int
	maxMessages  int

	locks sync.Map // session id → *sync.Mutex
}

// Config tunes the history service.
type Config struct {
	// HistoryLimit is how many recent messages feed prompt assembly.
	HistoryLimit int
	// MaxMessages caps per-session retention.
	MaxMessages int
}

// NewService creates the history service.
func NewService(st *store.Store, cfg Config) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	return &Service{
		store:        st,
		historyLimit: cfg.HistoryLimit,
		maxMessages:  cfg.MaxMessages,
	}
}

// NewSessionID mints an identifier for clients that did not supply one.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID rejects identifiers outside the allowed alphabet.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id")
	}
	return nil
}

func (s *Service) lock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Recent returns the newest messages in ascending ordinal order, bounded by
// the history limit.
func (s *Service) Recent(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, &store.FindMessage{
		SessionID: sessionID,
		Limit:     s.historyLimit,
	})
}

// Exchange is one request/response pair to persist.
type Exchange struct {
	UserContent      string
	UserTokens       int32
	AssistantContent string
	AssistantTokens  int32
	// Blocked marks the assistant message as a moderation refusal.
	Blocked bool
}

// AppendExchange persists the pair atomically and enforces the retention
// cap. Cap overflow pruning is best-effort; a prune failure does not fail
// the exchange.
func (s *Service) AppendExchange(ctx context.Context, sessionID string, ex *Exchange) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.store.AppendMessages(ctx, []*store.AppendMessage{
		{
			SessionID:     sessionID,
			Role:          "user",
			Content:       ex.UserContent,
			TokenEstimate: ex.UserTokens,
		},
		{
			SessionID:     sessionID,
			Role:          "assistant",
			Content:       ex.AssistantContent,
			Blocked:       ex.Blocked,
			TokenEstimate: ex.AssistantTokens,
		},
	})
	if err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}

	s.enforceCap(ctx, sessionID)
	return nil
}

// AppendUserTurn persists the user message alone, for requests where no
// assistant turn will follow: blocked input, upstream failure, client
// disconnect. Blocked marks a moderation refusal of the message itself.
func (s *Service) AppendUserTurn(ctx context.Context, sessionID, content string, tokens int32, blocked bool) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.store.AppendMessages(ctx, []*store.AppendMessage{
		{
			SessionID:     sessionID,
			Role:          "user",
			Content:       content,
			Blocked:       blocked,
			TokenEstimate: tokens,
		},
	})
	if err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}

	s.enforceCap(ctx, sessionID)
	return nil
}

func (s *Service) enforceCap(ctx context.Context, sessionID string) {
	sessions, err := s.store.ListSessions(ctx, &store.FindSession{SessionID: &sessionID})
	if err != nil || len(sessions) == 0 {
		return
	}
	if int(sessions[0].MessageCount) <= s.maxMessages {
		return
	}
	dropped, err := s.store.PruneMessages(ctx, sessionID, s.maxMessages)
	if err != nil {
		slog.Warn("session: retention prune failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Debug("session: retention cap enforced", "session_id", sessionID, "dropped", dropped)
}

// Clear removes all messages for a session.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return s.store.ClearMessages(ctx, sessionID)
}

// PruneOversized compacts every session above the retention cap. Called at
// startup when prune_on_start is set.
func (s *Service) PruneOversized(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx, &store.FindSession{})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if int(sess.MessageCount) <= s.maxMessages {
			continue
		}
		dropped, err := s.store.PruneMessages(ctx, sess.SessionID, s.maxMessages)
		if err != nil {
			slog.Warn("session: startup prune failed", "session_id", sess.SessionID, "error", err)
			continue
		}
		slog.Info("session: startup prune", "session_id", sess.SessionID, "dropped", dropped)
	}
	return nil
}
