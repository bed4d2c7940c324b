// Package v1 is the HTTP surface of the gateway: the chat plane (/chat,
// /v1/chat/completions, /mcp) authenticated by API key, and the admin and
// auth planes (/admin, /auth) authenticated by user JWT.
package v1

import (
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/orbitgw/orbit/ai/breaker"
	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/core/llm"
	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/moderation"
	"github.com/orbitgw/orbit/ai/pipeline"
	"github.com/orbitgw/orbit/ai/session"
	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
)

// maxConcurrentStreams caps simultaneously open chat streams per instance.
const maxConcurrentStreams = 64

// GatewayServices are the assembled chat-plane components the handlers
// delegate to.
type GatewayServices struct {
	Pipeline   *pipeline.Pipeline
	Sessions   *session.Service
	Registry   *retrieval.Registry
	Breakers   *breaker.Group
	LLMs       map[string]llm.Service
	Moderation *moderation.Chain
}

type APIV1Service struct {
	Profile *profile.Profile
	Store   *store.Store
	Config  *config.Config
	Gateway *GatewayServices

	startedAt       time.Time
	limiters        *clientLimiters
	streamSemaphore *semaphore.Weighted
}

func NewAPIV1Service(p *profile.Profile, st *store.Store, cfg *config.Config, gw *GatewayServices) *APIV1Service {
	return &APIV1Service{
		Profile:         p,
		Store:           st,
		Config:          cfg,
		Gateway:         gw,
		startedAt:       time.Now(),
		limiters:        newClientLimiters(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		streamSemaphore: semaphore.NewWeighted(maxConcurrentStreams),
	}
}

// Register mounts every route on the echo server.
func (s *APIV1Service) Register(e *echo.Echo) {
	// Chat plane: API-key auth plus per-client rate limiting.
	chat := e.Group("", s.rateLimitMiddleware(), s.apiKeyAuthMiddleware())
	chat.POST("/chat", s.handleChat)
	chat.DELETE("/chat/history", s.handleClearHistory)
	chat.POST("/v1/chat/completions", s.handleChatCompletions)
	chat.POST("/mcp", s.handleMCP)

	// Auth plane: open endpoints minting admin-plane tokens.
	authGroup := e.Group("/auth")
	authGroup.POST("/register", s.handleRegister)
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/logout", s.handleLogout)

	// Admin plane: JWT-gated key and prompt management.
	admin := e.Group("/admin", s.adminAuthMiddleware())
	admin.GET("/system-status", s.handleSystemStatus)
	admin.POST("/api-keys", s.handleCreateAPIKey)
	admin.GET("/api-keys", s.handleListAPIKeys)
	admin.GET("/api-keys/:token", s.handleGetAPIKey)
	admin.DELETE("/api-keys/:token", s.handleDeleteAPIKey)
	admin.POST("/api-keys/:token/deactivate", s.handleDeactivateAPIKey)
	admin.POST("/prompts", s.handleCreatePrompt)
	admin.GET("/prompts", s.handleListPrompts)
	admin.GET("/prompts/:id", s.handleGetPrompt)
	admin.PUT("/prompts/:id", s.handleUpdatePrompt)
	admin.DELETE("/prompts/:id", s.handleDeletePrompt)
}
