package v1

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/orbitgw/orbit/internal/version"
	"github.com/orbitgw/orbit/store"
)

// apiKeyView is the admin rendition of a key. The token itself appears only
// in the create response.
type apiKeyView struct {
	ID             int32  `json:"id"`
	Token          string `json:"token,omitempty"`
	ClientName     string `json:"client_name"`
	AdapterName    string `json:"adapter_name"`
	SystemPromptID *int32 `json:"system_prompt_id,omitempty"`
	Active         bool   `json:"active"`
	CreatedTs      int64  `json:"created_ts"`
	LastUsedTs     int64  `json:"last_used_ts,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

func toAPIKeyView(key *store.APIKey, includeToken bool) *apiKeyView {
	view := &apiKeyView{
		ID:             key.ID,
		ClientName:     key.ClientName,
		AdapterName:    key.AdapterName,
		SystemPromptID: key.SystemPromptID,
		Active:         key.Active,
		CreatedTs:      key.CreatedTs,
		LastUsedTs:     key.LastUsedTs,
		Notes:          key.Notes,
	}
	if includeToken {
		view.Token = key.Token
	}
	return view
}

func (s *APIV1Service) handleCreateAPIKey(c echo.Context) error {
	req := struct {
		ClientName     string `json:"client_name"`
		AdapterName    string `json:"adapter_name"`
		SystemPromptID *int32 `json:"system_prompt_id,omitempty"`
		Notes          string `json:"notes,omitempty"`
	}{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.ClientName == "" || req.AdapterName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_name and adapter_name are required")
	}
	if _, ok := s.Config.Adapter(req.AdapterName); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown adapter "+req.AdapterName)
	}
	if req.SystemPromptID != nil {
		prompt, err := s.Store.GetSystemPrompt(c.Request().Context(), *req.SystemPromptID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to look up prompt").SetInternal(err)
		}
		if prompt == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown system_prompt_id")
		}
	}

	key, err := s.Store.CreateAPIKey(c.Request().Context(), &store.APIKey{
		Token:          "orbit_" + shortuuid.New(),
		ClientName:     req.ClientName,
		AdapterName:    req.AdapterName,
		SystemPromptID: req.SystemPromptID,
		Active:         true,
		Notes:          req.Notes,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create api key").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, toAPIKeyView(key, true))
}

func (s *APIV1Service) handleListAPIKeys(c echo.Context) error {
	keys, err := s.Store.ListAPIKeys(c.Request().Context(), &store.FindAPIKey{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list api keys").SetInternal(err)
	}
	views := make([]*apiKeyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, toAPIKeyView(key, false))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *APIV1Service) keyByTokenParam(c echo.Context) (*store.APIKey, error) {
	key, err := s.Store.GetAPIKeyByToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to look up api key").SetInternal(err)
	}
	if key == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "api key not found")
	}
	return key, nil
}

func (s *APIV1Service) handleGetAPIKey(c echo.Context) error {
	key, err := s.keyByTokenParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAPIKeyView(key, false))
}

func (s *APIV1Service) handleDeleteAPIKey(c echo.Context) error {
	key, err := s.keyByTokenParam(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteAPIKey(c.Request().Context(), &store.DeleteAPIKey{ID: key.ID}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete api key").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) handleDeactivateAPIKey(c echo.Context) error {
	key, err := s.keyByTokenParam(c)
	if err != nil {
		return err
	}
	inactive := false
	updated, err := s.Store.UpdateAPIKey(c.Request().Context(), &store.UpdateAPIKey{
		ID:     key.ID,
		Active: &inactive,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deactivate api key").SetInternal(err)
	}
	return c.JSON(http.StatusOK, toAPIKeyView(updated, false))
}

// System prompts.

type promptView struct {
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	Version   int32  `json:"version"`
	CreatedTs int64  `json:"created_ts"`
	UpdatedTs int64  `json:"updated_ts"`
}

func toPromptView(p *store.SystemPrompt) *promptView {
	return &promptView{
		ID:        p.ID,
		Name:      p.Name,
		Text:      p.Text,
		Version:   p.Version,
		CreatedTs: p.CreatedTs,
		UpdatedTs: p.UpdatedTs,
	}
}

func (s *APIV1Service) handleCreatePrompt(c echo.Context) error {
	req := struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and text are required")
	}
	prompt, err := s.Store.CreateSystemPrompt(c.Request().Context(), &store.SystemPrompt{
		Name: req.Name,
		Text: req.Text,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create prompt").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, toPromptView(prompt))
}

func (s *APIV1Service) handleListPrompts(c echo.Context) error {
	prompts, err := s.Store.ListSystemPrompts(c.Request().Context(), &store.FindSystemPrompt{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list prompts").SetInternal(err)
	}
	views := make([]*promptView, 0, len(prompts))
	for _, p := range prompts {
		views = append(views, toPromptView(p))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *APIV1Service) promptIDParam(c echo.Context) (int32, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid prompt id")
	}
	return int32(id), nil
}

func (s *APIV1Service) handleGetPrompt(c echo.Context) error {
	id, err := s.promptIDParam(c)
	if err != nil {
		return err
	}
	prompt, err := s.Store.GetSystemPrompt(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to look up prompt").SetInternal(err)
	}
	if prompt == nil {
		return echo.NewHTTPError(http.StatusNotFound, "prompt not found")
	}
	return c.JSON(http.StatusOK, toPromptView(prompt))
}

func (s *APIV1Service) handleUpdatePrompt(c echo.Context) error {
	id, err := s.promptIDParam(c)
	if err != nil {
		return err
	}
	req := struct {
		Name *string `json:"name,omitempty"`
		Text *string `json:"text,omitempty"`
	}{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == nil && req.Text == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}
	prompt, err := s.Store.UpdateSystemPrompt(c.Request().Context(), &store.UpdateSystemPrompt{
		ID:   id,
		Name: req.Name,
		Text: req.Text,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update prompt").SetInternal(err)
	}
	return c.JSON(http.StatusOK, toPromptView(prompt))
}

func (s *APIV1Service) handleDeletePrompt(c echo.Context) error {
	id, err := s.promptIDParam(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteSystemPrompt(c.Request().Context(), &store.DeleteSystemPrompt{ID: id}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete prompt").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// System status.

// handleSystemStatus reports uptime, circuit states, and adapter health.
// Adapter probes fan out concurrently under one short deadline.
func (s *APIV1Service) handleSystemStatus(c echo.Context) error {
	probeCtx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	names := s.Gateway.Registry.Names()
	health := make(map[string]string, len(names))
	var mu sync.Mutex

	g, probeCtx := errgroup.WithContext(probeCtx)
	for _, name := range names {
		g.Go(func() error {
			retriever, ok := s.Gateway.Registry.Get(name)
			if !ok {
				return nil
			}
			status := "ok"
			if err := retriever.HealthCheck(probeCtx); err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			health[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	providers := make([]string, 0, len(s.Gateway.LLMs))
	for name := range s.Gateway.LLMs {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	return c.JSON(http.StatusOK, map[string]any{
		"version":        version.GetCurrentVersion(s.Profile.Mode),
		"mode":           s.Profile.Mode,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"circuits":       s.Gateway.Breakers.Snapshots(),
		"adapters":       health,
		"providers":      providers,
		"moderation":     s.Gateway.Moderation.Enabled(),
	})
}
