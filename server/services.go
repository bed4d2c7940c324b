package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/orbitgw/orbit/ai/breaker"
	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/core/embedding"
	"github.com/orbitgw/orbit/ai/core/llm"
	"github.com/orbitgw/orbit/ai/core/reranker"
	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/metrics"
	"github.com/orbitgw/orbit/ai/moderation"
	"github.com/orbitgw/orbit/ai/pipeline"
	"github.com/orbitgw/orbit/ai/session"
	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
)

// Services are the assembled gateway components.
type Services struct {
	Config     *config.Config
	LLMs       map[string]llm.Service
	Embedders  map[string]embedding.Service
	Registry   *retrieval.Registry
	Moderation *moderation.Chain
	Breakers   *breaker.Group
	Sessions   *session.Service
	Pipeline   *pipeline.Pipeline

	profile     *profile.Profile
	datasources map[string]*sql.DB
}

// NewServices builds every component from the gateway config. Provider
// construction is config-only and always succeeds or fails deterministically;
// reachability is probed in StartBackground (or synchronously under strict
// mode).
func NewServices(ctx context.Context, p *profile.Profile, st *store.Store, cfg *config.Config, exporter *metrics.PrometheusExporter) (*Services, error) {
	llms := make(map[string]llm.Service)
	embedders := make(map[string]embedding.Service)
	for name, pc := range cfg.Providers {
		svc, err := llm.NewService(&llm.Config{
			Provider:          pc.Provider,
			Model:             pc.Model,
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			MaxTokens:         pc.MaxTokens,
			Temperature:       pc.Temperature,
			Timeout:           pc.Timeout,
			FirstTokenTimeout: pc.FirstTokenTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		llms[name] = svc

		embedder, err := embedding.NewService(&embedding.Config{
			Provider: pc.Provider,
			Model:    pc.Model,
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
		})
		if err == nil {
			embedders[name] = embedder
		}
	}

	datasources, err := openDatasources(cfg)
	if err != nil {
		return nil, err
	}

	rerankSvc := reranker.NewService(&reranker.Config{
		Enabled: cfg.Reranker.Enabled,
		Model:   cfg.Reranker.Model,
		APIKey:  cfg.Reranker.APIKey,
		BaseURL: cfg.Reranker.BaseURL,
	})

	registry, err := retrieval.BuildRegistry(cfg, &retrieval.BuilderDeps{
		Chunks:      st,
		Datasources: datasources,
		Embedders:   embedders,
		Rerank:      rerankSvc,
	})
	if err != nil {
		closeDatasources(datasources)
		return nil, err
	}

	chain, err := moderation.BuildChain(&cfg.Moderation)
	if err != nil {
		closeDatasources(datasources)
		return nil, err
	}

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		OnTransition: func(target string, from, to breaker.State) {
			exporter.RecordBreakerTransition(target, string(to))
		},
	})

	sessions := session.NewService(st, session.Config{
		HistoryLimit: cfg.Session.HistoryLimit,
		MaxMessages:  cfg.Session.MaxMessages,
	})

	pl := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Sessions:   sessions,
		Prompts:    st,
		Registry:   registry,
		Moderation: chain,
		LLMs:       llms,
		Breakers:   breakers,
		Metrics:    exporter,
	})

	s := &Services{
		Config:      cfg,
		LLMs:        llms,
		Embedders:   embedders,
		Registry:    registry,
		Moderation:  chain,
		Breakers:    breakers,
		Sessions:    sessions,
		Pipeline:    pl,
		profile:     p,
		datasources: datasources,
	}

	if p.Strict {
		if err := s.verifyDependencies(ctx); err != nil {
			closeDatasources(datasources)
			return nil, err
		}
	}
	return s, nil
}

// StartBackground kicks off best-effort startup work: connection probes and
// the optional session compaction.
func (s *Services) StartBackground(ctx context.Context) {
	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.verifyDependencies(probeCtx); err != nil {
			slog.Warn("server: dependency probe failed, serving degraded", "error", err)
		}
	}()

	if s.Config.Session.PruneOnStart {
		go func() {
			pruneCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			if err := s.Sessions.PruneOversized(pruneCtx); err != nil {
				slog.Warn("server: startup session prune failed", "error", err)
			}
		}()
	}
}

// verifyDependencies probes every configured provider and adapter backend.
func (s *Services) verifyDependencies(ctx context.Context) error {
	for name, svc := range s.LLMs {
		if err := svc.VerifyConnection(ctx); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
		slog.Info("server: provider verified", "provider", name)
	}
	for _, name := range s.Registry.Names() {
		retriever, ok := s.Registry.Get(name)
		if !ok {
			continue
		}
		if err := retriever.HealthCheck(ctx); err != nil {
			return fmt.Errorf("adapter %q: %w", name, err)
		}
		slog.Info("server: adapter verified", "adapter", name)
	}
	return nil
}

// Close releases datasource connections.
func (s *Services) Close() {
	closeDatasources(s.datasources)
}

// openDatasources opens the relational databases SQL retrievers query.
func openDatasources(cfg *config.Config) (map[string]*sql.DB, error) {
	out := make(map[string]*sql.DB, len(cfg.Datasources))
	for name, ds := range cfg.Datasources {
		var (
			db  *sql.DB
			err error
		)
		switch ds.Driver {
		case "sqlite":
			db, err = sql.Open("sqlite", ds.DSN)
			if err == nil {
				// modernc sqlite serializes writes through one connection.
				db.SetMaxOpenConns(1)
			}
		case "postgres":
			db, err = sql.Open("postgres", ds.DSN)
			if err == nil {
				db.SetMaxOpenConns(10)
				db.SetMaxIdleConns(2)
				db.SetConnMaxLifetime(30 * time.Minute)
			}
		default:
			err = fmt.Errorf("unknown datasource driver %q", ds.Driver)
		}
		if err != nil {
			closeDatasources(out)
			return nil, fmt.Errorf("datasource %q: %w", name, err)
		}
		out[name] = db
	}
	return out, nil
}

func closeDatasources(dbs map[string]*sql.DB) {
	for name, db := range dbs {
		if err := db.Close(); err != nil {
			slog.Warn("server: failed to close datasource", "datasource", name, "error", err)
		}
	}
}
