package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/metrics"
	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
	"github.com/orbitgw/orbit/store/db/sqlite"
)

func newTestStore(t *testing.T) (*store.Store, *profile.Profile) {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "orbit_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	if err := driver.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	st := store.New(driver, p)
	t.Cleanup(func() { _ = st.Close() })
	return st, p
}

func TestOpenDatasources(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{
		Datasources: map[string]config.DatasourceConfig{
			"faq": {Driver: "sqlite", DSN: filepath.Join(dir, "faq.db")},
		},
	}
	dbs, err := openDatasources(cfg)
	if err != nil {
		t.Fatalf("openDatasources() error = %v", err)
	}
	if len(dbs) != 1 {
		t.Fatalf("datasources = %d, want 1", len(dbs))
	}
	closeDatasources(dbs)

	cfg.Datasources["bad"] = config.DatasourceConfig{Driver: "mongodb", DSN: "mongodb://x"}
	if _, err := openDatasources(cfg); err == nil {
		t.Error("unknown driver must fail")
	}
}

func TestNewServices_MinimalConfig(t *testing.T) {
	st, p := newTestStore(t)

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"main": {Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"},
		},
		Adapters: []config.AdapterConfig{{
			Name:     "assistant",
			Kind:     "passthrough",
			Provider: "main",
		}},
		Session: config.SessionConfig{HistoryLimit: 20, MaxMessages: 200, NumCtx: 8192, ReservedOutput: 1024},
		Breaker: config.BreakerConfig{FailureThreshold: 5},
	}

	exporter := metrics.NewPrometheusExporter(metrics.Config{})
	services, err := NewServices(context.Background(), p, st, cfg, exporter)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	defer services.Close()

	if services.Pipeline == nil {
		t.Error("pipeline must be built")
	}
	if _, ok := services.LLMs["main"]; !ok {
		t.Error("provider main must be built")
	}
	if services.Moderation.Enabled() {
		t.Error("moderation must be disabled with empty config")
	}
}

func TestNewServices_UnknownProviderFails(t *testing.T) {
	st, p := newTestStore(t)

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"main": {Provider: "bedrock", Model: "m"},
		},
	}
	exporter := metrics.NewPrometheusExporter(metrics.Config{})
	if _, err := NewServices(context.Background(), p, st, cfg, exporter); err == nil {
		t.Error("unknown provider must fail service construction")
	}
}
