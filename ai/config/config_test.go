package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
providers:
  main:
    provider: openai
    model: gpt-4o-mini
    api_key: sk-file
  embed:
    provider: openai
    model: text-embedding-3-small
datasources:
  faq:
    driver: sqlite
    dsn: /tmp/faq.db
adapters:
  - name: qa-sql
    kind: retriever
    implementation_ref: sql
    adapter_family: qa
    datasource: faq
    provider: main
    config:
      template: "SELECT question, answer FROM faq WHERE question LIKE {query}"
      confidence_threshold: 0.3
  - name: docs-vector
    kind: retriever
    implementation_ref: vector
    adapter_family: generic
    provider: main
    config:
      embedding_provider: embed
      confidence_mapping: exp_scale
      distance_scaling_factor: 200
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := len(cfg.Adapters); got != 2 {
		t.Fatalf("adapters = %d, want 2", got)
	}
	a, ok := cfg.Adapter("qa-sql")
	if !ok {
		t.Fatal("qa-sql adapter missing")
	}
	if a.Config.MaxResults != 10 || a.Config.ReturnResults != 5 {
		t.Errorf("result defaults not applied: %+v", a.Config)
	}
	if a.Config.ConfidenceMapping != "cosine" {
		t.Errorf("confidence_mapping default = %q, want cosine", a.Config.ConfidenceMapping)
	}
	if cfg.Session.HistoryLimit != 20 {
		t.Errorf("history_limit default = %d, want 20", cfg.Session.HistoryLimit)
	}
	if p := cfg.Providers["main"]; p.Timeout != 120 || p.FirstTokenTimeout != 15 {
		t.Errorf("provider timeout defaults not applied: %+v", p)
	}
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("ORBIT_PROVIDER_MAIN_API_KEY", "sk-env")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers["main"].APIKey != "sk-env" {
		t.Errorf("api key = %q, want env override", cfg.Providers["main"].APIKey)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			"legacy collection binding",
			func(c *Config) { c.Adapters[0].Collection = "faq-v1" },
		},
		{
			"unknown provider",
			func(c *Config) { c.Adapters[0].Provider = "nope" },
		},
		{
			"unknown datasource",
			func(c *Config) { c.Adapters[0].Datasource = "nope" },
		},
		{
			"duplicate adapter name",
			func(c *Config) { c.Adapters[1].Name = c.Adapters[0].Name },
		},
		{
			"unknown confidence mapping",
			func(c *Config) { c.Adapters[0].Config.ConfidenceMapping = "linear" },
		},
		{
			"exp_scale without scaling factor",
			func(c *Config) { c.Adapters[1].Config.DistanceScalingFactor = 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should have failed")
			}
		})
	}
}
