// Package config loads the gateway configuration file: inference providers,
// adapters, datasources, moderation, and fault-tolerance tuning.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root of the gateway config file.
type Config struct {
	Providers   map[string]ProviderConfig   `mapstructure:"providers"`
	Datasources map[string]DatasourceConfig `mapstructure:"datasources"`
	Adapters    []AdapterConfig             `mapstructure:"adapters"`
	Moderation  ModerationConfig            `mapstructure:"moderation"`
	Reranker    RerankerConfig              `mapstructure:"reranker"`
	Breaker     BreakerConfig               `mapstructure:"breaker"`
	Session     SessionConfig               `mapstructure:"session"`
	Server      ServerConfig                `mapstructure:"server"`
}

// RerankerConfig points at the shared cross-encoder endpoint. Adapters opt
// in per-adapter with config.rerank.
type RerankerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// RateLimitRPS and RateLimitBurst bound per-client request rates.
	// Zero RPS disables rate limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// ProviderConfig describes one inference or embedding backend.
type ProviderConfig struct {
	// Provider identifier: openai, ollama, vllm, llamacpp, groq, deepseek,
	// mistral, openrouter, anthropic. All but anthropic speak the
	// OpenAI-compatible protocol.
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
	// Timeout is the total request timeout in seconds (default: 120).
	Timeout int `mapstructure:"timeout"`
	// FirstTokenTimeout bounds time-to-first-token in seconds (default: 15).
	FirstTokenTimeout int `mapstructure:"first_token_timeout"`
}

// DatasourceConfig points a SQL retriever at its database.
type DatasourceConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// AdapterConfig is a named binding of retriever behavior to an inference
// provider. The adapter set is enumerated at startup and append-only until
// restart.
type AdapterConfig struct {
	Name              string        `mapstructure:"name"`
	Kind              string        `mapstructure:"kind"` // retriever, passthrough
	Datasource        string        `mapstructure:"datasource"`
	AdapterFamily     string        `mapstructure:"adapter_family"`     // qa, generic, file
	ImplementationRef string        `mapstructure:"implementation_ref"` // sql, vector, file
	Provider          string        `mapstructure:"provider"`
	Config            AdapterTuning `mapstructure:"config"`

	// Collection is the deprecated per-key collection binding. Any value
	// here is a configuration error: api_key → adapter_name is the only
	// authoritative binding.
	Collection string `mapstructure:"collection"`
}

// AdapterTuning carries per-adapter retrieval parameters.
type AdapterTuning struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	MaxResults          int     `mapstructure:"max_results"`
	ReturnResults       int     `mapstructure:"return_results"`
	EmbeddingProvider   string  `mapstructure:"embedding_provider"`
	// ConfidenceMapping selects the distance→confidence formula:
	// "cosine" (1−d) or "exp_scale" (exp(−d/distance_scaling_factor)).
	ConfidenceMapping     string  `mapstructure:"confidence_mapping"`
	DistanceScalingFactor float64 `mapstructure:"distance_scaling_factor"`
	// Template is the parameterized SQL template for SQL retrievers.
	Template string `mapstructure:"template"`
	// Params declares the template placeholders and their types
	// (string, int, float). Undeclared placeholders are rejected.
	Params map[string]string `mapstructure:"params"`
	// FileIDs restricts file retrievers to specific uploads.
	FileIDs []string `mapstructure:"file_ids"`
	// Rerank enables the reranker stage for this adapter.
	Rerank bool `mapstructure:"rerank"`
}

// ModerationConfig configures the moderator chain, in order.
type ModerationConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RefusalMessage string            `mapstructure:"refusal_message"`
	Moderators     []ModeratorConfig `mapstructure:"moderators"`
}

// ModeratorConfig configures one checker in the chain.
type ModeratorConfig struct {
	// Type: guard (rule-based) or openai (moderation API).
	Type    string `mapstructure:"type"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// Keywords blocked outright by the guard.
	Keywords []string `mapstructure:"keywords"`
	// Markers are phrases checked on the output direction only, for
	// catching leaked refusals or policy text.
	Markers []string `mapstructure:"markers"`
	// Rules are CEL expressions over {text, direction}; any rule evaluating
	// to true blocks the text.
	Rules []string `mapstructure:"rules"`
}

// BreakerConfig tunes the fault-tolerance supervisor.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	WindowSeconds    int `mapstructure:"window_seconds"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BaseBackoffMs    int `mapstructure:"base_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
}

// SessionConfig tunes conversation history handling.
type SessionConfig struct {
	// HistoryLimit is how many prior messages feed back into the prompt.
	HistoryLimit int `mapstructure:"history_limit"`
	// MaxMessages is the per-session retention cap; oldest non-system
	// messages are dropped beyond it.
	MaxMessages int `mapstructure:"max_messages"`
	// PruneOnStart compacts oversized sessions during startup.
	PruneOnStart bool `mapstructure:"prune_on_start"`
	// NumCtx and ReservedOutput bound prompt assembly token budgets.
	NumCtx         int `mapstructure:"num_ctx"`
	ReservedOutput int `mapstructure:"reserved_output"`
}

// Load reads and validates the gateway config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSeconds <= 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.CooldownSeconds <= 0 {
		c.Breaker.CooldownSeconds = 30
	}
	if c.Breaker.MaxRetries <= 0 {
		c.Breaker.MaxRetries = 3
	}
	if c.Breaker.BaseBackoffMs <= 0 {
		c.Breaker.BaseBackoffMs = 100
	}
	if c.Breaker.MaxBackoffMs <= 0 {
		c.Breaker.MaxBackoffMs = 2000
	}

	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 20
	}
	if c.Session.MaxMessages <= 0 {
		c.Session.MaxMessages = 200
	}
	if c.Session.NumCtx <= 0 {
		c.Session.NumCtx = 8192
	}
	if c.Session.ReservedOutput <= 0 {
		c.Session.ReservedOutput = 1024
	}

	if c.Moderation.RefusalMessage == "" {
		c.Moderation.RefusalMessage = "I can't help with that request."
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = int(c.Server.RateLimitRPS) + 1
	}

	for name, p := range c.Providers {
		if p.Timeout <= 0 {
			p.Timeout = 120
		}
		if p.FirstTokenTimeout <= 0 {
			p.FirstTokenTimeout = 15
		}
		if p.MaxTokens <= 0 {
			p.MaxTokens = 2048
		}
		c.Providers[name] = p
	}

	for i := range c.Adapters {
		a := &c.Adapters[i]
		if a.Config.MaxResults <= 0 {
			a.Config.MaxResults = 10
		}
		if a.Config.ReturnResults <= 0 {
			a.Config.ReturnResults = 5
		}
		if a.Config.ConfidenceMapping == "" {
			a.Config.ConfidenceMapping = "cosine"
		}
	}
}

// applyEnv overlays the whitelisted credential overrides:
// ORBIT_PROVIDER_<NAME>_API_KEY, ORBIT_DATASOURCE_<NAME>_DSN,
// ORBIT_MODERATOR_<TYPE>_API_KEY.
func (c *Config) applyEnv() {
	for name, p := range c.Providers {
		envKey := "ORBIT_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
	for name, d := range c.Datasources {
		envKey := "ORBIT_DATASOURCE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_DSN"
		if v := os.Getenv(envKey); v != "" {
			d.DSN = v
			c.Datasources[name] = d
		}
	}
	for i := range c.Moderation.Moderators {
		m := &c.Moderation.Moderators[i]
		envKey := "ORBIT_MODERATOR_" + strings.ToUpper(m.Type) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			m.APIKey = v
		}
	}
	if v := os.Getenv("ORBIT_RERANKER_API_KEY"); v != "" {
		c.Reranker.APIKey = v
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapter with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate adapter name %q", a.Name)
		}
		seen[a.Name] = true

		if a.Collection != "" {
			return fmt.Errorf("adapter %q sets the deprecated collection binding; bind api keys to adapter_name only", a.Name)
		}

		switch a.Kind {
		case "retriever":
			switch a.ImplementationRef {
			case "sql":
				if _, ok := c.Datasources[a.Datasource]; !ok {
					return fmt.Errorf("adapter %q references unknown datasource %q", a.Name, a.Datasource)
				}
				if a.Config.Template == "" {
					return fmt.Errorf("adapter %q is a sql retriever without a template", a.Name)
				}
			case "vector", "file":
				if a.Config.EmbeddingProvider == "" {
					return fmt.Errorf("adapter %q needs an embedding_provider", a.Name)
				}
				if _, ok := c.Providers[a.Config.EmbeddingProvider]; !ok {
					return fmt.Errorf("adapter %q references unknown embedding provider %q", a.Name, a.Config.EmbeddingProvider)
				}
			default:
				return fmt.Errorf("adapter %q has unknown implementation_ref %q", a.Name, a.ImplementationRef)
			}
		case "passthrough":
			// No retrieval; provider binding only.
		default:
			return fmt.Errorf("adapter %q has unknown kind %q", a.Name, a.Kind)
		}

		if a.Provider == "" {
			return fmt.Errorf("adapter %q has no inference provider", a.Name)
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("adapter %q references unknown provider %q", a.Name, a.Provider)
		}

		if m := a.Config.ConfidenceMapping; m != "cosine" && m != "exp_scale" {
			return fmt.Errorf("adapter %q has unknown confidence_mapping %q", a.Name, m)
		}
		if a.Config.ConfidenceMapping == "exp_scale" && a.Config.DistanceScalingFactor <= 0 {
			return fmt.Errorf("adapter %q needs distance_scaling_factor for exp_scale mapping", a.Name)
		}
	}
	return nil
}

// Adapter returns the adapter config by name.
func (c *Config) Adapter(name string) (*AdapterConfig, bool) {
	for i := range c.Adapters {
		if c.Adapters[i].Name == name {
			return &c.Adapters[i], true
		}
	}
	return nil, false
}
