package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Budget   BudgetConfig   `toml:"budget"`
	Turn     TurnConfig     `toml:"turn"`
	Memory   MemoryConfig   `toml:"memory"`
	Tools    ToolsConfig    `toml:"tools"`
	Activity ActivityConfig `toml:"activity"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type BudgetConfig struct {
	ModelContextTokens    int `toml:"model_context_tokens"`
	SafetyReserveTokens   int `toml:"safety_reserve_tokens"`
	ResponseReserveTokens int `toml:"response_reserve_tokens"`
	PromptOverheadTokens  int `toml:"prompt_overhead_tokens"`
}

type TurnConfig struct {
	MaxIterations      int     `toml:"max_iterations"`
	TurnTimeoutSeconds int     `toml:"turn_timeout_seconds"`
	RerouteIterations  int     `toml:"reroute_iterations"`
	IncludeThreshold   float64 `toml:"include_threshold"`
}

type MemoryConfig struct {
	MaxHistoryMessages int `toml:"max_history_messages"`
}

type ToolsConfig struct {
	RequestTimeoutSeconds int `toml:"tool_request_timeout_seconds"`
	StreamTimeoutSeconds  int `toml:"tool_stream_timeout_seconds"`
	// RemoteURL, when set, adds the tools served by an HTTP tool server.
	RemoteURL string `toml:"remote_url"`
}

type ActivityConfig struct {
	Buffer int `toml:"activity_buffer"`
}

type StoreConfig struct {
	Driver      string `toml:"driver"` // sqlite or postgres
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Model: "gpt-4o-mini"},
		Budget: BudgetConfig{
			ModelContextTokens:    128_000,
			SafetyReserveTokens:   4_000,
			ResponseReserveTokens: 1_500,
			PromptOverheadTokens:  1_000,
		},
		Turn: TurnConfig{
			MaxIterations:      10,
			TurnTimeoutSeconds: 60,
			RerouteIterations:  3,
			IncludeThreshold:   2,
		},
		Memory: MemoryConfig{MaxHistoryMessages: 50},
		Tools: ToolsConfig{
			RequestTimeoutSeconds: 30,
			StreamTimeoutSeconds:  300,
		},
		Activity: ActivityConfig{Buffer: 256},
		Store:    StoreConfig{Driver: "sqlite", Path: "ensemble.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ensemble.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENSEMBLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENSEMBLE_TOOLS_REMOTE_URL"); v != "" {
		cfg.Tools.RemoteURL = v
	}
	if v := os.Getenv("ENSEMBLE_POSTGRES_URL"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("ENSEMBLE_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("ENSEMBLE_OBSERVER_ENABLED") == "true" || os.Getenv("ENSEMBLE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
