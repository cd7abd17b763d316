// Package config is the Settings/Runtime Config component of §6: a
// nested-section Config struct loaded from YAML (the environment-facing
// half) plus a RuntimeSettings layer backed by the Durable Store's
// key-value settings table (the operator-facing, hot-reloadable half).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level environment configuration, trimmed to the
// sections SPEC_FULL.md names: the server/gateway transport, the
// database connection, the LLM provider credentials, and tool/workspace
// defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// ServerConfig configures the process's listening addresses.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// GatewayConfig configures the WebSocket Gateway's timing and retry
// behavior (§4.6/§5).
type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRetryCount   int           `yaml:"max_retry_count"`
	JWTSecret       string        `yaml:"jwt_secret"`
}

// DatabaseConfig configures the Durable Store's backing connection.
// URL is always taken from DATABASE_URL at load time (§6 "DATABASE_URL
// (required)"); the YAML fields only tune the pool.
type DatabaseConfig struct {
	URL             string        `yaml:"-"`
	Driver          string        `yaml:"driver"` // "postgres" or "sqlite"
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig carries non-secret provider defaults; the actual API keys are
// read from API_KEY_* environment variables at load time and never appear
// in YAML.
type LLMConfig struct {
	DefaultModel string            `yaml:"default_model"`
	VisionModel  string            `yaml:"vision_model"`
	APIKeys      map[string]string `yaml:"-"`
}

// ToolsConfig configures the Tool Executor's built-ins.
type ToolsConfig struct {
	WorkspaceRoot  string        `yaml:"workspace_root"`
	MaxReadBytes   int           `yaml:"max_read_bytes"`
	BrowserHeadless bool         `yaml:"browser_headless"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// MemoryConfig bounds the memories.* handler's storage and recall, per §6's
// MEMORY_MAX_STORAGE_TOKENS/MEMORY_MAX_RETURN_TOKENS.
type MemoryConfig struct {
	MaxStorageTokens int `yaml:"-"`
	MaxReturnTokens  int `yaml:"-"`
}

const (
	defaultMemoryMaxStorageTokens = 200_000
	defaultMemoryMaxReturnTokens  = 200_000
)

// Load reads path as YAML into a Config, then applies the environment
// overlay (§6): API_KEY_*, DATABASE_URL, MEMORY_MAX_STORAGE_TOKENS,
// MEMORY_MAX_RETURN_TOKENS, VISION_MODEL. Env always wins over YAML for
// these fields since they are secrets or deployment-specific.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverlay(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with the same defaults the teacher's
// nested section structs use, trimmed to this spec's scope.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", HTTPPort: 8080},
		Gateway: GatewayConfig{
			PingInterval:   30 * time.Second,
			PongTimeout:    45 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxRetryCount:  10,
		},
		Database: DatabaseConfig{Driver: "sqlite", MaxConnections: 10, ConnMaxLifetime: time.Hour},
		Tools:    ToolsConfig{MaxReadBytes: 200_000, IdleTimeout: 10 * time.Minute},
		Memory:   MemoryConfig{MaxStorageTokens: defaultMemoryMaxStorageTokens, MaxReturnTokens: defaultMemoryMaxReturnTokens},
	}
}

var knownAPIKeyProviders = []string{"anthropic", "openai", "google", "bedrock"}

func applyEnvOverlay(cfg *Config) error {
	cfg.LLM.APIKeys = make(map[string]string)
	anyKeySet := false
	for _, p := range knownAPIKeyProviders {
		envName := "API_KEY_" + upper(p)
		if v := os.Getenv(envName); v != "" {
			cfg.LLM.APIKeys[p] = v
			anyKeySet = true
		}
	}
	if !anyKeySet {
		return fmt.Errorf("config: at least one API_KEY_* environment variable must be set")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	cfg.Database.URL = dbURL

	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.LLM.VisionModel = v
	}
	if v := os.Getenv("MEMORY_MAX_STORAGE_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.MaxStorageTokens = n
		}
	}
	if v := os.Getenv("MEMORY_MAX_RETURN_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.MaxReturnTokens = n
		}
	}
	return nil
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
