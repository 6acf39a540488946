// Package config loads the Configuration snapshot: env > YAML file >
// defaults, precedence grounded on the teacher's ConfigResolver idiom,
// generalized from per-agent declared params to this service's fixed
// field set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageKind selects the Metadata Store backend.
type StorageKind string

const (
	StorageMemory     StorageKind = "memory"
	StorageSQLite     StorageKind = "sqlite"
	StoragePostgreSQL StorageKind = "postgresql"
)

// PermissionMode mirrors the claude CLI's permission-mode enum.
type PermissionMode string

const (
	PermissionDefault          PermissionMode = "default"
	PermissionAcceptEdits      PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan             PermissionMode = "plan"
)

// MCPServerConfig describes one entry of the mcp_servers map.
type MCPServerConfig struct {
	Transport string   `yaml:"transport"` // "stdio" | "sse"
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	URL       string   `yaml:"url,omitempty"`
}

// AgentDefaults is the default agent options block, per spec.md §6.
type AgentDefaults struct {
	SystemPrompt   string                     `yaml:"system_prompt"`
	PermissionMode PermissionMode             `yaml:"permission_mode"`
	AllowedTools   []string                   `yaml:"allowed_tools"`
	SettingSources []string                   `yaml:"setting_sources"`
	Model          string                     `yaml:"model"`
	MaxTurns       int                        `yaml:"max_turns"`
	MaxBudgetUSD   float64                    `yaml:"max_budget_usd"`
	MCPServers     map[string]MCPServerConfig `yaml:"mcp_servers"`
	Plugins        []string                   `yaml:"plugins"`
}

// Config is the full Configuration snapshot.
type Config struct {
	BaseDir       string      `yaml:"base_dir"`
	AutoCreateDir bool        `yaml:"auto_create_dir"`

	Storage     StorageKind `yaml:"storage"`
	TTLSeconds  int         `yaml:"ttl"`
	SQLitePath  string      `yaml:"sqlite_path"`
	PGHost      string      `yaml:"pg_host"`
	PGPort      int         `yaml:"pg_port"`
	PGDatabase  string      `yaml:"pg_database"`
	PGUser      string      `yaml:"pg_user"`
	PGPassword  string      `yaml:"pg_password"`

	MaxSessions           int `yaml:"max_sessions"`
	MaxSessionsPerUser    int `yaml:"max_sessions_per_user"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	MemoryLimitMB         int `yaml:"memory_limit_mb"`
	IdleSessionTimeoutSec int `yaml:"idle_session_timeout"`

	AgentDefaults AgentDefaults `yaml:"agent_defaults"`

	AnthropicAPIKey    string `yaml:"anthropic_api_key"`
	AnthropicBaseURL   string `yaml:"anthropic_base_url"`
	AnthropicAuthToken string `yaml:"anthropic_auth_token"`
	AnthropicModel     string `yaml:"anthropic_model"`

	ClaudeCommand string `yaml:"claude_command"`

	APIKey      string `yaml:"api_key"`
	ListenAddr  string `yaml:"listen_addr"`

	EvictionPolicyExpr string `yaml:"eviction_policy_expr"`

	PluginDir string `yaml:"plugin_dir"`
}

// TTL returns the configured TTL as a Duration (0 disables the sweep).
func (c Config) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// IdleSessionTimeout returns the idle eviction window as a Duration.
func (c Config) IdleSessionTimeout() time.Duration {
	return time.Duration(c.IdleSessionTimeoutSec) * time.Second
}

func defaults() Config {
	return Config{
		BaseDir:               "/data/claude-users",
		AutoCreateDir:         true,
		Storage:               StorageMemory,
		TTLSeconds:            86400,
		SQLitePath:            "/data/sessions.db",
		PGPort:                5432,
		MaxSessions:           100,
		MaxSessionsPerUser:    5,
		MaxConcurrentRequests: 20,
		MemoryLimitMB:         4096,
		IdleSessionTimeoutSec: 1800,
		AgentDefaults: AgentDefaults{
			PermissionMode: PermissionDefault,
			MaxTurns:       50,
		},
		ClaudeCommand: "claude",
		ListenAddr:    ":8080",
		PluginDir:     "/etc/claude-broker/plugins",
	}
}

// envPrefix namespaces every environment variable that takes precedence
// over the YAML file; the per-field variable names are listed in
// applyEnvOverrides. Grounded on the teacher's AGENTSPEC_<AGENT>_<PARAM>
// convention, generalized to this service's flat CLAUDE_BROKER_<FIELD>
// namespace.
const envPrefix = "CLAUDE_BROKER_"

// Load resolves the Configuration snapshot: env > YAML file > defaults.
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.BaseDir, "BASE_DIR")
	boolVar(&cfg.AutoCreateDir, "AUTO_CREATE_DIR")
	strKind(&cfg.Storage, "STORAGE")
	intVar(&cfg.TTLSeconds, "TTL")
	str(&cfg.SQLitePath, "SQLITE_PATH")
	str(&cfg.PGHost, "PG_HOST")
	intVar(&cfg.PGPort, "PG_PORT")
	str(&cfg.PGDatabase, "PG_DATABASE")
	str(&cfg.PGUser, "PG_USER")
	str(&cfg.PGPassword, "PG_PASSWORD")
	intVar(&cfg.MaxSessions, "MAX_SESSIONS")
	intVar(&cfg.MaxSessionsPerUser, "MAX_SESSIONS_PER_USER")
	intVar(&cfg.MaxConcurrentRequests, "MAX_CONCURRENT_REQUESTS")
	intVar(&cfg.MemoryLimitMB, "MEMORY_LIMIT_MB")
	intVar(&cfg.IdleSessionTimeoutSec, "IDLE_SESSION_TIMEOUT")
	str(&cfg.ClaudeCommand, "CLAUDE_COMMAND")
	str(&cfg.APIKey, "API_KEY")
	str(&cfg.ListenAddr, "LISTEN_ADDR")
	str(&cfg.EvictionPolicyExpr, "EVICTION_POLICY_EXPR")
	str(&cfg.PluginDir, "PLUGIN_DIR")

	// Upstream credentials follow the claude CLI's own env var names
	// directly, not the CLAUDE_BROKER_ prefix — these are passed
	// through to the agent subprocess verbatim.
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.AnthropicBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_AUTH_TOKEN"); v != "" {
		cfg.AnthropicAuthToken = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.AnthropicModel = v
	}
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func strKind(dst *StorageKind, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = StorageKind(v)
	}
}

func boolVar(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVar(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Storage {
	case StorageMemory, StorageSQLite, StoragePostgreSQL:
	default:
		return fmt.Errorf("invalid storage backend %q", cfg.Storage)
	}
	if cfg.BaseDir == "" {
		return fmt.Errorf("base_dir must not be empty")
	}
	if cfg.MaxSessions <= 0 || cfg.MaxSessionsPerUser <= 0 || cfg.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_sessions, max_sessions_per_user, and max_concurrent_requests must be positive")
	}
	return nil
}

// HotReloadable is the subset of fields that may change without a
// process restart — the numeric admission/eviction caps. All other
// fields are fixed for the lifetime of the Snapshot they were loaded
// into, per spec.md §9's "process-wide configuration singleton"
// redesign note: there is no global, just an immutable value handed
// to whoever needs it at construction time.
type HotReloadable struct {
	MaxSessions           int
	MaxSessionsPerUser     int
	MaxConcurrentRequests  int
	MemoryLimitMB          int
	IdleSessionTimeoutSec  int
}

func (c Config) HotReloadable() HotReloadable {
	return HotReloadable{
		MaxSessions:           c.MaxSessions,
		MaxSessionsPerUser:    c.MaxSessionsPerUser,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		MemoryLimitMB:         c.MemoryLimitMB,
		IdleSessionTimeoutSec: c.IdleSessionTimeoutSec,
	}
}
