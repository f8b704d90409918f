package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/genkan/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Telegram  TelegramConfig  `koanf:"telegram"`
	Slack     SlackConfig     `koanf:"slack"`
	Backend   BackendConfig   `koanf:"backend"`
	Governor  GovernorConfig  `koanf:"governor"`
	Security  SecurityConfig  `koanf:"security"`
	Auth      AuthConfig      `koanf:"auth"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Notify    NotifyConfig    `koanf:"notify"`
	Memory    MemoryConfig    `koanf:"memory"`
	Identity  IdentityConfig  `koanf:"identity"`
	Store     StoreConfig     `koanf:"store"`
	Daemon    DaemonConfig    `koanf:"daemon"`
}

type ServerConfig struct {
	LogLevel        string `koanf:"log_level"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	UpdateTimeout int    `koanf:"update_timeout"`
}

type SlackConfig struct {
	Enabled  bool   `koanf:"enabled"`
	BotToken string `koanf:"bot_token"`
	Channel  string `koanf:"channel"`
}

type BackendConfig struct {
	Primary         string   `koanf:"primary"`
	Model           string   `koanf:"model"`
	APIKey          string   `koanf:"api_key"`
	CLIPath         string   `koanf:"cli_path"`
	RequestTimeout  string   `koanf:"request_timeout"`
	MaxTurns        int      `koanf:"max_turns"`
	AllowedTools    []string `koanf:"allowed_tools"`
	DisallowedTools []string `koanf:"disallowed_tools"`
	WorkdirRoot     string   `koanf:"workdir_root"`
	ApprovedDirs    []string `koanf:"approved_dirs"`
	FallbackEnabled bool     `koanf:"fallback_enabled"`
}

type GovernorConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	CostCeilingUSD    float64 `koanf:"cost_ceiling_usd"`
	CleanupInterval   string  `koanf:"cleanup_interval"`
	StaleAfter        string  `koanf:"stale_after"`
}

type SecurityConfig struct {
	BlocklistEnabled bool     `koanf:"blocklist_enabled"`
	ExtraPatterns    []string `koanf:"extra_patterns"`
	MaxMessageLength int      `koanf:"max_message_length"`
}

type AuthConfig struct {
	AllowedUserIDs   []int64 `koanf:"allowed_user_ids"`
	TokenAuthEnabled bool    `koanf:"token_auth_enabled"`
	TokenSecret      string  `koanf:"token_secret"`
}

type WebhookConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Port         int    `koanf:"port"`
	GitHubSecret string `koanf:"github_secret"`
	BearerToken  string `koanf:"bearer_token"`
	ReadTimeout  string `koanf:"read_timeout"`
	WriteTimeout string `koanf:"write_timeout"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
}

type SchedulerConfig struct {
	Enabled      bool        `koanf:"enabled"`
	TickInterval string      `koanf:"tick_interval"`
	StatePath    string      `koanf:"state_path"`
	Jobs         []JobConfig `koanf:"jobs"`
}

type JobConfig struct {
	ID       string  `koanf:"id"`
	Schedule string  `koanf:"schedule"`
	Prompt   string  `koanf:"prompt"`
	ChatIDs  []int64 `koanf:"chat_ids"`
	Workdir  string  `koanf:"workdir"`
}

type NotifyConfig struct {
	DefaultChatIDs    []int64 `koanf:"default_chat_ids"`
	MessagesPerSecond float64 `koanf:"messages_per_second"`
	Burst             int     `koanf:"burst"`
	ChunkLimit        int     `koanf:"chunk_limit"`
	MaxRetries        int     `koanf:"max_retries"`
	RetryBackoff      string  `koanf:"retry_backoff"`
}

type MemoryConfig struct {
	Enabled         bool   `koanf:"enabled"`
	EmbeddingAPIKey string `koanf:"embedding_api_key"`
	EmbeddingBase   string `koanf:"embedding_base_url"`
	EmbeddingModel  string `koanf:"embedding_model"`
	Collection      string `koanf:"collection"`
	Path            string `koanf:"path"`
	TopK            int    `koanf:"top_k"`
}

type IdentityConfig struct {
	SoulPath    string `koanf:"soul_path"`
	ProfilePath string `koanf:"profile_path"`
}

type StoreConfig struct {
	DatabasePath string `koanf:"database_path"`
	BusyTimeout  string `koanf:"busy_timeout"`
}

type DaemonConfig struct {
	DataDir             string `koanf:"data_dir"`
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
}

const (
	DefaultServerLogLevel        = "info"
	DefaultServerShutdownTimeout = "30s"
	DefaultTelegramUpdateTimeout = 60
	DefaultBackendPrimary        = "claude"
	DefaultBackendModel          = "claude-sonnet-4-20250514"
	DefaultBackendRequestTimeout = "300s"
	DefaultBackendMaxTurns       = 10
	DefaultGovernorRate          = 0.5
	DefaultGovernorBurst         = 5
	DefaultGovernorCostCeiling   = 10.0
	DefaultGovernorCleanup       = "5m"
	DefaultGovernorStaleAfter    = "30m"
	DefaultSecurityMaxMessageLen = 8000
	DefaultWebhookPort           = 8090
	DefaultWebhookReadTimeout    = "10s"
	DefaultWebhookWriteTimeout   = "10s"
	DefaultWebhookMaxBodyBytes   = 1 << 20
	DefaultSchedulerTickInterval = "30s"
	DefaultNotifyMessagesPerSec  = 1.0
	DefaultNotifyBurst           = 3
	DefaultNotifyChunkLimit      = 4096
	DefaultNotifyMaxRetries      = 3
	DefaultNotifyRetryBackoff    = "2s"
	DefaultMemoryEmbeddingBase   = "https://api.openai.com/v1"
	DefaultMemoryEmbeddingModel  = "text-embedding-3-small"
	DefaultMemoryCollection      = "conversations"
	DefaultMemoryTopK            = 5
	DefaultStoreBusyTimeout      = "5s"
	DefaultDaemonShutdownTimeout = "30s"
	DefaultDaemonHealthInterval  = "30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":             DefaultServerLogLevel,
		"server.shutdown_timeout":      DefaultServerShutdownTimeout,
		"telegram.enabled":             true,
		"telegram.update_timeout":      DefaultTelegramUpdateTimeout,
		"slack.enabled":                false,
		"backend.primary":              DefaultBackendPrimary,
		"backend.model":                DefaultBackendModel,
		"backend.request_timeout":      DefaultBackendRequestTimeout,
		"backend.max_turns":            DefaultBackendMaxTurns,
		"backend.allowed_tools":        []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"},
		"backend.disallowed_tools":     []string{},
		"backend.workdir_root":         filepath.Join(os.Getenv("HOME"), "projects"),
		"backend.fallback_enabled":     true,
		"governor.requests_per_second": DefaultGovernorRate,
		"governor.burst":               DefaultGovernorBurst,
		"governor.cost_ceiling_usd":    DefaultGovernorCostCeiling,
		"governor.cleanup_interval":    DefaultGovernorCleanup,
		"governor.stale_after":         DefaultGovernorStaleAfter,
		"security.blocklist_enabled":   true,
		"security.max_message_length":  DefaultSecurityMaxMessageLen,
		"auth.token_auth_enabled":      false,
		"webhook.enabled":              false,
		"webhook.port":                 DefaultWebhookPort,
		"webhook.read_timeout":         DefaultWebhookReadTimeout,
		"webhook.write_timeout":        DefaultWebhookWriteTimeout,
		"webhook.max_body_bytes":       DefaultWebhookMaxBodyBytes,
		"scheduler.enabled":            false,
		"scheduler.tick_interval":      DefaultSchedulerTickInterval,
		"scheduler.state_path":         filepath.Join(os.Getenv("HOME"), ".genkan", "scheduler.json"),
		"notify.messages_per_second":   DefaultNotifyMessagesPerSec,
		"notify.burst":                 DefaultNotifyBurst,
		"notify.chunk_limit":           DefaultNotifyChunkLimit,
		"notify.max_retries":           DefaultNotifyMaxRetries,
		"notify.retry_backoff":         DefaultNotifyRetryBackoff,
		"memory.enabled":               false,
		"memory.embedding_base_url":    DefaultMemoryEmbeddingBase,
		"memory.embedding_model":       DefaultMemoryEmbeddingModel,
		"memory.collection":            DefaultMemoryCollection,
		"memory.path":                  filepath.Join(os.Getenv("HOME"), ".genkan", "memory"),
		"memory.top_k":                 DefaultMemoryTopK,
		"identity.soul_path":           filepath.Join(os.Getenv("HOME"), ".genkan", "soul.md"),
		"identity.profile_path":        filepath.Join(os.Getenv("HOME"), ".genkan", "profile.md"),
		"store.database_path":          filepath.Join(os.Getenv("HOME"), ".genkan", "genkan.db"),
		"store.busy_timeout":           DefaultStoreBusyTimeout,
		"daemon.data_dir":              filepath.Join(os.Getenv("HOME"), ".genkan"),
		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval": DefaultDaemonHealthInterval,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".genkan", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("GENKAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GENKAN_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Memory.EmbeddingAPIKey == "" {
		cfg.Memory.EmbeddingAPIKey = key
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = token
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	paths := []*string{
		&cfg.Backend.WorkdirRoot,
		&cfg.Scheduler.StatePath,
		&cfg.Memory.Path,
		&cfg.Identity.SoulPath,
		&cfg.Identity.ProfilePath,
		&cfg.Store.DatabasePath,
		&cfg.Daemon.DataDir,
	}
	for _, p := range paths {
		expanded, err := expandConfiguredPath(*p)
		if err != nil {
			return err
		}
		if expanded != "" {
			*p = expanded
		}
	}

	for i := range cfg.Backend.ApprovedDirs {
		expanded, err := expandConfiguredPath(cfg.Backend.ApprovedDirs[i])
		if err != nil {
			return err
		}
		if expanded != "" {
			cfg.Backend.ApprovedDirs[i] = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
