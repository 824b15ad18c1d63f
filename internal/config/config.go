package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither --config nor REPLYDESK_CONFIG is set.
const DefaultConfigPath = "~/.replydesk/config.json"

// Config is the root configuration for the replydesk gateway.
type Config struct {
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogFormat string          `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "text" (default) or "json"
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Roles     RolesConfig     `json:"roles" yaml:"roles"`
	Silence   SilenceConfig   `json:"silence" yaml:"silence"`
	KB        KBConfig        `json:"kb" yaml:"kb"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Assistant AssistantConfig `json:"assistant" yaml:"assistant"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// GatewayConfig tunes inbound message handling.
type GatewayConfig struct {
	DebounceMs      int  `json:"debounce_ms" yaml:"debounce_ms"`
	HistoryTTLHours int  `json:"history_ttl_hours" yaml:"history_ttl_hours"`
	MaxHistory      int  `json:"max_history" yaml:"max_history"`
	RateLimitPerMin int  `json:"rate_limit_per_min" yaml:"rate_limit_per_min"` // 0 disables
	Typing          bool `json:"typing" yaml:"typing"`
}

// ChannelsConfig holds per-platform transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	WebChat  WebChatConfig  `json:"webchat" yaml:"webchat"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type WebChatConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Listen         string   `json:"listen" yaml:"listen"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// SilenceConfig selects where the silenced-conversation snapshot lives.
type SilenceConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // "file", "redis" or "postgres"
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
	PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// KBConfig controls the knowledge base and its rebuilds.
type KBConfig struct {
	Root                 string          `json:"root" yaml:"root"`
	ChunkSize            int             `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap         int             `json:"chunk_overlap" yaml:"chunk_overlap"`
	BatchSize            int             `json:"batch_size" yaml:"batch_size"`
	MaxSkippedBatchRatio float64         `json:"max_skipped_batch_ratio" yaml:"max_skipped_batch_ratio"`
	RetireGraceSec       int             `json:"retire_grace_sec" yaml:"retire_grace_sec"`
	TopK                 int             `json:"top_k" yaml:"top_k"`
	CacheSize            int             `json:"cache_size" yaml:"cache_size"`
	Schedule             string          `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression, empty disables
	Embedding            EmbeddingConfig `json:"embedding" yaml:"embedding"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Model      string `json:"model" yaml:"model"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// SourceConfig selects where knowledge-base documents come from.
type SourceConfig struct {
	Kind string   `json:"kind" yaml:"kind"` // "dir" or "s3"
	Dir  string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3   S3Config `json:"s3" yaml:"s3"`
}

type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// AssistantConfig points at an OpenAI-compatible chat completions API.
type AssistantConfig struct {
	BaseURL            string  `json:"base_url" yaml:"base_url"`
	APIKey             string  `json:"api_key" yaml:"api_key"`
	Model              string  `json:"model" yaml:"model"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	TimeoutSec         int     `json:"timeout_sec" yaml:"timeout_sec"`
	SystemPrompt       string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	SystemPromptFile   string  `json:"system_prompt_file,omitempty" yaml:"system_prompt_file,omitempty"`
	ContextLogTTLHours int     `json:"context_log_ttl_hours" yaml:"context_log_ttl_hours"`
}

type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure    bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		DataDir: "~/.replydesk",
		Gateway: GatewayConfig{
			DebounceMs:      4000,
			HistoryTTLHours: 24 * 100,
			MaxHistory:      20,
			RateLimitPerMin: 30,
			Typing:          true,
		},
		Channels: ChannelsConfig{
			WebChat: WebChatConfig{Listen: "127.0.0.1:18790"},
		},
		Silence: SilenceConfig{
			Backend:  "file",
			RedisKey: "replydesk:silenced",
		},
		KB: KBConfig{
			ChunkSize:    1000,
			ChunkOverlap: 150,
			BatchSize:    100,
			TopK:         3,
			CacheSize:    4,
			Embedding: EmbeddingConfig{
				BaseURL:    "https://api.openai.com/v1",
				Model:      "text-embedding-3-small",
				TimeoutSec: 60,
			},
		},
		Source: SourceConfig{Kind: "dir"},
		Assistant: AssistantConfig{
			BaseURL:            "https://api.openai.com/v1",
			Model:              "gpt-4o-mini",
			Temperature:        0.3,
			TimeoutSec:         120,
			ContextLogTTLHours: 24,
		},
		Telemetry: TelemetryConfig{Protocol: "http", ServiceName: "replydesk"},
	}
}

// Load reads the config file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON5.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

// applyEnv overrides secrets and endpoints from REPLYDESK_* variables.
func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("REPLYDESK_DATA_DIR", &c.DataDir)
	envStr("REPLYDESK_WEBCHAT_TOKEN", &c.Channels.WebChat.Token)
	envStr("REPLYDESK_OPENAI_API_KEY", &c.Assistant.APIKey)
	envStr("REPLYDESK_OPENAI_API_KEY", &c.KB.Embedding.APIKey)
	envStr("REPLYDESK_REDIS_ADDR", &c.Silence.RedisAddr)
	envStr("REPLYDESK_REDIS_PASSWORD", &c.Silence.RedisPassword)
	envStr("REPLYDESK_POSTGRES_DSN", &c.Silence.PostgresDSN)
	envStr("REPLYDESK_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	// A token in the environment is enough to turn a channel on.
	if v := os.Getenv("REPLYDESK_TELEGRAM_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
		c.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("REPLYDESK_DISCORD_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
		c.Channels.Discord.Enabled = true
	}
}

// normalize fills derived paths and cleans role lists.
func (c *Config) normalize() {
	c.DataDir = ExpandHome(c.DataDir)
	if c.KB.Root == "" {
		c.KB.Root = filepath.Join(c.DataDir, "kb")
	}
	c.KB.Root = ExpandHome(c.KB.Root)
	if c.Silence.Path == "" {
		c.Silence.Path = filepath.Join(c.DataDir, "silenced.json")
	}
	c.Silence.Path = ExpandHome(c.Silence.Path)
	if c.Source.Dir != "" {
		c.Source.Dir = ExpandHome(c.Source.Dir)
	}
	c.Roles.Admins = NormalizeUserIDs(c.Roles.Admins)
	c.Roles.Managers = NormalizeUserIDs(c.Roles.Managers)
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Gateway.DebounceMs < 0 {
		return fmt.Errorf("gateway.debounce_ms must be >= 0")
	}
	if c.KB.ChunkSize <= 0 || c.KB.ChunkOverlap < 0 || c.KB.ChunkOverlap >= c.KB.ChunkSize {
		return fmt.Errorf("kb.chunk_overlap must be in [0, chunk_size)")
	}
	if c.KB.BatchSize <= 0 {
		return fmt.Errorf("kb.batch_size must be > 0")
	}
	if c.KB.MaxSkippedBatchRatio < 0 || c.KB.MaxSkippedBatchRatio > 1 {
		return fmt.Errorf("kb.max_skipped_batch_ratio must be in [0, 1]")
	}
	switch c.Silence.Backend {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("silence.backend %q: want file, redis or postgres", c.Silence.Backend)
	}
	switch c.Source.Kind {
	case "dir", "s3":
	default:
		return fmt.Errorf("source.kind %q: want dir or s3", c.Source.Kind)
	}
	return nil
}

// Debounce returns the coalescing window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Gateway.DebounceMs) * time.Millisecond
}

// HistoryTTL returns how long an idle user's history is kept.
func (c *Config) HistoryTTL() time.Duration {
	return time.Duration(c.Gateway.HistoryTTLHours) * time.Hour
}

// RetireGrace returns the delay before a superseded index version is deleted.
func (c *KBConfig) RetireGrace() time.Duration {
	return time.Duration(c.RetireGraceSec) * time.Second
}

// ContextLogTTL returns how long per-user retrieval logs are kept.
func (c *AssistantConfig) ContextLogTTL() time.Duration {
	return time.Duration(c.ContextLogTTLHours) * time.Hour
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
