// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. STORY_INGEST_DATABASE_URL.
const EnvPrefix = "STORY_INGEST"

// Config captures all service configuration knobs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Generate  GenerateConfig  `mapstructure:"generate"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LLMConfig selects the drafting model.
type LLMConfig struct {
	Provider        string  `mapstructure:"provider"`
	APIKey          string  `mapstructure:"api_key"`
	Tier            string  `mapstructure:"tier"`
	LiteModel       string  `mapstructure:"lite_model"`
	StandardModel   string  `mapstructure:"standard_model"`
	AdvancedModel   string  `mapstructure:"advanced_model"`
	Temperature     float32 `mapstructure:"temperature"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens"`
}

// FetchConfig bounds outbound page fetches.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// ExtractConfig bounds text extraction.
type ExtractConfig struct {
	MinLength int           `mapstructure:"min_length"`
	MaxLength int           `mapstructure:"max_length"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// GenerateConfig controls drafting.
type GenerateConfig struct {
	Language      string `mapstructure:"language"`
	MaxInputChars int    `mapstructure:"max_input_chars"`
	MinManualText int    `mapstructure:"min_manual_text"`
}

// RateLimitConfig selects the cooldown backend.
type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// DispatchConfig selects how fetch continuations are run.
type DispatchConfig struct {
	Backend       string        `mapstructure:"backend"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	NATSURL       string        `mapstructure:"nats_url"`
	Subject       string        `mapstructure:"subject"`
	QueueGroup    string        `mapstructure:"queue_group"`
}

// LoggingConfig toggles zap presets.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SweepConfig controls the stale job sweep.
type SweepConfig struct {
	OlderThan time.Duration `mapstructure:"older_than"`
	Limit     int           `mapstructure:"limit"`
}

// Rate limit and dispatch backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendNATS   = "nats"
)

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 3*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.requests_per_minute", 120)
	v.SetDefault("server.burst", 20)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.tier", "standard")
	v.SetDefault("llm.lite_model", "")
	v.SetDefault("llm.standard_model", "")
	v.SetDefault("llm.advanced_model", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_output_tokens", 4096)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.max_redirects", 5)

	v.SetDefault("extract.min_length", 100)
	v.SetDefault("extract.max_length", 50000)
	v.SetDefault("extract.timeout", 15*time.Second)

	v.SetDefault("generate.language", "en")
	v.SetDefault("generate.max_input_chars", 8000)
	v.SetDefault("generate.min_manual_text", 100)

	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.cooldown", 30*time.Second)
	v.SetDefault("ratelimit.stale_after", 10*time.Minute)
	v.SetDefault("ratelimit.redis_addr", "localhost:6379")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)
	v.SetDefault("ratelimit.key_prefix", "story-ingest:cooldown:")

	v.SetDefault("dispatch.backend", BackendLocal)
	v.SetDefault("dispatch.max_concurrent", 8)
	v.SetDefault("dispatch.task_timeout", 2*time.Minute)
	v.SetDefault("dispatch.nats_url", "")
	v.SetDefault("dispatch.subject", "story-ingest.tasks")
	v.SetDefault("dispatch.queue_group", "story-ingest-workers")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("sweep.older_than", 10*time.Minute)
	v.SetDefault("sweep.limit", 100)
}

// Validate enforces ranges and enumerations. Requirements that depend on the
// command being run are checked by RequireDatabase and RequireLLM.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.RequestsPerMinute < 0 {
		return fmt.Errorf("server.requests_per_minute must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Extract.MinLength <= 0 || c.Extract.MaxLength < c.Extract.MinLength {
		return fmt.Errorf("extract.min_length must be > 0 and <= extract.max_length")
	}
	if c.Generate.MaxInputChars <= 0 {
		return fmt.Errorf("generate.max_input_chars must be > 0")
	}
	if c.Generate.MinManualText < 0 {
		return fmt.Errorf("generate.min_manual_text must be >= 0")
	}
	if c.RateLimit.Cooldown < 0 {
		return fmt.Errorf("ratelimit.cooldown must be >= 0")
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("ratelimit.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be %q or %q", BackendMemory, BackendRedis)
	}
	switch c.Dispatch.Backend {
	case BackendLocal, BackendNATS:
	default:
		return fmt.Errorf("dispatch.backend must be %q or %q", BackendLocal, BackendNATS)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be > 0")
	}
	if c.Sweep.OlderThan <= 0 {
		return fmt.Errorf("sweep.older_than must be > 0")
	}
	return c.Auth.normalize()
}

// RequireDatabase reports an error unless a database URL is configured.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required (set %s_DATABASE_URL)", EnvPrefix)
	}
	return nil
}

// RequireLLM reports an error unless an API key is configured.
func (c Config) RequireLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required (set %s_LLM_API_KEY)", EnvPrefix)
	}
	return nil
}
