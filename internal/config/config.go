// Package config loads service configuration from .env, an optional config
// file and CITE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CITE_QDRANT_HOST.
const EnvPrefix = "CITE"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Index     IndexConfig     `mapstructure:"index"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // "stdio" or "http"
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	ChatModel      string `mapstructure:"chat_model"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type EmbeddingConfig struct {
	Dimension         int           `mapstructure:"dimension"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	Concurrency       int           `mapstructure:"concurrency"`
	ResolveTimeout    time.Duration `mapstructure:"resolve_timeout"`
}

type ChunkConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

type IndexConfig struct {
	Backend string `mapstructure:"backend"` // "qdrant", or "memory" for local development
}

type QdrantConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"` // Empty disables the ephemeral layer
	TTL time.Duration `mapstructure:"ttl"`
}

type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type ReasoningConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// envAliases binds the unprefixed variable names used by existing deployments.
var envAliases = map[string]string{
	"openai.api_key": "OPENAI_API_KEY",
	"gemini.api_key": "GEMINI_API_KEY",
	"qdrant.host":    "QDRANT_HOST",
	"qdrant.port":    "QDRANT_PORT",
	"redis.url":      "REDIS_URL",
	"server.port":    "PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "stdio")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.embedding_model", "text-embedding-3-large")
	v.SetDefault("openai.chat_model", "gpt-4o")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-embedding-001")

	v.SetDefault("embedding.dimension", 3072)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.requests_per_second", 0)
	v.SetDefault("embedding.burst", 1)
	v.SetDefault("embedding.breaker_failures", 5)
	v.SetDefault("embedding.breaker_cooldown", 30*time.Second)
	v.SetDefault("embedding.concurrency", 8)
	v.SetDefault("embedding.resolve_timeout", 2*time.Minute)

	v.SetDefault("chunk.size", 512)
	v.SetDefault("chunk.overlap", 128)

	v.SetDefault("index.backend", "qdrant")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "embeddings")
	v.SetDefault("qdrant.timeout", 10*time.Second)

	v.SetDefault("sqlite.path", "citation-insight.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", time.Hour)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", 10*time.Minute)
	v.SetDefault("reconcile.batch_size", 256)

	v.SetDefault("reasoning.timeout", 60*time.Second)

	v.SetDefault("telemetry.service_name", "citation-insight")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// ConfigFileEnv names the config file when Load is given no path.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// Load reads configuration from .env (if present), the optional file at path
// (or ConfigFileEnv) and the environment. Environment values win over the file.
func Load(path string) (*Config, error) {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("binding %s: %w", alias, err)
		}
	}

	if err := v.BindEnv("config", ConfigFileEnv); err != nil {
		return nil, fmt.Errorf("binding %s: %w", ConfigFileEnv, err)
	}
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with and returns
// warnings for ones it can run with in degraded form.
func (c *Config) Validate() ([]string, error) {
	var errs []error
	if c.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunk.size must be positive, got %d", c.Chunk.Size))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		errs = append(errs, fmt.Errorf("chunk.overlap must be in [0, chunk.size), got %d", c.Chunk.Overlap))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("embedding.concurrency must be positive, got %d", c.Embedding.Concurrency))
	}
	if c.Index.Backend != "qdrant" && c.Index.Backend != "memory" {
		errs = append(errs, fmt.Errorf("index.backend must be qdrant or memory, got %q", c.Index.Backend))
	}
	if c.Server.Mode != "stdio" && c.Server.Mode != "http" {
		errs = append(errs, fmt.Errorf("server.mode must be stdio or http, got %q", c.Server.Mode))
	}

	var warnings []string
	if c.OpenAI.APIKey == "" {
		warnings = append(warnings, "OPENAI_API_KEY is not set; the primary embedding provider and reasoning are disabled")
	}
	if c.Gemini.APIKey == "" {
		warnings = append(warnings, "GEMINI_API_KEY is not set; embedding has no fallback provider")
	}
	if c.Redis.URL == "" {
		warnings = append(warnings, "REDIS_URL is not set; the ephemeral cache layer is disabled")
	}
	if c.Index.Backend == "memory" {
		warnings = append(warnings, "index.backend is memory; the vector index is lost on exit and rebuilt by reconcile")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("telemetry.sample_rate %.2f is outside [0.0, 1.0]", c.Telemetry.SampleRate))
	}

	return warnings, errors.Join(errs...)
}
