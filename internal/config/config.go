package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	CatalogPath       string        `mapstructure:"CATALOG_PATH"`
	AnthropicAPIKey   string        `mapstructure:"ANTHROPIC_API_KEY"`
	LLMModel          string        `mapstructure:"LLM_MODEL"`
	LLMMaxTokens      int64         `mapstructure:"LLM_MAX_TOKENS"`
	UpstreamWorkers   int           `mapstructure:"UPSTREAM_WORKERS"`
	UpstreamTimeout   time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	UpstreamMaxTries  uint          `mapstructure:"UPSTREAM_MAX_TRIES"`
	UpstreamBaseDelay time.Duration `mapstructure:"UPSTREAM_BASE_DELAY"`
	TopN              int           `mapstructure:"TOP_N"`
	MatchMode         string        `mapstructure:"MATCH_MODE"`
	MatchSplit        string        `mapstructure:"MATCH_SPLIT"`
	MatchSort         string        `mapstructure:"MATCH_SORT"`
	Rerank            string        `mapstructure:"RERANK"`
	RequireFields     string        `mapstructure:"REQUIRE_FIELDS"`
	CacheBackend      string        `mapstructure:"CACHE_BACKEND"`
	CacheTTL          time.Duration `mapstructure:"CACHE_TTL"`
	CacheSize         int           `mapstructure:"CACHE_SIZE"`
	CacheSQLitePath   string        `mapstructure:"CACHE_SQLITE_PATH"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	OTLPEndpoint      string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string        `mapstructure:"OTEL_SERVICE_NAME"`
	ChromePath        string        `mapstructure:"CHROME_PATH"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "CATALOG_PATH", "ANTHROPIC_API_KEY", "LLM_MODEL", "LLM_MAX_TOKENS",
	"UPSTREAM_WORKERS", "UPSTREAM_TIMEOUT", "UPSTREAM_MAX_TRIES", "UPSTREAM_BASE_DELAY",
	"TOP_N", "MATCH_MODE", "MATCH_SPLIT", "MATCH_SORT", "RERANK", "REQUIRE_FIELDS",
	"CACHE_BACKEND", "CACHE_TTL", "CACHE_SIZE", "CACHE_SQLITE_PATH", "REDIS_URL",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME", "CHROME_PATH", "BODY_LIMIT",
}

// Load reads .env (when present) and the environment. Environment wins.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("CATALOG_PATH", "data/diseases.json")
	v.SetDefault("LLM_MAX_TOKENS", 4096)
	v.SetDefault("UPSTREAM_WORKERS", 4)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_MAX_TRIES", 3)
	v.SetDefault("UPSTREAM_BASE_DELAY", "1s")
	v.SetDefault("TOP_N", 3)
	v.SetDefault("MATCH_MODE", "substring")
	v.SetDefault("MATCH_SPLIT", "tokens")
	v.SetDefault("MATCH_SORT", "catalog")
	v.SetDefault("RERANK", "upstream")
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_TTL", "10m")
	v.SetDefault("CACHE_SIZE", 512)
	v.SetDefault("CACHE_SQLITE_PATH", "symptomatch-cache.db")
	v.SetDefault("OTEL_SERVICE_NAME", "symptomatch")
	v.SetDefault("BODY_LIMIT", "1M")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UpstreamConfigured reports whether AI-backed operations can run.
func (c *Config) UpstreamConfigured() bool {
	return strings.TrimSpace(c.AnthropicAPIKey) != ""
}

// RequiredFields splits REQUIRE_FIELDS on commas.
func (c *Config) RequiredFields() []string {
	var out []string
	for _, f := range strings.Split(c.RequireFields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate rejects values that would otherwise surface as runtime failures.
// Matcher and schema names are checked where they are consumed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CatalogPath) == "" {
		return fmt.Errorf("CATALOG_PATH is required")
	}
	if c.TopN < 0 {
		return fmt.Errorf("TOP_N must be >= 0, got %d", c.TopN)
	}
	if c.UpstreamWorkers <= 0 {
		return fmt.Errorf("UPSTREAM_WORKERS must be > 0, got %d", c.UpstreamWorkers)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	}
	switch c.Rerank {
	case "upstream", "local":
	default:
		return fmt.Errorf("RERANK must be \"upstream\" or \"local\", got %q", c.Rerank)
	}
	switch c.CacheBackend {
	case "memory", "sqlite", "redis", "none":
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory, sqlite, redis or none, got %q", c.CacheBackend)
	}
	if c.CacheBackend == "redis" && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
	}
	if c.CacheBackend == "sqlite" && strings.TrimSpace(c.CacheSQLitePath) == "" {
		return fmt.Errorf("CACHE_SQLITE_PATH is required when CACHE_BACKEND is sqlite")
	}
	return nil
}
