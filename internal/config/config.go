package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Index      IndexConfig      `mapstructure:"index"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Reindex    ReindexConfig    `mapstructure:"reindex"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORS           CORSConfig    `mapstructure:"cors"`
	// AdminEnabled mounts the /api/admin routes.
	AdminEnabled bool `mapstructure:"admin_enabled"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the record store backend.
// Driver is "sqlite" (Path) or "postgres" (URL or the discrete fields).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// IndexConfig selects the similarity index backend and its match threshold.
type IndexConfig struct {
	Backend   string  `mapstructure:"backend"`
	Threshold float64 `mapstructure:"threshold"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type GenerationConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Width          int           `mapstructure:"width"`
	Height         int           `mapstructure:"height"`
	Steps          int           `mapstructure:"steps"`
	Format         string        `mapstructure:"format"`
	NegativePrompt string        `mapstructure:"negative_prompt"`
	Seed           int64         `mapstructure:"seed"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
}

// CacheConfig tunes the orchestrator.
type CacheConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	FlightTimeout        time.Duration `mapstructure:"flight_timeout"`
}

// StorageConfig configures artifact mirroring to S3-compatible storage.
type StorageConfig struct {
	MirrorEnabled bool   `mapstructure:"mirror_enabled"`
	Type          string `mapstructure:"type"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	PublicURL     string `mapstructure:"public_url"`
	Prefix        string `mapstructure:"prefix"`
}

type ReindexConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

// Load reads configuration from file, .env and environment, in increasing
// order of precedence.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment-specific values
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("qdrant.use_tls", "QDRANT_USE_TLS")
	v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	v.BindEnv("generation.api_key", "NEBIUS_API_KEY")
	v.BindEnv("generation.base_url", "NEBIUS_BASE_URL")
	v.BindEnv("index.threshold", "SIMILARITY_THRESHOLD")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("storage.region", "S3_REGION")
	v.BindEnv("storage.public_url", "S3_PUBLIC_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Embedding.ResolveEnvVars()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.request_timeout", 120*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.admin_enabled", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/imagenary.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "imagenary")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.threshold", 0.8)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "generated_images")
	v.SetDefault("qdrant.use_tls", false)

	v.SetDefault("embedding.provider", "gemini")
	v.SetDefault("embedding.model", "embedding-001")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("generation.provider", "nebius")
	v.SetDefault("generation.model", "black-forest-labs/flux-schnell")
	v.SetDefault("generation.base_url", "https://api.studio.nebius.com/v1/")
	v.SetDefault("generation.width", 1024)
	v.SetDefault("generation.height", 1024)
	v.SetDefault("generation.steps", 28)
	v.SetDefault("generation.format", "webp")
	v.SetDefault("generation.negative_prompt", "")
	v.SetDefault("generation.seed", -1)
	v.SetDefault("generation.timeout", 90*time.Second)
	v.SetDefault("generation.rate_limit", 2.0)
	v.SetDefault("generation.burst", 4)

	v.SetDefault("cache.max_retries", 2)
	v.SetDefault("cache.retry_initial_interval", 500*time.Millisecond)
	v.SetDefault("cache.retry_max_interval", 5*time.Second)
	v.SetDefault("cache.flight_timeout", 3*time.Minute)

	v.SetDefault("storage.mirror_enabled", false)
	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "generated-images")
	v.SetDefault("storage.prefix", "generated")

	v.SetDefault("reindex.workers", 4)
	v.SetDefault("reindex.batch_size", 100)
}

// Validate checks the settings the service cannot start without.
// Returns an error describing the first validation failure, or nil if valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	switch c.Index.Backend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("index: unknown backend %q", c.Index.Backend)
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	switch c.Generation.Provider {
	case "nebius", "openai":
	default:
		return fmt.Errorf("generation: unknown provider %q", c.Generation.Provider)
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("generation: model is required")
	}
	if c.Generation.Width <= 0 || c.Generation.Height <= 0 {
		return fmt.Errorf("generation: width and height must be positive")
	}
	if c.Cache.MaxRetries < 0 {
		return fmt.Errorf("cache: max_retries must not be negative")
	}
	if c.Storage.MirrorEnabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage: bucket is required when mirroring is enabled")
	}
	return nil
}
