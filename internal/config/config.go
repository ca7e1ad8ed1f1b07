package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings. Defaults are applied first, an optional
// YAML file overrides them, and environment variables override everything.
type Config struct {
	Env string `yaml:"env"`

	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Database struct {
		Path string `yaml:"path"` // SQLite path used when Postgres is not configured
	} `yaml:"database"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		DB       string `yaml:"db"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"postgres"`

	Redis struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"redis"`

	Queue struct {
		MaxThroughput int `yaml:"max_throughput"` // reserve token-bucket refill per minute and burst size
		Concurrency   int `yaml:"concurrency"`
		MaxAttempts   int `yaml:"max_attempts"`
		BaseDelayMS   int `yaml:"base_delay_ms"`
	} `yaml:"queue"`
}

// Load reads configuration from an optional YAML file at path and the
// environment. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Env = "development"
	cfg.Server.Port = "8080"
	cfg.Logging.Level = "info"
	cfg.Database.Path = "orders.db"
	cfg.Postgres.Port = "5432"
	cfg.Redis.Port = "6379"
	cfg.Queue.MaxThroughput = 100
	cfg.Queue.Concurrency = 10
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BaseDelayMS = 1000
	return cfg
}

// overrideWithEnv applies environment variables on top of file values.
func overrideWithEnv(cfg *Config) {
	setString(&cfg.Env, "ENV")
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.File, "LOG_FILE")
	setString(&cfg.Database.Path, "DATABASE_PATH")
	setString(&cfg.Postgres.Host, "POSTGRES_HOST")
	setString(&cfg.Postgres.Port, "POSTGRES_PORT")
	setString(&cfg.Postgres.DB, "POSTGRES_DB")
	setString(&cfg.Postgres.User, "POSTGRES_USER")
	setString(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Redis.Host, "REDIS_HOST")
	setString(&cfg.Redis.Port, "REDIS_PORT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks configuration validity before startup.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric, got %q", c.Server.Port)
	}
	if c.Queue.MaxThroughput <= 0 {
		return fmt.Errorf("queue max throughput must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	if c.Queue.BaseDelayMS <= 0 {
		return fmt.Errorf("queue base delay must be positive")
	}
	if c.Postgres.Host == "" && c.Database.Path == "" {
		return fmt.Errorf("either postgres host or sqlite database path is required")
	}
	return nil
}

// PostgresDSN builds the connection string for the configured Postgres
// instance. Callers should check UsePostgres first.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.User, c.Postgres.Password, c.Postgres.DB)
}

// UsePostgres reports whether orders should be persisted to Postgres rather
// than the SQLite fallback.
func (c *Config) UsePostgres() bool {
	return c.Postgres.Host != ""
}

// RedisAddr returns the host:port of the queue backend. Empty when the
// embedded in-memory backend should be used instead.
func (c *Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return c.Redis.Host + ":" + c.Redis.Port
}
