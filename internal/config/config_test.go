package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Queue.MaxThroughput != 100 {
		t.Errorf("expected default throughput 100, got %d", cfg.Queue.MaxThroughput)
	}
	if cfg.Queue.Concurrency != 10 {
		t.Errorf("expected default concurrency 10, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BaseDelayMS != 1000 {
		t.Errorf("expected default base delay 1000ms, got %d", cfg.Queue.BaseDelayMS)
	}
	if cfg.UsePostgres() {
		t.Error("postgres should be off without POSTGRES_HOST")
	}
	if cfg.RedisAddr() != "" {
		t.Error("redis should be off without REDIS_HOST")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_DB", "orders")
	t.Setenv("POSTGRES_USER", "engine")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Errorf("expected PORT override, got %s", cfg.Server.Port)
	}
	if !cfg.UsePostgres() {
		t.Error("POSTGRES_HOST should select postgres")
	}
	dsn := cfg.PostgresDSN()
	for _, want := range []string{"host=db.internal", "dbname=orders", "user=engine"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN missing %q: %s", want, dsn)
		}
	}
	if cfg.RedisAddr() != "cache.internal:6379" {
		t.Errorf("expected redis addr with default port, got %s", cfg.RedisAddr())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  port: \"7070\"\nqueue:\n  concurrency: 4\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected file port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("expected file concurrency 4, got %d", cfg.Queue.Concurrency)
	}
	// Untouched values keep their defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for non-numeric port")
	}
}
