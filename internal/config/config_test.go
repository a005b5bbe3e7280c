package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaiso/Tokenflow/internal/jobs"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("expected pool size %d, got %d", DefaultPoolSize, cfg.PoolSize)
	}
	if cfg.LeaseDuration != jobs.DefaultLeaseDuration {
		t.Errorf("expected lease %v, got %v", jobs.DefaultLeaseDuration, cfg.LeaseDuration)
	}
	if cfg.MaxRetries != jobs.DefaultMaxRetries {
		t.Errorf("expected max retries %d, got %d", jobs.DefaultMaxRetries, cfg.MaxRetries)
	}

	b, err := cfg.Backoff()
	if err != nil {
		t.Fatalf("Backoff: %v", err)
	}
	if f, ok := b.(jobs.Fixed); !ok || f.Delay != jobs.DefaultRetryDelay {
		t.Errorf("expected default fixed backoff, got %#v", b)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("LEASE_DURATION", "2m")
	t.Setenv("EXEC_TIMEOUT", "30s")
	t.Setenv("RETRY_BACKOFF", "exponential")
	t.Setenv("RETRY_DELAY", "1s")
	t.Setenv("JOB_MAX_RETRIES", "5")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.PoolSize != 8 || cfg.LeaseDuration != 2*time.Minute || cfg.MaxRetries != 5 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	b, _ := cfg.Backoff()
	if _, ok := b.(jobs.Exponential); !ok {
		t.Errorf("expected exponential backoff, got %T", b)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "many")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "0")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalidPoolSize) {
		t.Errorf("expected ErrInvalidPoolSize, got %v", err)
	}

	t.Setenv("WORKER_POOL_SIZE", "1")
	t.Setenv("LEASE_DURATION", "10s")
	t.Setenv("EXEC_TIMEOUT", "1m")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("expected ErrInvalidLease, got %v", err)
	}

	t.Setenv("LEASE_DURATION", "5m")
	t.Setenv("RETRY_BACKOFF", "random")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("WORKER_BATCH_SIZE=42\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// t.Setenv восстанавливает переменную после теста
	t.Setenv("WORKER_BATCH_SIZE", "")
	os.Unsetenv("WORKER_BATCH_SIZE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 42 {
		t.Errorf("expected batch size from .env, got %d", cfg.BatchSize)
	}
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}
