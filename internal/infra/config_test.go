package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SLIDEGEN_CONFIG_FILE", "")
	t.Setenv("WORKER_POOL_SIZE", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:8080/static" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected DATABASE_URL to be optional, got %q", cfg.DatabaseURL)
	}
	if cfg.Pipeline != DefaultPipelineConfig() {
		t.Fatalf("pipeline defaults mismatch: %+v", cfg.Pipeline)
	}
	if cfg.Worker != DefaultWorkerConfig() {
		t.Fatalf("worker defaults mismatch: %+v", cfg.Worker)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Fatalf("cache ttl mismatch: %v", cfg.Cache.TTL)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:1919/static" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
}

func TestLoadConfigEnvDurationsAndLists(t *testing.T) {
	t.Setenv("STAGE_TIMEOUT", "5s")
	t.Setenv("SLIDE_DELAY", "40")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092 ,")
	t.Setenv("DEDUPE_IN_FLIGHT", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Pipeline.StageTimeout != 5*time.Second {
		t.Fatalf("StageTimeout = %v", cfg.Pipeline.StageTimeout)
	}
	if cfg.Pipeline.SlideDelay != 40*time.Millisecond {
		t.Fatalf("SlideDelay = %v", cfg.Pipeline.SlideDelay)
	}
	if !cfg.Pipeline.DedupeInFlight {
		t.Fatalf("expected DedupeInFlight to be enabled")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("KafkaBrokers mismatch: %#v", cfg.KafkaBrokers)
	}
}

func TestLoadConfigTuningFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slidegen.toml")
	content := `
[pipeline]
small_job_threshold = 3
stage_timeout = "7s"
max_attempts = 5

[worker]
pool_size = 6
stale_after = "2m"

[cache]
ttl = "15m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SLIDEGEN_CONFIG_FILE", path)
	t.Setenv("WORKER_POOL_SIZE", "4")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Pipeline.SmallJobThreshold != 3 || cfg.Pipeline.MaxAttempts != 5 {
		t.Fatalf("pipeline overlay not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.StageTimeout != 7*time.Second {
		t.Fatalf("StageTimeout = %v", cfg.Pipeline.StageTimeout)
	}
	if cfg.Worker.PoolSize != 4 {
		t.Fatalf("expected env to win over file, got pool size %d", cfg.Worker.PoolSize)
	}
	if cfg.Worker.StaleAfter != 2*time.Minute {
		t.Fatalf("StaleAfter = %v", cfg.Worker.StaleAfter)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Fatalf("cache ttl = %v", cfg.Cache.TTL)
	}
}

func TestLoadConfigRejectsBadTuningFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("[worker]\nstale_after = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SLIDEGEN_CONFIG_FILE", path)

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestLoadConfigRejectsZeroPool(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for empty worker pool")
	}
}

func TestRequireJWT(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireJWT(); err == nil {
		t.Fatalf("expected missing secret error")
	}
	cfg.JWTSecret = "secret"
	if err := cfg.RequireJWT(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
