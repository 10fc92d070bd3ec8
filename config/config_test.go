package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content into a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `depthflow:
  name: "TestApp"
  version: "1.0"
stream:
  symbols: ["btcusdt", " ETHUSDT ", "BTCUSDT"]
writer:
  bucket: 1m
  flush_records: 10
  flush_interval: 250ms
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Depthflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Depthflow.Name)
	}
	if got := strings.Join(cfg.Stream.Symbols, ","); got != "BTCUSDT,ETHUSDT" {
		t.Errorf("unexpected symbols: %s", got)
	}
	if cfg.Writer.FlushInterval != 250*time.Millisecond {
		t.Errorf("unexpected flush interval: %s", cfg.Writer.FlushInterval)
	}
	// untouched keys keep their defaults
	if cfg.Queue.Capacity != Default().Queue.Capacity {
		t.Errorf("unexpected queue capacity: %d", cfg.Queue.Capacity)
	}
	if cfg.Backoff.ResetCycleAfter != 7 || cfg.Backoff.ResetLevel != 3 {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Backoff)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DEPTHFLOW_SYMBOLS", "solusdt,xrpusdt")
	t.Setenv("LOB_DIR", "/tmp/lob")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := strings.Join(cfg.Stream.Symbols, ","); got != "SOLUSDT,XRPUSDT" {
		t.Errorf("unexpected symbols: %s", got)
	}
	if cfg.Storage.Dir != "/tmp/lob" {
		t.Errorf("unexpected storage dir: %s", cfg.Storage.Dir)
	}
}

func TestLoadConfigRejectsBadBucket(t *testing.T) {
	content := strings.Replace(minimalConfig, "bucket: 1m", "bucket: 7m", 1)
	path := writeTempConfig(t, content)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for bucket that does not divide a day")
	}
}

func TestLoadConfigRequiresSymbols(t *testing.T) {
	path := writeTempConfig(t, "depthflow:\n  name: x\n")

	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "stream.symbols") {
		t.Fatalf("expected symbols error, got %v", err)
	}
}

func TestLoadConfigS3Validation(t *testing.T) {
	content := minimalConfig + `storage:
  s3:
    enabled: true
    bucket: "Bad_Bucket"
    region: "ap-south-1"
`
	path := writeTempConfig(t, content)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected invalid bucket error")
	}
}

func TestLoadIPShards(t *testing.T) {
	path := writeTempConfig(t, `shards:
- ip: "10.0.0.1"
  symbols: ["btcusdt", "ETHUSDT"]
- ip: "10.0.0.2"
  symbols: ["SOLUSDT"]
`)

	shards, err := LoadIPShards(path)
	if err != nil {
		t.Fatalf("LoadIPShards failed: %v", err)
	}
	if len(shards.Shards) != 2 {
		t.Fatalf("unexpected shard count: %d", len(shards.Shards))
	}
	if ip := shards.SourceIPFor("BTCUSDT"); ip != "10.0.0.1" {
		t.Errorf("unexpected ip for BTCUSDT: %q", ip)
	}
	if ip := shards.SourceIPFor("DOGEUSDT"); ip != "" {
		t.Errorf("expected default route, got %q", ip)
	}
}

func TestLoadIPShardsDuplicateSymbol(t *testing.T) {
	path := writeTempConfig(t, `shards:
- ip: "10.0.0.1"
  symbols: ["BTCUSDT"]
- ip: "10.0.0.2"
  symbols: ["btcusdt"]
`)

	if _, err := LoadIPShards(path); err == nil {
		t.Fatal("expected duplicate symbol error")
	}
}

func TestLoadIPShardsMissingFile(t *testing.T) {
	shards, err := LoadIPShards(filepath.Join(t.TempDir(), "none.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shards.Shards) != 0 {
		t.Fatalf("expected no shards")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Fatalf("unexpected environment: %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatal("production should be production-like")
	}
}
