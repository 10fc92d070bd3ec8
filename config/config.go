package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Stream    StreamConfig    `yaml:"stream"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Latency   LatencyConfig   `yaml:"latency"`
	Queue     QueueConfig     `yaml:"queue"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Workers   WorkersConfig   `yaml:"workers"`
	Resource  ResourceConfig  `yaml:"resource"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	WSBaseURL    string        `yaml:"ws_base_url"`
	RestBaseURL  string        `yaml:"rest_base_url"`
	Symbols      []string      `yaml:"symbols"`
	StreamSuffix string        `yaml:"stream_suffix"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// DialRate is the number of websocket handshakes allowed per second per source IP.
	DialRate       float64 `yaml:"dial_rate"`
	ValidateSymbol bool    `yaml:"validate_symbols"`
}

type BackoffConfig struct {
	Base            float64       `yaml:"base"`
	Max             time.Duration `yaml:"max"`
	Jitter          time.Duration `yaml:"jitter"`
	ResetCycleAfter int           `yaml:"reset_cycle_after"`
	ResetLevel      int           `yaml:"reset_level"`
}

type LatencyConfig struct {
	RingSize           int           `yaml:"ring_size"`
	MinSamples         int           `yaml:"min_samples"`
	Threshold          time.Duration `yaml:"threshold"`
	EvalInterval       time.Duration `yaml:"eval_interval"`
	ClockProbe         bool          `yaml:"clock_probe"`
	ClockProbeInterval time.Duration `yaml:"clock_probe_interval"`
	CorrectClockOffset bool          `yaml:"correct_clock_offset"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type WriterConfig struct {
	Bucket        time.Duration `yaml:"bucket"`
	FlushRecords  int           `yaml:"flush_records"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	Dir               string   `yaml:"dir"`
	PurgeOnDateChange bool     `yaml:"purge_on_date_change"`
	Parquet           bool     `yaml:"parquet"`
	S3                S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WorkersConfig struct {
	Compress       int `yaml:"compress"`
	Consolidate    int `yaml:"consolidate"`
	CompressQueue  int `yaml:"compress_queue"`
	MaxRetries     int `yaml:"max_retries"`
	RecoveryMemory int `yaml:"recovery_memory"`
}

type ResourceConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MemoryBudgetMB    uint64        `yaml:"memory_budget_mb"`
	ReclaimFraction   float64       `yaml:"reclaim_fraction"`
	HardLimitFraction float64       `yaml:"hard_limit_fraction"`
}

type MetricsConfig struct {
	Interval   time.Duration    `yaml:"interval"`
	DiskPath   string           `yaml:"disk_path"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type ShutdownConfig struct {
	Grace time.Duration `yaml:"grace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			WSBaseURL:    "wss://fstream.binance.com",
			RestBaseURL:  "https://fapi.binance.com",
			StreamSuffix: "@depth20@100ms",
			PingInterval: 20 * time.Second,
			PingTimeout:  10 * time.Second,
			ReadTimeout:  60 * time.Second,
			DialRate:     4,
		},
		Backoff: BackoffConfig{
			Base:            2,
			Max:             30 * time.Second,
			Jitter:          time.Second,
			ResetCycleAfter: 7,
			ResetLevel:      3,
		},
		Latency: LatencyConfig{
			RingSize:           10000,
			MinSamples:         2000,
			Threshold:          500 * time.Millisecond,
			EvalInterval:       time.Second,
			ClockProbeInterval: time.Minute,
		},
		Queue: QueueConfig{Capacity: 6000},
		Writer: WriterConfig{
			Bucket:        time.Minute,
			FlushRecords:  500,
			FlushInterval: time.Second,
		},
		Storage: StorageConfig{Dir: "data"},
		Workers: WorkersConfig{
			Compress:       2,
			Consolidate:    1,
			CompressQueue:  64,
			MaxRetries:     3,
			RecoveryMemory: 4096,
		},
		Resource: ResourceConfig{
			Interval:          10 * time.Second,
			MemoryBudgetMB:    2048,
			ReclaimFraction:   0.8,
			HardLimitFraction: 0.95,
		},
		Metrics: MetricsConfig{
			Interval: 5 * time.Second,
			DiskPath: "/",
			Prometheus: PrometheusConfig{
				Address: "0.0.0.0:2112",
			},
			CloudWatch: CloudWatchConfig{Namespace: "Depthflow"},
		},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			LogHistory:      200,
			MetricsHistory:  200,
			RefreshInterval: 5 * time.Second,
		},
		Shutdown: ShutdownConfig{Grace: 30 * time.Second},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.Stream.Symbols = NormalizeSymbols(config.Stream.Symbols)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DEPTHFLOW_SYMBOLS"); v != "" {
		config.Stream.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("LOB_DIR"); v != "" {
		config.Storage.Dir = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols while keeping
// their configured order.
func NormalizeSymbols(symbols []string) []string {
	cleaned := lo.FilterMap(symbols, func(s string, _ int) (string, bool) {
		s = strings.ToUpper(strings.TrimSpace(s))
		return s, s != ""
	})
	return lo.Uniq(cleaned)
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}

	if len(cfg.Stream.Symbols) == 0 {
		return fmt.Errorf("stream.symbols must not be empty")
	}
	if cfg.Stream.WSBaseURL == "" {
		return fmt.Errorf("stream.ws_base_url is required")
	}
	if cfg.Stream.DialRate <= 0 {
		return fmt.Errorf("stream.dial_rate must be greater than 0")
	}

	if cfg.Backoff.Base < 1 {
		return fmt.Errorf("backoff.base must be at least 1")
	}
	if cfg.Backoff.Max <= 0 {
		return fmt.Errorf("backoff.max must be greater than 0")
	}
	if cfg.Backoff.ResetCycleAfter <= 0 {
		return fmt.Errorf("backoff.reset_cycle_after must be greater than 0")
	}
	if cfg.Backoff.ResetLevel < 0 || cfg.Backoff.ResetLevel > cfg.Backoff.ResetCycleAfter {
		return fmt.Errorf("backoff.reset_level must be between 0 and backoff.reset_cycle_after")
	}

	if cfg.Latency.RingSize <= 0 {
		return fmt.Errorf("latency.ring_size must be greater than 0")
	}
	if cfg.Latency.MinSamples <= 0 || cfg.Latency.MinSamples > cfg.Latency.RingSize {
		return fmt.Errorf("latency.min_samples must be between 1 and latency.ring_size")
	}
	if cfg.Latency.Threshold <= 0 {
		return fmt.Errorf("latency.threshold must be greater than 0")
	}
	if cfg.Latency.EvalInterval <= 0 {
		return fmt.Errorf("latency.eval_interval must be greater than 0")
	}

	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be greater than 0")
	}

	if cfg.Writer.Bucket < time.Minute || (24*time.Hour)%cfg.Writer.Bucket != 0 {
		return fmt.Errorf("writer.bucket must be at least 1m and divide 24h")
	}
	if cfg.Writer.FlushRecords <= 0 {
		return fmt.Errorf("writer.flush_records must be greater than 0")
	}
	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}

	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}

	if cfg.Workers.Compress <= 0 {
		return fmt.Errorf("workers.compress must be greater than 0")
	}
	if cfg.Workers.Consolidate <= 0 {
		return fmt.Errorf("workers.consolidate must be greater than 0")
	}

	if cfg.Resource.ReclaimFraction <= 0 || cfg.Resource.ReclaimFraction > cfg.Resource.HardLimitFraction {
		return fmt.Errorf("resource.reclaim_fraction must be greater than 0 and not above resource.hard_limit_fraction")
	}

	if cfg.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be greater than 0")
	}

	if cfg.Shutdown.Grace <= 0 {
		return fmt.Errorf("shutdown.grace must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if !s3BucketPattern.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}
