package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents application configuration loaded from environment variables.
// Tuning knobs for the pipeline, worker pool and cache may also come from a TOML
// file named by SLIDEGEN_CONFIG_FILE; environment variables win over the file.
type Config struct {
	AppEnv         string
	LogLevel       string
	Port           string
	DatabaseURL    string
	JWTSecret      string
	StorageBaseURL string
	StoragePath    string
	GeoIPDBPath    string

	ScriptProvider string
	GeminiAPIKey   string
	GeminiModel    string
	GeminiBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	OpenAIOrg      string

	SpeechBaseURL string
	SpeechAPIKey  string
	SpeechVoice   string

	RedisURL        string
	NATSURL         string
	NATSAudioBucket string
	KafkaBrokers    []string
	KafkaTopic      string
	NotifyPostgres  bool
	NotifyChannel   string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
	DefaultLocale    string

	Pipeline PipelineConfig
	Worker   WorkerConfig
	Cache    CacheConfig
}

// PipelineConfig tunes admission and per-slide processing.
type PipelineConfig struct {
	SmallJobThreshold int
	StageTimeout      time.Duration
	SlideDelay        time.Duration
	MaxAttempts       int
	RetryBase         time.Duration
	RetryCap          time.Duration
	DedupeInFlight    bool
}

// WorkerConfig tunes the worker pool and its sweeper.
type WorkerConfig struct {
	Embedded      bool
	PoolSize      int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
	JobTTL        time.Duration
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TTL time.Duration
}

// tuningFile mirrors the optional TOML overlay. Durations are Go duration strings.
type tuningFile struct {
	Pipeline struct {
		SmallJobThreshold *int   `toml:"small_job_threshold"`
		StageTimeout      string `toml:"stage_timeout"`
		SlideDelay        string `toml:"slide_delay"`
		MaxAttempts       *int   `toml:"max_attempts"`
		RetryBase         string `toml:"retry_base"`
		RetryCap          string `toml:"retry_cap"`
		DedupeInFlight    *bool  `toml:"dedupe_in_flight"`
	} `toml:"pipeline"`
	Worker struct {
		Embedded      *bool  `toml:"embedded"`
		PoolSize      *int   `toml:"pool_size"`
		PollInterval  string `toml:"poll_interval"`
		StaleAfter    string `toml:"stale_after"`
		SweepInterval string `toml:"sweep_interval"`
		JobTTL        string `toml:"job_ttl"`
	} `toml:"worker"`
	Cache struct {
		TTL string `toml:"ttl"`
	} `toml:"cache"`
}

// DefaultPipelineConfig returns the built-in pipeline tuning.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SmallJobThreshold: 5,
		StageTimeout:      20 * time.Second,
		SlideDelay:        150 * time.Millisecond,
		MaxAttempts:       3,
		RetryBase:         2 * time.Second,
		RetryCap:          time.Minute,
	}
}

// DefaultWorkerConfig returns the built-in worker pool tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Embedded:      true,
		PoolSize:      2,
		PollInterval:  2 * time.Second,
		StaleAfter:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
		JobTTL:        24 * time.Hour,
	}
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	pipeline := DefaultPipelineConfig()
	worker := DefaultWorkerConfig()
	cache := CacheConfig{TTL: time.Hour}

	if path := strings.TrimSpace(os.Getenv("SLIDEGEN_CONFIG_FILE")); path != "" {
		if err := applyTuningFile(path, &pipeline, &worker, &cache); err != nil {
			return nil, err
		}
	}

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),

		ScriptProvider: strings.ToLower(getEnv("SCRIPT_PROVIDER", "gemini")),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiBaseURL:  getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:      os.Getenv("OPENAI_ORG"),

		SpeechBaseURL: os.Getenv("SPEECH_BASE_URL"),
		SpeechAPIKey:  os.Getenv("SPEECH_API_KEY"),
		SpeechVoice:   getEnv("SPEECH_VOICE", "alloy"),

		RedisURL:        os.Getenv("REDIS_URL"),
		NATSURL:         os.Getenv("NATS_URL"),
		NATSAudioBucket: getEnv("NATS_AUDIO_BUCKET", "SLIDE_AUDIO"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "slidegen.job-events"),
		NotifyPostgres:  getEnvBool("NOTIFY_POSTGRES", false),
		NotifyChannel:   getEnv("NOTIFY_CHANNEL", "slide_job_events"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),

		Pipeline: PipelineConfig{
			SmallJobThreshold: getEnvInt("SMALL_JOB_THRESHOLD", pipeline.SmallJobThreshold),
			StageTimeout:      getEnvDuration("STAGE_TIMEOUT", pipeline.StageTimeout),
			SlideDelay:        getEnvDuration("SLIDE_DELAY", pipeline.SlideDelay),
			MaxAttempts:       getEnvInt("JOB_MAX_ATTEMPTS", pipeline.MaxAttempts),
			RetryBase:         getEnvDuration("JOB_RETRY_BASE", pipeline.RetryBase),
			RetryCap:          getEnvDuration("JOB_RETRY_CAP", pipeline.RetryCap),
			DedupeInFlight:    getEnvBool("DEDUPE_IN_FLIGHT", pipeline.DedupeInFlight),
		},
		Worker: WorkerConfig{
			Embedded:      getEnvBool("WORKER_EMBEDDED", worker.Embedded),
			PoolSize:      getEnvInt("WORKER_POOL_SIZE", worker.PoolSize),
			PollInterval:  getEnvDuration("WORKER_POLL_INTERVAL", worker.PollInterval),
			StaleAfter:    getEnvDuration("WORKER_STALE_AFTER", worker.StaleAfter),
			SweepInterval: getEnvDuration("WORKER_SWEEP_INTERVAL", worker.SweepInterval),
			JobTTL:        getEnvDuration("JOB_TTL", worker.JobTTL),
		},
		Cache: CacheConfig{
			TTL: getEnvDuration("CACHE_TTL", cache.TTL),
		},
	}

	if cfg.Worker.PoolSize < 1 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", cfg.Worker.PoolSize)
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		return nil, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.SmallJobThreshold < 0 {
		return nil, fmt.Errorf("SMALL_JOB_THRESHOLD must not be negative")
	}

	return cfg, nil
}

// RequireJWT reports a configuration error when the API cannot verify tokens.
func (c *Config) RequireJWT() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func applyTuningFile(path string, pipeline *PipelineConfig, worker *WorkerConfig, cache *CacheConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file tuningFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	p := file.Pipeline
	if p.SmallJobThreshold != nil {
		pipeline.SmallJobThreshold = *p.SmallJobThreshold
	}
	if p.MaxAttempts != nil {
		pipeline.MaxAttempts = *p.MaxAttempts
	}
	if p.DedupeInFlight != nil {
		pipeline.DedupeInFlight = *p.DedupeInFlight
	}
	w := file.Worker
	if w.Embedded != nil {
		worker.Embedded = *w.Embedded
	}
	if w.PoolSize != nil {
		worker.PoolSize = *w.PoolSize
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"pipeline.stage_timeout", p.StageTimeout, &pipeline.StageTimeout},
		{"pipeline.slide_delay", p.SlideDelay, &pipeline.SlideDelay},
		{"pipeline.retry_base", p.RetryBase, &pipeline.RetryBase},
		{"pipeline.retry_cap", p.RetryCap, &pipeline.RetryCap},
		{"worker.poll_interval", w.PollInterval, &worker.PollInterval},
		{"worker.stale_after", w.StaleAfter, &worker.StaleAfter},
		{"worker.sweep_interval", w.SweepInterval, &worker.SweepInterval},
		{"worker.job_ttl", w.JobTTL, &worker.JobTTL},
		{"cache.ttl", file.Cache.TTL, &cache.TTL},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("1m30s") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
