// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup: an
// in-memory store and queues, a filesystem blob store, scripted bots and mock collaborators.
// Per-stage worker counts and retry budgets can be overridden by a YAML file named in
// PIPELINE_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/meeting-tender/backend/retry"
)

// Stage names shared by the pipeline, queues and pipeline config.
const (
	StageTranscription  = "transcription"
	StagePostProcessing = "post_processing"
	StageCompletion     = "completion"
	StageEvents         = "events"
)

// StageConfig sizes one pipeline stage.
type StageConfig struct {
	Workers int          `yaml:"workers"`
	Retry   retry.Policy `yaml:"retry"`
}

// PipelineConfig is the shape of the PIPELINE_CONFIG file.
type PipelineConfig struct {
	Stages              map[string]StageConfig `yaml:"stages"`
	PostProcessInterval time.Duration          `yaml:"post_process_interval"`
	BotJoin             retry.Policy           `yaml:"bot_join"`
	Ingest              retry.Policy           `yaml:"ingest"`
	Collaborator        retry.Policy           `yaml:"collaborator"`
}

type Config struct {
	HTTPAddr string

	// Persistence
	StoreBackend string // postgres | memory
	DBDsn        string

	// Blob storage
	BlobBackend string // fs | gcs
	DataDir     string
	GCSBucket   string

	// Queues and cross-instance relay
	QueueBackend string // memory | redis
	RedisURL     string
	HubRelay     bool

	// Collaborators; empty URLs select the mocks
	TranscribeURL   string
	TranscribeKey   string
	TranscribeModel string
	LLMURL          string
	LLMKey          string
	LLMModel        string
	EmbedModel      string

	// Bot transport
	BotSource      string // scripted | websocket | irc
	BotWSURL       string
	BotIRCUser     string
	BotIRCToken    string
	BotIRCEndToken string

	WebhookSecret      string
	CORSAllowedOrigins []string
	RateLimitPerMinute int

	// Admin routes (deletion, bot control) accept either credential; unset leaves them open.
	AdminUsername string
	AdminPassword string
	AdminToken    string

	SchedulerInterval time.Duration
	AutoJoinWindow    time.Duration

	Pipeline PipelineConfig
}

// DefaultPipeline returns the built-in stage sizing.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Stages: map[string]StageConfig{
			StageTranscription:  {Workers: 4, Retry: retry.Policy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Timeout: 2 * time.Minute}},
			StagePostProcessing: {Workers: 2, Retry: retry.Policy{Attempts: 2, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Timeout: time.Minute}},
			StageCompletion:     {Workers: 2, Retry: retry.Policy{Attempts: 3, InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, Timeout: 3 * time.Minute}},
			StageEvents:         {Workers: 4, Retry: retry.Policy{Attempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Timeout: 10 * time.Second}},
		},
		PostProcessInterval: 30 * time.Second,
		BotJoin:             retry.Policy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, Timeout: 30 * time.Second},
		Ingest:              retry.Policy{Attempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 4 * time.Second, Timeout: 15 * time.Second},
		Collaborator:        retry.Default,
	}
}

// Stage returns the sizing for name, falling back to one worker and the default policy.
func (p PipelineConfig) Stage(name string) StageConfig {
	sc, ok := p.Stages[name]
	if !ok || sc.Workers <= 0 {
		sc.Workers = 1
	}
	return sc
}

// Load reads environment variables and applies defaults. Only malformed values fail;
// missing optional variables fall back to local-friendly backends.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		StoreBackend:    strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		DBDsn:           os.Getenv("DB_DSN"),
		BlobBackend:     strings.ToLower(getenv("BLOB_BACKEND", "fs")),
		DataDir:         getenv("DATA_DIR", "data"),
		GCSBucket:       os.Getenv("GCS_BUCKET"),
		QueueBackend:    strings.ToLower(getenv("QUEUE_BACKEND", "memory")),
		RedisURL:        os.Getenv("REDIS_URL"),
		HubRelay:        os.Getenv("HUB_RELAY") == "1",
		TranscribeURL:   os.Getenv("TRANSCRIBE_URL"),
		TranscribeKey:   os.Getenv("TRANSCRIBE_API_KEY"),
		TranscribeModel: getenv("TRANSCRIBE_MODEL", "whisper-1"),
		LLMURL:          os.Getenv("LLM_URL"),
		LLMKey:          os.Getenv("LLM_API_KEY"),
		LLMModel:        getenv("LLM_MODEL", "gpt-4o-mini"),
		EmbedModel:      getenv("EMBED_MODEL", "text-embedding-3-small"),
		BotSource:       strings.ToLower(getenv("BOT_SOURCE", "scripted")),
		BotWSURL:        os.Getenv("BOT_WS_URL"),
		BotIRCUser:      os.Getenv("BOT_IRC_USERNAME"),
		BotIRCToken:     os.Getenv("BOT_IRC_OAUTH_TOKEN"),
		BotIRCEndToken:  getenv("BOT_IRC_END_COMMAND", "!endmeeting"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		AdminUsername:   os.Getenv("ADMIN_USERNAME"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		Pipeline:        DefaultPipeline(),
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	var err error
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = durationEnv("SCHEDULER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.AutoJoinWindow, err = durationEnv("AUTO_JOIN_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := cfg.Pipeline.overlayFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks cross-field requirements of the selected backends.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (postgres|memory)", c.StoreBackend)
	}
	switch c.BlobBackend {
	case "fs":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("BLOB_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("invalid BLOB_BACKEND %q (fs|gcs)", c.BlobBackend)
	}
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q (memory|redis)", c.QueueBackend)
	}
	if c.HubRelay && c.RedisURL == "" {
		return fmt.Errorf("HUB_RELAY=1 requires REDIS_URL")
	}
	switch c.BotSource {
	case "scripted":
	case "websocket":
		if c.BotWSURL == "" {
			return fmt.Errorf("BOT_SOURCE=websocket requires BOT_WS_URL")
		}
	case "irc":
		if c.BotIRCUser == "" || c.BotIRCToken == "" {
			return fmt.Errorf("BOT_SOURCE=irc requires BOT_IRC_USERNAME and BOT_IRC_OAUTH_TOKEN")
		}
	default:
		return fmt.Errorf("invalid BOT_SOURCE %q (scripted|websocket|irc)", c.BotSource)
	}
	return nil
}

// overlayFile merges the YAML file at path over p. Stages present in the file
// replace the built-in entry wholesale; zero durations keep the default.
func (p *PipelineConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return fmt.Errorf("read PIPELINE_CONFIG: %w", err)
	}
	var file PipelineConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse PIPELINE_CONFIG %s: %w", path, err)
	}
	for name, sc := range file.Stages {
		switch name {
		case StageTranscription, StagePostProcessing, StageCompletion, StageEvents:
		default:
			return fmt.Errorf("PIPELINE_CONFIG: unknown stage %q", name)
		}
		if sc.Workers < 0 {
			return fmt.Errorf("PIPELINE_CONFIG: stage %s workers must be >= 0", name)
		}
		p.Stages[name] = sc
	}
	if file.PostProcessInterval > 0 {
		p.PostProcessInterval = file.PostProcessInterval
	}
	if file.BotJoin.Attempts > 0 {
		p.BotJoin = file.BotJoin
	}
	if file.Ingest.Attempts > 0 {
		p.Ingest = file.Ingest
	}
	if file.Collaborator.Attempts > 0 {
		p.Collaborator = file.Collaborator
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want non-negative integer", key, v)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want positive duration", key, v)
	}
	return d, nil
}
