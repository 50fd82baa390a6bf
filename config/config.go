package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the pipeline.
type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"console"`
	WebhookPath   string `env:"WEBHOOK_PATH" envDefault:"/webhooks"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:zappipe.db?_pragma=busy_timeout(5000)"`

	Queue    QueueConfig
	Concat   ConcatConfig   `envPrefix:"MESSAGE_CONCAT_"`
	Media    MediaConfig    `envPrefix:"MEDIA_"`
	OpenAI   OpenAIConfig   `envPrefix:"OPENAI_"`
	S3       S3Config       `envPrefix:"S3_"`
	Chatwoot ChatwootConfig `envPrefix:"CHATWOOT_"`

	CredentialCacheTTL time.Duration `env:"CREDENTIAL_CACHE_TTL" envDefault:"5m"`
	SessionTimeout     time.Duration `env:"SESSION_TIMEOUT" envDefault:"24h"`
}

// QueueConfig selects the broker and the worker pool sizes.
type QueueConfig struct {
	Backend        string   `env:"QUEUE_BACKEND" envDefault:"memory"`
	RabbitMQURL    string   `env:"RABBITMQ_URL"`
	Prefix         string   `env:"RABBITMQ_QUEUE_PREFIX" envDefault:"zappipe"`
	EventsQueue    string   `env:"RABBITMQ_EVENTS_QUEUE" envDefault:"events"`
	SpecificEvents []string `env:"AMQP_SPECIFIC_EVENTS" envSeparator:","`

	TranscriptionConcurrency int           `env:"TRANSCRIPTION_CONCURRENCY" envDefault:"4"`
	TranscriptionMaxRetries  int           `env:"TRANSCRIPTION_MAX_RETRIES" envDefault:"3"`
	TranscriptionBackoff     time.Duration `env:"TRANSCRIPTION_BACKOFF" envDefault:"5s"`
	ConcatConcurrency        int           `env:"CONCATENATION_CONCURRENCY" envDefault:"8"`
	ConcatMaxRetries         int           `env:"CONCATENATION_MAX_RETRIES" envDefault:"3"`
	ConcatBackoff            time.Duration `env:"CONCATENATION_BACKOFF" envDefault:"1s"`
	CompletedRetention       time.Duration `env:"QUEUE_COMPLETED_RETENTION" envDefault:"1h"`
	FailedRetention          time.Duration `env:"QUEUE_FAILED_RETENTION" envDefault:"24h"`
}

// ConcatConfig drives the debounce buffers.
type ConcatConfig struct {
	Window         time.Duration `env:"TIMEOUT" envDefault:"6s"`
	MaxLifetime    time.Duration `env:"MAX_LIFETIME" envDefault:"30s"`
	MaxMessages    int           `env:"MAX_MESSAGES" envDefault:"10"`
	ResetOnArrival bool          `env:"RESET_ON_ARRIVAL" envDefault:"true"`
	Separator      string        `env:"SEPARATOR" envDefault:"\n"`
	FlushAttempts  int           `env:"FLUSH_ATTEMPTS" envDefault:"3"`
	FlushBackoff   time.Duration `env:"FLUSH_BACKOFF" envDefault:"200ms"`
}

// MediaConfig drives download limits, caching and the external tools used for media.
type MediaConfig struct {
	MaxBytes        int64         `env:"MAX_BYTES" envDefault:"26214400"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"24h"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"60s"`
	VideoFrames     int           `env:"VIDEO_FRAMES" envDefault:"3"`
	OCRPages        int           `env:"OCR_PAGES" envDefault:"3"`
	FFmpegPath      string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath     string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	PdftoppmPath    string        `env:"PDFTOPPM_PATH" envDefault:"pdftoppm"`
}

// OpenAIConfig holds the system-default provider used when no tenant credential resolves.
type OpenAIConfig struct {
	APIKey              string        `env:"API_KEY"`
	BaseURL             string        `env:"BASE_URL"`
	TranscriptionAPIKey string        `env:"TRANSCRIPTION_API_KEY"`
	TranscriptionModel  string        `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	VisionModel         string        `env:"VISION_MODEL" envDefault:"gpt-4o"`
	VisionMaxTokens     int64         `env:"VISION_MAX_TOKENS" envDefault:"500"`
	Language            string        `env:"TRANSCRIPTION_LANGUAGE" envDefault:"pt"`
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

// S3Config enables archival of downloaded media.
type S3Config struct {
	Enabled       bool   `env:"ENABLED"`
	Endpoint      string `env:"ENDPOINT"`
	Region        string `env:"REGION" envDefault:"us-east-1"`
	Bucket        string `env:"BUCKET"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	PathStyle     bool   `env:"PATH_STYLE"`
	PublicURL     string `env:"PUBLIC_URL"`
	RetentionDays int    `env:"RETENTION_DAYS"`
	EnableACL     bool   `env:"ENABLE_ACL"`
}

// ChatwootConfig enables the inbox relay when BaseURL is set.
type ChatwootConfig struct {
	BaseURL     string `env:"BASE_URL"`
	AccessToken string `env:"ACCESS_TOKEN"`
	AccountID   string `env:"ACCOUNT_ID"`
	InboxID     string `env:"INBOX_ID"`
}

// Enabled reports whether every Chatwoot field needed by the client is present.
func (c ChatwootConfig) Enabled() bool {
	return c.BaseURL != "" && c.AccessToken != "" && c.AccountID != "" && c.InboxID != ""
}

// LoadConfig loads a .env file if present and parses the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bounds of the debounce window and the fragment cap.
const (
	MinConcatWindow   = 5 * time.Second
	MaxConcatWindow   = 8 * time.Second
	MaxConcatMessages = 10
)

// Validate rejects combinations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch strings.ToLower(c.Queue.Backend) {
	case "memory":
	case "rabbitmq":
		if c.Queue.RabbitMQURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=rabbitmq requires RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Concat.Window < MinConcatWindow || c.Concat.Window > MaxConcatWindow {
		return fmt.Errorf("MESSAGE_CONCAT_TIMEOUT (%s) must be between %s and %s", c.Concat.Window, MinConcatWindow, MaxConcatWindow)
	}
	if c.Concat.MaxLifetime < c.Concat.Window {
		return fmt.Errorf("MESSAGE_CONCAT_MAX_LIFETIME (%s) must not be shorter than MESSAGE_CONCAT_TIMEOUT (%s)", c.Concat.MaxLifetime, c.Concat.Window)
	}
	if c.Concat.MaxMessages < 1 || c.Concat.MaxMessages > MaxConcatMessages {
		return fmt.Errorf("MESSAGE_CONCAT_MAX_MESSAGES (%d) must be between 1 and %d", c.Concat.MaxMessages, MaxConcatMessages)
	}
	if c.Queue.TranscriptionConcurrency < 1 || c.Queue.ConcatConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_ENABLED requires S3_BUCKET")
	}
	return nil
}
