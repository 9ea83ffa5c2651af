package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/asset_uploader/internal/backoff"
	"github.com/italolelis/asset_uploader/internal/upload"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BlobBackend  string `envconfig:"BLOB_BACKEND" default:"putio"`
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`

	PutioToken        string `envconfig:"PUTIO_TOKEN"`
	PutioParentFolder int64  `envconfig:"PUTIO_PARENT_FOLDER" default:"0"`

	S3 struct {
		Bucket          string        `split_words:"true"`
		Region          string        `split_words:"true" default:"us-east-1"`
		Endpoint        string        `split_words:"true"`
		AccessKeyID     string        `split_words:"true"`
		SecretAccessKey string        `split_words:"true"`
		UsePathStyle    bool          `split_words:"true"`
		PresignTTL      time.Duration `split_words:"true"`
	}

	Minio struct {
		Endpoint        string        `split_words:"true"`
		AccessKeyID     string        `split_words:"true"`
		SecretAccessKey string        `split_words:"true"`
		Bucket          string        `split_words:"true"`
		Region          string        `split_words:"true"`
		UseSSL          bool          `split_words:"true" default:"true"`
		PresignTTL      time.Duration `split_words:"true"`
	}

	DBPath         string        `envconfig:"DB_PATH" default:"uploads.db"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisNamespace string        `envconfig:"REDIS_NAMESPACE" default:"asset_uploader"`
	RedisTTL       time.Duration `envconfig:"REDIS_TTL" default:"168h"`

	UploadFolder            string `envconfig:"UPLOAD_FOLDER" default:"assets"`
	UploadFileName          string `envconfig:"UPLOAD_FILE_NAME"`
	UploadMaxSize           int64  `envconfig:"UPLOAD_MAX_SIZE" default:"5242880"`
	UploadAllowedTypePrefix string `envconfig:"UPLOAD_ALLOWED_TYPE_PREFIX" default:"image/"`
	UploadSpoolDir          string `envconfig:"UPLOAD_SPOOL_DIR"`

	AutoRetry        bool          `envconfig:"AUTO_RETRY" default:"true"`
	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`

	ConnectivityProbeURL    string        `envconfig:"CONNECTIVITY_PROBE_URL"`
	ConnectivityInterval    time.Duration `envconfig:"CONNECTIVITY_INTERVAL" default:"15s"`
	ConnectivityTimeout     time.Duration `envconfig:"CONNECTIVITY_TIMEOUT" default:"5s"`
	ConnectivitySettleDelay time.Duration `envconfig:"CONNECTIVITY_SETTLE_DELAY" default:"1s"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepSessionsFor   time.Duration `envconfig:"KEEP_SESSIONS_FOR" default:"168h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"asset_uploader"`
		OTLPEndpoint string        `split_words:"true"`
		OTLPInterval time.Duration `split_words:"true" default:"30s"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.UploadSpoolDir == "" {
		cfg.UploadSpoolDir = filepath.Join(os.TempDir(), "asset_uploader")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	switch c.BlobBackend {
	case "putio":
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is required for the putio backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	switch c.StoreBackend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid retry settings: %w", err)
	}

	return nil
}

// RetryPolicy builds the backoff policy from the RETRY_* variables.
func (c *Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        c.RetryBaseDelay,
		Factor:      backoff.DefaultFactor,
		Max:         c.RetryMaxDelay,
		MaxAttempts: c.RetryMaxAttempts,
	}
}

func (c *Config) Constraints() upload.Constraints {
	return upload.Constraints{
		AllowedTypePrefix: c.UploadAllowedTypePrefix,
		MaxSizeInBytes:    c.UploadMaxSize,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
