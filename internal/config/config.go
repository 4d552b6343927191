package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// S3 rejects presigned URLs valid for longer than seven days.
const maxPresignExpiry = 7 * 24 * time.Hour

type Config struct {
	HTTPPort          string        `env:"HTTP_PORT" env-default:"8080"`
	HTTPReadTimeout   time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"2m"`
	HTTPWriteTimeout  time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"20m"`
	HTTPIdleTimeout   time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`
	LogMode           string        `env:"LOG_MODE" env-default:"development"`
	LogLevel          string        `env:"LOG_LEVEL" env-default:"INFO"`
	JWTSecret         string        `env:"JWT_SECRET"`
	JWTTTL            time.Duration `env:"JWT_TTL" env-default:"24h"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" env-default:"209715200"`
	RouteCacheSize    int           `env:"ROUTE_CACHE_SIZE" env-default:"1024"`

	RemoteRetries      int           `env:"REMOTE_RETRIES" env-default:"0"`
	RemoteRetryBackoff time.Duration `env:"REMOTE_RETRY_BACKOFF" env-default:"300ms"`

	Database DatabaseConfig
	Blob     BlobConfig
	ChatPDF  ChatPDFConfig
	LargeDoc LargeDocConfig
	Timeouts TimeoutConfig
}

type DatabaseConfig struct {
	Driver string `env:"DATABASE_DRIVER" env-default:"sqlite3"`
	URL    string `env:"DATABASE_URL" env-default:"filetask.db"`
}

type BlobConfig struct {
	Backend string `env:"BLOB_BACKEND" env-default:"disk"`

	S3Endpoint      string        `env:"BLOB_S3_ENDPOINT" env-default:"localhost:9000"`
	S3Region        string        `env:"BLOB_S3_REGION" env-default:"us-east-1"`
	S3AccessKey     string        `env:"BLOB_S3_ACCESS_KEY"`
	S3SecretKey     string        `env:"BLOB_S3_SECRET_KEY"`
	S3Bucket        string        `env:"BLOB_S3_BUCKET" env-default:"filetask-documents"`
	S3UseSSL        bool          `env:"BLOB_S3_USE_SSL" env-default:"false"`
	S3PresignExpiry time.Duration `env:"BLOB_S3_PRESIGN_EXPIRY" env-default:"1h"`

	GCSBucket        string `env:"BLOB_GCS_BUCKET"`
	GCSPublicBaseURL string `env:"BLOB_GCS_PUBLIC_BASE_URL"`

	DiskDir     string `env:"BLOB_DISK_DIR" env-default:"data/uploads"`
	DiskBaseURL string `env:"BLOB_DISK_BASE_URL"`
}

// ChatPDFConfig configures the small-document client. Timeout is a hard cap
// on each HTTP request on top of the per-call TimeoutConfig deadlines; the
// shorter of the two wins. Zero leaves requests bounded by TimeoutConfig.
type ChatPDFConfig struct {
	BaseURL string        `env:"CHATPDF_BASE_URL" env-default:"https://api.chatpdf.com"`
	APIKey  string        `env:"CHATPDF_API_KEY"`
	Timeout time.Duration `env:"CHATPDF_TIMEOUT" env-default:"0s"`
}

// LargeDocConfig selects the service that summarizes documents above the
// small-file threshold. Timeout caps HTTP summarizer requests the same way
// ChatPDFConfig.Timeout does.
type LargeDocConfig struct {
	Backend       string        `env:"LARGE_DOC_BACKEND" env-default:"http"`
	SummarizerURL string        `env:"SUMMARIZER_URL" env-default:"http://127.0.0.1:5000"`
	GeminiAPIKey  string        `env:"GEMINI_API_KEY"`
	GeminiModel   string        `env:"GEMINI_MODEL" env-default:"gemini-1.5-flash-latest"`
	Timeout       time.Duration `env:"LARGE_DOC_TIMEOUT" env-default:"0s"`
}

// TimeoutConfig bounds each orchestrator call against the remote services.
type TimeoutConfig struct {
	SmallIngest   time.Duration `env:"SMALL_INGEST_TIMEOUT" env-default:"2m"`
	LargeIngest   time.Duration `env:"LARGE_INGEST_TIMEOUT" env-default:"15m"`
	SmallConverse time.Duration `env:"SMALL_CONVERSE_TIMEOUT" env-default:"1m"`
	LargeConverse time.Duration `env:"LARGE_CONVERSE_TIMEOUT" env-default:"3m"`
}

func Load() (*Config, error) {
	// A missing .env file is fine; the environment is authoritative.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if strings.TrimSpace(c.ChatPDF.APIKey) == "" {
		return fmt.Errorf("CHATPDF_API_KEY environment variable is required")
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.S3AccessKey == "" || c.Blob.S3SecretKey == "" {
			return fmt.Errorf("BLOB_S3_ACCESS_KEY and BLOB_S3_SECRET_KEY are required for the s3 blob backend")
		}
		if c.Blob.S3PresignExpiry > maxPresignExpiry {
			return fmt.Errorf("BLOB_S3_PRESIGN_EXPIRY must not exceed %s", maxPresignExpiry)
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("BLOB_GCS_BUCKET is required for the gcs blob backend")
		}
	case "disk":
	default:
		return fmt.Errorf("unsupported BLOB_BACKEND %q", c.Blob.Backend)
	}

	switch c.LargeDoc.Backend {
	case "http":
		if strings.TrimSpace(c.LargeDoc.SummarizerURL) == "" {
			return fmt.Errorf("SUMMARIZER_URL is required for the http large-document backend")
		}
	case "gemini":
		if strings.TrimSpace(c.LargeDoc.GeminiAPIKey) == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini large-document backend")
		}
	default:
		return fmt.Errorf("unsupported LARGE_DOC_BACKEND %q", c.LargeDoc.Backend)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RemoteRetries < 0 {
		return fmt.Errorf("REMOTE_RETRIES must not be negative")
	}
	return nil
}
