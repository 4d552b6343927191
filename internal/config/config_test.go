package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CHATPDF_API_KEY", "key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "sqlite3", cfg.Database.Driver)
	require.Equal(t, "disk", cfg.Blob.Backend)
	require.Equal(t, "http", cfg.LargeDoc.Backend)
	require.Equal(t, 15*time.Minute, cfg.Timeouts.LargeIngest)
	require.Greater(t, cfg.Timeouts.LargeIngest, cfg.Timeouts.SmallIngest)
	require.Equal(t, 0, cfg.RemoteRetries)
	// Client-level timeouts stay off so the per-call deadlines govern.
	require.Zero(t, cfg.ChatPDF.Timeout)
	require.Zero(t, cfg.LargeDoc.Timeout)
	require.Equal(t, time.Hour, cfg.Blob.S3PresignExpiry)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CHATPDF_API_KEY", "key")

	_, err := Load()
	require.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoadGeminiBackendNeedsKey(t *testing.T) {
	setRequired(t)
	t.Setenv("LARGE_DOC_BACKEND", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.ErrorContains(t, err, "GEMINI_API_KEY")

	t.Setenv("GEMINI_API_KEY", "g")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "gemini", cfg.LargeDoc.Backend)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	base := Config{
		JWTSecret:      "s",
		MaxUploadBytes: 1,
		ChatPDF:        ChatPDFConfig{APIKey: "k"},
		Database:       DatabaseConfig{Driver: "sqlite3"},
		Blob:           BlobConfig{Backend: "disk"},
		LargeDoc:       LargeDocConfig{Backend: "http", SummarizerURL: "http://x"},
	}
	require.NoError(t, base.Validate())

	cfg := base
	cfg.Database.Driver = "mysql"
	require.ErrorContains(t, cfg.Validate(), "DATABASE_DRIVER")

	cfg = base
	cfg.Blob.Backend = "ftp"
	require.ErrorContains(t, cfg.Validate(), "BLOB_BACKEND")

	cfg = base
	cfg.Blob.Backend = "s3"
	require.ErrorContains(t, cfg.Validate(), "BLOB_S3_ACCESS_KEY")

	cfg = base
	cfg.Blob = BlobConfig{Backend: "s3", S3AccessKey: "a", S3SecretKey: "b", S3PresignExpiry: 8 * 24 * time.Hour}
	require.ErrorContains(t, cfg.Validate(), "BLOB_S3_PRESIGN_EXPIRY")
	cfg.Blob.S3PresignExpiry = 7 * 24 * time.Hour
	require.NoError(t, cfg.Validate())
}
