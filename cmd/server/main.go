package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/filetask/docchat/internal/api"
	"github.com/filetask/docchat/internal/auth"
	"github.com/filetask/docchat/internal/blob"
	"github.com/filetask/docchat/internal/config"
	"github.com/filetask/docchat/internal/core"
	"github.com/filetask/docchat/internal/logger"
	"github.com/filetask/docchat/internal/remote"
	"github.com/filetask/docchat/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	appLog, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()
	appLog.Debug("Service starting", "log_level", cfg.LogLevel, "db_driver", cfg.Database.Driver, "blob_backend", cfg.Blob.Backend)

	ctx := context.Background()

	// Initialize database store
	dbStore, err := store.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		appLog.Fatal("Failed to initialize database", "driver", cfg.Database.Driver, "error", err)
	}
	defer dbStore.Close()

	// Initialize blob storage
	blobs, closeBlobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		appLog.Fatal("Failed to initialize blob storage", "backend", cfg.Blob.Backend, "error", err)
	}
	defer closeBlobs.Close()

	// Initialize remote document services
	small, large, closeLarge, err := newRemoteServices(ctx, cfg, appLog)
	if err != nil {
		appLog.Fatal("Failed to initialize document services", "error", err)
	}
	defer closeLarge.Close()

	backends := core.Backends{
		Small: small,
		Large: large,
		Timeouts: core.Timeouts{
			SmallIngest:   cfg.Timeouts.SmallIngest,
			LargeIngest:   cfg.Timeouts.LargeIngest,
			SmallConverse: cfg.Timeouts.SmallConverse,
			LargeConverse: cfg.Timeouts.LargeConverse,
		},
	}

	ingestService := core.NewIngestService(dbStore, blobs, backends, appLog)
	chatService, err := core.NewChatService(dbStore, backends, cfg.RouteCacheSize, appLog)
	if err != nil {
		appLog.Fatal("Failed to initialize chat service", "error", err)
	}

	// Initialize API Handler and Router
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
	links, _ := blobs.(blob.Signer)
	apiHandler := api.NewAPIHandler(dbStore, ingestService, chatService, links, jwtManager, cfg.MaxUploadBytes, appLog)
	router := api.NewRouter(apiHandler, appLog)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout, // Large documents are summarized inside the request
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	// Graceful shutdown handling
	go func() {
		appLog.Info("Starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Could not listen", "addr", serverAddr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", "error", err)
		return
	}

	appLog.Info("Server exiting gracefully")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, io.Closer, error) {
	switch cfg.Backend {
	case "s3":
		s, err := blob.NewS3Store(blob.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			UseSSL:        cfg.S3UseSSL,
			PresignExpiry: cfg.S3PresignExpiry,
		})
		return s, nopCloser{}, err
	case "gcs":
		s, err := blob.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "disk":
		s, err := blob.NewDiskStore(cfg.DiskDir, cfg.DiskBaseURL)
		return s, nopCloser{}, err
	default:
		return nil, nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}

func newRemoteServices(ctx context.Context, cfg *config.Config, appLog *logger.Logger) (remote.SmallDocService, remote.LargeDocService, io.Closer, error) {
	var (
		large  remote.LargeDocService
		closer io.Closer = nopCloser{}
	)
	switch cfg.LargeDoc.Backend {
	case "gemini":
		g, err := remote.NewGeminiSummarizer(ctx, cfg.LargeDoc.GeminiAPIKey, cfg.LargeDoc.GeminiModel)
		if err != nil {
			return nil, nil, nil, err
		}
		large, closer = g, g
	case "http":
		large = remote.NewSummarizerClient(cfg.LargeDoc.SummarizerURL, cfg.LargeDoc.Timeout)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported large document backend %q", cfg.LargeDoc.Backend)
	}

	// Logging sits outside retry so each attempt sequence is one log line.
	mws := []remote.Middleware{
		remote.WithLogging(appLog),
		remote.WithRetry(cfg.RemoteRetries, cfg.RemoteRetryBackoff),
	}
	small := remote.NewChatPDFClient(cfg.ChatPDF.BaseURL, cfg.ChatPDF.APIKey, cfg.ChatPDF.Timeout)
	return remote.WrapSmall(small, mws...), remote.WrapLarge(large, mws...), closer, nil
}
