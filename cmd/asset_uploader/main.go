package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/blob/minio"
	"github.com/italolelis/asset_uploader/internal/blob/putio"
	"github.com/italolelis/asset_uploader/internal/blob/s3"
	"github.com/italolelis/asset_uploader/internal/cleanup"
	"github.com/italolelis/asset_uploader/internal/config"
	"github.com/italolelis/asset_uploader/internal/coordinator"
	"github.com/italolelis/asset_uploader/internal/http/rest"
	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/italolelis/asset_uploader/internal/netstatus"
	"github.com/italolelis/asset_uploader/internal/notifier"
	"github.com/italolelis/asset_uploader/internal/storage"
	"github.com/italolelis/asset_uploader/internal/storage/redis"
	"github.com/italolelis/asset_uploader/internal/storage/sqlite"
	"github.com/italolelis/asset_uploader/internal/telemetry"
	"github.com/italolelis/asset_uploader/internal/upload"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("asset uploader starting...",
		"version", version,
		"log_level", cfg.LogLevel,
		"blob_backend", cfg.BlobBackend,
		"store_backend", cfg.StoreBackend,
	)

	if err := run(logctx.WithLogger(ctx, logger), cfg, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, handler slog.Handler) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger = slog.New(logctx.NewTraceHandler(tel.LogHandler(handler)))
	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Session Storage
	kv, closeKV, err := buildKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build session storage: %w", err)
	}
	defer closeKV()

	sessions := storage.NewSessionStore(storage.NewInstrumentedKV(kv, tel))

	// =========================================================================
	// Start Blob Store
	store, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build blob store: %w", err)
	}

	// =========================================================================
	// Start Upload Service
	// Live uploads outlive the signal context; svc.Close parks them as paused on the way out.
	svc, err := upload.NewService(context.WithoutCancel(ctx), blob.NewInstrumentedStore(store, cfg.BlobBackend, tel), sessions, upload.Config{
		Policy:      cfg.RetryPolicy(),
		Constraints: cfg.Constraints(),
		Telemetry:   tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create upload service: %w", err)
	}
	defer svc.Close()

	if err := os.MkdirAll(cfg.UploadSpoolDir, 0o750); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	// =========================================================================
	// Start Coordinator
	var (
		sig    netstatus.Signal
		prober *netstatus.Prober
	)

	if cfg.ConnectivityProbeURL != "" {
		prober = netstatus.NewProber(cfg.ConnectivityProbeURL, cfg.ConnectivityInterval, cfg.ConnectivityTimeout, tel)
		sig = prober
	} else {
		sig = netstatus.NewManual(netstatus.Online)
	}

	coord := coordinator.New(svc, sig, buildNotifier(cfg), coordinator.Options{
		Folder:      cfg.UploadFolder,
		FileName:    cfg.UploadFileName,
		AutoRetry:   cfg.AutoRetry,
		SettleDelay: cfg.ConnectivitySettleDelay,
		Telemetry:   tel,
	})
	coord.Init(ctx)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, coord, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return coord.Run(gctx)
	})

	if prober != nil {
		g.Go(func() error {
			return prober.Run(gctx)
		})
	}

	g.Go(func() error {
		runCleanup(gctx, svc, cfg)

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for uploads...",
		"folder", cfg.UploadFolder,
		"max_size", cfg.UploadMaxSize,
		"auto_retry", cfg.AutoRetry,
		"retention", cfg.KeepSessionsFor.String(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// This is an abstract factory for the session key-value backend.
func buildKV(ctx context.Context, cfg *config.Config) (storage.KV, func(), error) {
	switch cfg.StoreBackend {
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewKV(db), func() { db.Close() }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()

			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		return redis.NewKV(client, cfg.RedisNamespace, cfg.RedisTTL), func() { client.Close() }, nil
	case "memory":
		return storage.NewMemoryKV(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
}

// This is an abstract factory for the blob store.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "putio":
		store := putio.NewStore(cfg.PutioToken, cfg.PutioParentFolder)
		if err := store.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return store, nil
	case "s3":
		return s3.NewStore(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PresignTTL:      cfg.S3.PresignTTL,
		})
	case "minio":
		return minio.NewStore(minio.Config{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.AccessKeyID,
			SecretAccessKey: cfg.Minio.SecretAccessKey,
			Bucket:          cfg.Minio.Bucket,
			Region:          cfg.Minio.Region,
			UseSSL:          cfg.Minio.UseSSL,
			PresignTTL:      cfg.Minio.PresignTTL,
		})
	}

	return nil, fmt.Errorf("invalid blob backend: %s", cfg.BlobBackend)
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL != "" {
		return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	return notifier.LogNotifier{}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, tel *telemetry.Telemetry) *http.Server {
	uHandler := rest.NewUploadsHandler(cfg.API.Username, cfg.API.Password, coord, cfg.UploadSpoolDir, cfg.UploadMaxSize)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", uHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "asset_uploader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, svc *upload.Service, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed := svc.CleanupStale(ctx, cfg.KeepSessionsFor)

			spooled, err := cleanup.DeleteExpiredSpoolFiles(ctx, cfg.UploadSpoolDir, cfg.KeepSessionsFor)
			if err != nil {
				logger.Error("failed to delete expired spool files", "err", err)
			}

			logger.Debug("cleanup finished", "sessions_removed", removed, "spool_files_removed", spooled)
		}
	}
}
