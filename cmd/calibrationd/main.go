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
	"strconv"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"calibration-backend/config"
	"calibration-backend/internal/api"
	"calibration-backend/internal/blob"
	"calibration-backend/internal/broadcast"
	"calibration-backend/internal/db"
	"calibration-backend/internal/flush"
	"calibration-backend/internal/notification"
	"calibration-backend/internal/registry"
	"calibration-backend/internal/service"
	"calibration-backend/internal/store"
	"calibration-backend/internal/sweeper"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func main() {
	if err := run(); err != nil {
		slog.Error("calibrationd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "path", configPath)

	machines := registry.Default()
	if len(cfg.Machines) > 0 {
		if machines, err = registry.New(cfg.Machines); err != nil {
			return fmt.Errorf("invalid machine table: %w", err)
		}
	}
	logger.Info("machine registry loaded", "machines", len(machines.IDs()))

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database initialized", "driver", cfg.Database.Driver)

	var snapshots *flush.Scheduler
	if cfg.Database.SnapshotPath != "" {
		snapshot, err := db.SQLiteSnapshot(gormDB, cfg.Database.SnapshotPath)
		if err != nil {
			return fmt.Errorf("failed to configure snapshots: %w", err)
		}
		snapshots = flush.NewScheduler(snapshot, logger)
		logger.Info("database snapshots enabled", "path", cfg.Database.SnapshotPath)
	}

	appStore := store.NewGormStore(gormDB, store.Options{
		QueueSize: cfg.Database.QueueSize,
		Snapshots: snapshots,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := blob.OpenBucket(ctx, cfg.Blob)
	if err != nil {
		_ = appStore.Close(context.Background())
		return err
	}
	blobs, err := blob.New(bucket, blob.Options{
		Prefix:          cfg.Blob.Prefix,
		MaxBytes:        cfg.Blob.MaxUploadBytes,
		AllowedTypes:    cfg.Blob.AllowedTypes,
		Access:          blob.Access(cfg.Blob.Access),
		PublicBaseURL:   cfg.Blob.PublicBaseURL,
		SignedURLExpiry: cfg.Blob.SignedURLExpiry,
	})
	if err != nil {
		_ = appStore.Close(context.Background())
		_ = bucket.Close()
		return fmt.Errorf("invalid blob configuration: %w", err)
	}

	hub := broadcast.NewHub(cfg.Server.SSEBuffer, logger)

	svcOpts := []service.Option{service.WithLogger(logger)}
	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		workerPool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, logger)
		workerPool.Start(ctx)
		svcOpts = append(svcOpts, service.WithAlerter(workerPool))
	} else {
		logger.Warn("VAPID keys are not configured, failed-calibration alerts are disabled")
	}

	svc := service.New(machines, appStore, blobs, hub, svcOpts...)

	sweep := sweeper.New(cfg.Sweeper, appStore, blobs, nil, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweep.Run(ctx)
	}()

	handler := api.NewHandler(api.Options{
		Service:        svc,
		Store:          appStore,
		Blobs:          blobs,
		Hub:            hub,
		WebPush:        webpushOptions,
		MaxUploadBytes: cfg.Blob.MaxUploadBytes,
		Logger:         logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		CacheTTL:        time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
		Logger:          logger,
	})
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutdown signal received, stopping services", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer shutdownCancel()

	// Event streams only end when the hub closes.
	server.RegisterOnShutdown(hub.Close)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	cancel()
	<-sweepDone

	if err := closeStore(appStore, time.Duration(cfg.Server.ShutdownSeconds)*time.Second); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("closing store: %w", err))
	}
	if err := bucket.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("closing bucket: %w", err))
	}

	if runErr == nil {
		logger.Info("server gracefully stopped")
	}
	return runErr
}

// closeStore waits for queued writes and the last snapshot before closing the
// pool. It gets its own deadline because server shutdown may have used up the
// previous one.
func closeStore(st store.Store, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return st.Close(ctx)
}
