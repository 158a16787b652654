package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tmarkov/reelvault/internal/chunkstore"
	"github.com/tmarkov/reelvault/internal/config"
	"github.com/tmarkov/reelvault/internal/database"
	"github.com/tmarkov/reelvault/internal/handlers"
	"github.com/tmarkov/reelvault/internal/metrics"
	"github.com/tmarkov/reelvault/internal/middleware"
	"github.com/tmarkov/reelvault/internal/objectstore"
	"github.com/tmarkov/reelvault/internal/objectstore/filesystem"
	"github.com/tmarkov/reelvault/internal/objectstore/s3"
	"github.com/tmarkov/reelvault/internal/progress"
	"github.com/tmarkov/reelvault/internal/repository"
	"github.com/tmarkov/reelvault/internal/repository/postgres"
	"github.com/tmarkov/reelvault/internal/repository/sqlite"
	"github.com/tmarkov/reelvault/internal/utils"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting reelvault",
		"port", cfg.Port,
		"database_backend", cfg.DatabaseBackend,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"session_ttl_hours", cfg.SessionTTLHours,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the session store
	sessions, closeStore, err := buildSessionRepository(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	repos := &repository.Repositories{Sessions: sessions}

	// Transient chunk staging area
	chunks, err := chunkstore.New(cfg.DataDir)
	if err != nil {
		slog.Error("failed to initialize chunk store", "error", err)
		os.Exit(1)
	}
	slog.Info("chunk store initialized", "data_dir", cfg.DataDir)

	// Durable object store for assembled files
	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	// Progress fan-out: in-process by default, relayed through Redis when
	// configured so replicas share one event stream.
	var broadcaster progress.Broadcaster
	if cfg.RedisAddr != "" {
		redisBroadcaster, err := progress.NewRedisBroadcaster(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer redisBroadcaster.Close()
		broadcaster = redisBroadcaster
		slog.Info("progress relay enabled", "redis_addr", cfg.RedisAddr)
	} else {
		broadcaster = progress.NewHub()
	}

	tracker := utils.NewUploadTracker()

	deps := &handlers.Deps{
		Cfg:         cfg,
		Sessions:    repos.Sessions,
		Chunks:      chunks,
		Objects:     objects,
		Broadcaster: broadcaster,
		Tracker:     tracker,
	}

	// Background expiry, retention, and orphan cleanup
	reaper := utils.NewReaper(repos.Sessions, chunks, broadcaster,
		time.Duration(cfg.RetentionHours)*time.Hour)
	go reaper.Start(ctx, time.Duration(cfg.ReaperIntervalMinutes)*time.Minute)

	// Re-drive assemblies interrupted by a crash or stalled mid-flight
	go utils.StartAssemblyRecoveryWorker(ctx, repos.Sessions,
		time.Duration(cfg.AssemblyStallMinutes)*time.Minute,
		func(sessionID string) {
			if tracker.StartAssembly(sessionID) {
				handlers.RunAssembly(deps, sessionID)
			}
		})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", handlers.CreateSessionHandler(deps))
	mux.HandleFunc("/api/sessions/", handlers.SessionRouter(deps))
	mux.HandleFunc("/health", handlers.HealthHandler(deps))
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.RecoveryMiddleware(
		middleware.LoggingMiddleware(
			metrics.Middleware(mux),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute, // SSE streams and large chunk bodies
		IdleTimeout:  2 * time.Minute,
	}

	// Start HTTP server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig)

		// Stop accepting new sessions and chunks, then let in-flight
		// uploads and assemblies finish.
		tracker.BeginShutdown()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				slog.Error("server close failed", "error", err)
			}
		}

		if !tracker.Drain(30 * time.Second) {
			slog.Warn("shutdown drain timed out",
				"active_operations", tracker.ActiveCount())
		}

		slog.Info("server shutdown complete")
	}
}

// buildSessionRepository wires the configured database backend. The returned
// close function releases the underlying connections.
func buildSessionRepository(ctx context.Context, cfg *config.Config) (repository.SessionRepository, func(), error) {
	switch cfg.DatabaseBackend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.PostgresURL, int32(cfg.PostgresMaxConn))
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("postgres session store initialized")
		return postgres.NewSessionRepository(pool), pool.Close, nil

	default:
		db, err := database.Initialize(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("sqlite session store initialized", "path", cfg.DBPath)
		return sqlite.NewSessionRepository(db), func() { db.Close() }, nil
	}
}

// buildObjectStore wires the configured storage backend. Both constructors
// probe the backend so a misconfiguration fails at startup.
func buildObjectStore(ctx context.Context, cfg *config.Config) (objectstore.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("s3 object store initialized",
			"bucket", cfg.S3Bucket, "region", cfg.S3Region)
		return store, nil

	default:
		store, err := filesystem.New(cfg.ObjectDir, cfg.ObjectBaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("filesystem object store initialized", "dir", cfg.ObjectDir)
		return store, nil
	}
}
