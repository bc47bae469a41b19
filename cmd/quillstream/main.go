// QuillStream telemetry server: ingests classroom writing events over
// WebSocket, chains them into content-addressed session streams, and serves
// the stream REST API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quillstream/quillstream/pkg/api"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/canonical"
	"github.com/quillstream/quillstream/pkg/cleanup"
	"github.com/quillstream/quillstream/pkg/config"
	"github.com/quillstream/quillstream/pkg/eventlog"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/reducer"
	"github.com/quillstream/quillstream/pkg/session"
	"github.com/quillstream/quillstream/pkg/storage"
	"github.com/quillstream/quillstream/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting QuillStream",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"decoder", cfg.DecoderMode(),
		"config_dir", *configDir)

	// 2. Open the shared stream store
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()
	slog.Info("Storage opened", "driver", cfg.Storage.Driver)

	// 3. Bring up the Merkle log store when configured
	var async *merkle.AsyncEngine
	engineStore := store
	if cfg.MerkleEnabled() {
		if truncate := cfg.Merkle.HashTruncate; truncate > 0 {
			canonical.SetDigestLength(truncate)
			slog.Warn("Hash digests truncated for development", "length", truncate)
		}

		if cfg.Merkle.Store != "" {
			engineStore, err = storage.Open(ctx, cfg.EngineStorage())
			if err != nil {
				slog.Error("Failed to open log store backend",
					"driver", cfg.Merkle.Store, "error", err)
				os.Exit(1)
			}
			defer func() {
				if err := engineStore.Close(); err != nil {
					slog.Error("Error closing log store backend", "error", err)
				}
			}()
		}

		async = merkle.NewAsync(merkle.New(engineStore), cfg.Merkle.Async)
		slog.Info("Log store engine started",
			"driver", cfg.EngineStorage().Driver,
			"workers", async.Stats().Workers)
	}

	// 4. Compile the blacklist
	evaluator, err := blacklist.New(cfg.Blacklist)
	if err != nil {
		slog.Error("Failed to compile blacklist rules", "error", err)
		os.Exit(1)
	}

	// 5. Load reducers
	reducers := reducer.NewRegistry(
		reducer.WithCrashDir(cfg.Logs.Dir),
		reducer.WithDevMode(cfg.DevMode),
	)
	reducers.Load(
		reducer.EventCount(store),
		reducer.DocumentActivity(store),
	)
	slog.Info("Reducers loaded", "generation", reducers.Generation())

	// 6. Open the main event log
	var mainLog *eventlog.MainLog
	if cfg.Logs.Dir != "" {
		mainLog, err = eventlog.OpenMainLog(cfg.Logs.Dir)
		if err != nil {
			slog.Error("Failed to open main event log", "dir", cfg.Logs.Dir, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := mainLog.Close(); err != nil {
				slog.Error("Error closing main event log", "error", err)
			}
		}()
	}

	// 7. Session registry and checkpoint service
	registry := session.NewRegistry()

	var checkpointer *cleanup.Service
	if cfg.Checkpoint.Enabled && async != nil {
		checkpointer = cleanup.NewService(cfg.Checkpoint, engineStore, async)
		checkpointer.Start(ctx)
	}

	// 8. Create HTTP server
	server := api.NewServer(cfg, store, async, registry, reducers, evaluator, blob.NewStreamStore(store))
	server.SetMainLog(mainLog)
	server.SetLogger(logger)
	if err := server.ValidateWiring(); err != nil {
		slog.Error("Server wiring incomplete", "error", err)
		os.Exit(1)
	}

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("QuillStream started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake first so the engine drains last.
	registry.CloseAll("server shutting down")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if checkpointer != nil {
		checkpointer.Stop()
	}

	if async != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
		defer drainCancel()
		if err := async.Stop(drainCtx); err != nil {
			slog.Warn("Log store pool did not drain before timeout", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
