// Package main is the CLI entrypoint for Continuum. It provides subcommands
// for running the server (serve), managing database migrations (migrate), and
// printing version information (version). The serve command loads
// configuration, connects to PostgreSQL, NATS, and DragonflyDB, runs pending
// migrations, starts the federation HTTP server and background workers, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amityvox/continuum/internal/api"
	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/config"
	"github.com/amityvox/continuum/internal/database"
	"github.com/amityvox/continuum/internal/event"
	"github.com/amityvox/continuum/internal/events"
	"github.com/amityvox/continuum/internal/keyring"
	"github.com/amityvox/continuum/internal/media"
	"github.com/amityvox/continuum/internal/resolver"
	"github.com/amityvox/continuum/internal/rooms"
	"github.com/amityvox/continuum/internal/sending"
	"github.com/amityvox/continuum/internal/stateres"
	"github.com/amityvox/continuum/internal/statestore"
	"github.com/amityvox/continuum/internal/transport"
	"github.com/amityvox/continuum/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("Continuum - Matrix-compatible federation homeserver core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  continuum <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Continuum server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  continuum.toml (or set CONTINUUM_CONFIG_PATH)")
	fmt.Println("  Env prefix:   CONTINUUM_ (e.g. CONTINUUM_DATABASE_URL)")
}

// runServe starts the full Continuum server: loads config, connects to all
// services (PostgreSQL, NATS, DragonflyDB), runs migrations, wires the
// federation core, starts the HTTP server and background workers, and
// handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting Continuum",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	// Load configuration.
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reconfigure logger with loaded settings.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Run migrations.
	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Connect to NATS event bus.
	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	// Ensure JetStream streams exist.
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	// Connect to DragonflyDB/Redis cache.
	shared, err := cache.NewShared(cfg.Cache.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer shared.Close()

	// Destination resolver.
	resolverSvc := resolver.New(resolver.Config{
		Logger: logger,
		Shared: shared,
	})

	// Signing keys.
	keys, err := keyring.New(ctx, keyring.Config{
		Pool:           db.Pool,
		Resolver:       resolverSvc,
		Shared:         shared,
		Logger:         logger,
		ServerName:     cfg.Server.Name,
		TrustedServers: cfg.Federation.TrustedServers,
	})
	if err != nil {
		return fmt.Errorf("initializing keyring: %w", err)
	}
	logger.Info("signing key ready", slog.String("key_id", keys.KeyID()))

	// Federation client.
	client := transport.New(transport.Config{
		Resolver:              resolverSvc,
		Signer:                keys,
		ServerName:            cfg.Server.Name,
		Logger:                logger,
		MaxConcurrentRequests: cfg.Server.MaxConcurrentRequests,
	})

	// State store and room store.
	cacheCapacity := int(float64(cfg.Server.PDUCacheCapacity) * cfg.Server.CacheCapacityModifier)
	states := statestore.New(statestore.Config{
		Pool:          db.Pool,
		Logger:        logger,
		CacheCapacity: cacheCapacity,
	})
	store := rooms.NewStore(rooms.StoreConfig{
		Pool:             db.Pool,
		States:           states,
		Logger:           logger,
		PDUCacheCapacity: cacheCapacity,
	})

	// Event verification and handling.
	verifier := event.NewVerifier(keys, logger)
	stateResolver := stateres.New(logger)
	roomsSvc := rooms.New(rooms.Config{
		Store:              store,
		Verifier:           verifier,
		Client:             client,
		Resolver:           stateResolver,
		Bus:                bus,
		Shared:             shared,
		Logger:             logger,
		ServerName:         cfg.Server.Name,
		MaxFetchPrevEvents: cfg.Federation.MaxFetchPrevEvents,
		AllowUnstable:      cfg.Federation.AllowUnstableRoomVersions,
	})

	// Media store.
	backend, err := media.NewBackend(cfg.Media)
	if err != nil {
		return fmt.Errorf("initializing media backend: %w", err)
	}
	mediaSvc, err := media.New(media.Config{
		Pool:       db.Pool,
		Backend:    backend,
		Shared:     shared,
		Logger:     logger,
		ServerName: cfg.Server.Name,
		Retention:  cfg.Media.Retention,
	})
	if err != nil {
		return fmt.Errorf("initializing media service: %w", err)
	}
	logger.Info("media service ready", slog.String("backend", cfg.Media.Backend))

	// Transaction sender.
	sender := sending.New(sending.Config{
		Pool:       db.Pool,
		Client:     client,
		Bus:        bus,
		Logger:     logger,
		ServerName: cfg.Server.Name,
		EventJSON:  store.EventJSON,
	})
	if err := sender.Start(ctx); err != nil {
		return fmt.Errorf("starting transaction sender: %w", err)
	}

	// Background workers.
	workerMgr := workers.New(workers.Config{
		Pool:                  db.Pool,
		Media:                 mediaSvc,
		Keyring:               keys,
		Bus:                   bus,
		Logger:                logger,
		CleanupSecondInterval: cfg.Server.CleanupSecondInterval,
	})
	workerMgr.Start(ctx)

	// Federation HTTP server.
	srv := api.NewServer(db.Pool, cfg, keys, roomsSvc, store, mediaSvc, sender, shared, bus, logger)

	// Graceful shutdown handler.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Rotate sync long-polls so clients disconnect promptly.
	if err := bus.Rotate(ctx); err != nil {
		logger.Debug("rotate broadcast failed", slog.String("error", err.Error()))
	}

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	// Stop the sender and workers.
	sender.Stop()
	cancel()
	workerMgr.Wait()

	logger.Info("Continuum stopped")
	return nil
}

// runMigrate handles the migrate subcommand.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Parse migrate subcommand.
	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints build information.
func runVersion() {
	fmt.Printf("Continuum %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from CONTINUUM_CONFIG_PATH env var
// or the default "continuum.toml".
func configPath() string {
	if p := os.Getenv("CONTINUUM_CONFIG_PATH"); p != "" {
		return p
	}
	return "continuum.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
