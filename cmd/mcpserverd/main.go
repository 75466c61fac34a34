// Mcpserverd is the Streamable-HTTP entrypoint for an MCP server built on
// this core: it loads configuration, wires storage/session/event/task
// subsystems through pkg/mcp.Builder, and serves the result over
// internal/transport/httpstream.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	mcpserverd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 STORAGE_BACKEND=postgres mcpserverd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fieldkit/mcpcore/internal/config"
	"github.com/fieldkit/mcpcore/internal/logging"
	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage"
	"github.com/fieldkit/mcpcore/internal/storage/dynamokv"
	"github.com/fieldkit/mcpcore/internal/storage/memory"
	"github.com/fieldkit/mcpcore/internal/storage/postgres"
	"github.com/fieldkit/mcpcore/internal/tasks"
	"github.com/fieldkit/mcpcore/internal/telemetry"
	"github.com/fieldkit/mcpcore/internal/transport/httpstream"
	"github.com/fieldkit/mcpcore/pkg/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/mcpcore/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  mcpserverd           Start the MCP server daemon\n")
			fmt.Fprintf(os.Stderr, "  mcpserverd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("mcpserverd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, wires the MCP server core, and serves it until
// ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry providers
//  3. Selects and opens the configured storage backend
//  4. Builds the MCP server via pkg/mcp.Builder
//  5. Registers the Streamable-HTTP transport routes
//  6. Starts the HTTP server and blocks until context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting mcpserverd",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_path", cfg.Server.BasePath),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("service", cfg.Observability.ServiceName))

	telem, err := telemetry.New(ctx, telemetryConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = telem.Shutdown(context.Background())
	}()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer closeBackend()

	builder := mcp.NewBuilder(cfg.Observability.ServiceName, version).
		WithBackend(backend).
		WithLogger(logger.Underlying()).
		WithSessionConfig(session.Config{
			TTL:           cfg.Session.TTL.Duration(),
			SweepInterval: cfg.Session.SweepInterval.Duration(),
		}).
		WithTasks(tasks.Config{
			DefaultTTL:          cfg.Tasks.TTL.Duration(),
			DefaultPollInterval: cfg.Tasks.PollInterval.Duration(),
			RecoveryInterval:    cfg.Tasks.RecoveryInterval.Duration(),
			RecoveryMaxAge:      cfg.Tasks.RecoveryMaxAge.Duration(),
		}).
		WithMetrics()
	if cfg.Lifecycle.Strict {
		builder = builder.WithStrictLifecycle()
	}

	built, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build mcp server: %w", err)
	}
	defer built.Tasks.Stop()
	defer built.Sessions.Stop()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	transportServer := httpstream.NewServer(built.Dispatcher, built.Sessions, built.Events,
		httpstream.WithPath(cfg.Server.BasePath),
		httpstream.WithLogger(logger.Underlying()))
	transportServer.RegisterRoutes(e)

	logger.Info(ctx, "server configured",
		zap.String("mcp_path", cfg.Server.BasePath),
		zap.String("healthz", "/healthz"))

	return serve(ctx, e, cfg, logger)
}

// initLogger builds the structured logger from internal/logging, bridging
// to the OTEL log provider when the caller later installs one (nil here:
// telemetry initialization happens after the logger so startup failures are
// themselves logged).
func initLogger(ctx context.Context, cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Observability.EnableTelemetry {
		logCfg.Output.OTEL = true
	}
	return logging.NewLogger(logCfg, nil)
}

func telemetryConfigFrom(cfg *config.Config) *telemetry.Config {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.Endpoint = cfg.Observability.OTLPEndpoint
	tcfg.Insecure = cfg.Observability.OTLPInsecure
	return tcfg
}

// openBackend selects and opens the configured storage.Backend, returning a
// close function that's always safe to call.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		b, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN.Value(),
			MigrationsPath: cfg.Storage.Postgres.MigrationsPath,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return b, func() {}, nil
	case "dynamokv":
		b, err := dynamokv.New(ctx, dynamokv.Config{
			Region:        cfg.Storage.DynamoKV.Region,
			Endpoint:      cfg.Storage.DynamoKV.Endpoint,
			SessionsTable: cfg.Storage.DynamoKV.SessionsTable,
			EventsTable:   cfg.Storage.DynamoKV.EventsTable,
			TasksTable:    cfg.Storage.DynamoKV.TasksTable,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return b, func() {}, nil
	default: // "memory", validated by cfg.Validate()
		return memory.New(), func() {}, nil
	}
}

// serve starts e and blocks until ctx is cancelled, then shuts down within
// the configured timeout.
func serve(ctx context.Context, e *echo.Echo, cfg *config.Config, logger *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	logger.Info(ctx, "shutting down http server")
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
