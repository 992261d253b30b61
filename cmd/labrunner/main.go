package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/labrunner/internal/adapters/docker"
	"github.com/manthysbr/labrunner/internal/adapters/duckdb"
	"github.com/manthysbr/labrunner/internal/config"
	"github.com/manthysbr/labrunner/internal/core/services"
	"github.com/manthysbr/labrunner/pkg/kernel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	if err := applyFlags(cfg, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting labrunner")

	if err := run(logger, cfg); err != nil {
		logger.Error("labrunner failed", "error", err)
		os.Exit(1)
	}
}

// applyFlags lets command-line flags override the environment.
func applyFlags(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("labrunner", pflag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Pipelines.Dir, "pipelines", cfg.Pipelines.Dir, "pipelines root directory")
	fs.StringVar(&cfg.Uploads.Dir, "uploads", cfg.Uploads.Dir, "uploads directory shared with executions")
	fs.StringVar(&cfg.Archive.DBPath, "db", cfg.Archive.DBPath, "DuckDB job archive path (empty for in-memory)")
	fs.BoolVar(&cfg.Pipelines.SkipBuild, "skip-build", cfg.Pipelines.SkipBuild, "use existing images instead of building at startup")
	fs.StringSliceVar(&cfg.Server.AllowedOrigins, "cors-origin", cfg.Server.AllowedOrigins, "allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return err
	}
	return cfg.Validate()
}

func run(logger *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Adapters
	runtime, err := docker.NewManager(logger)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer runtime.Close()

	if err := runtime.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}

	if n, err := runtime.ReapOrphans(ctx); err != nil {
		logger.Warn("failed to reap leftover containers", "error", err)
	} else if n > 0 {
		logger.Info("reaped leftover containers", "count", n)
	}

	repo, err := duckdb.NewRepository(cfg.Archive.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open job archive: %w", err)
	}
	defer repo.Close()

	uploads, err := services.NewUploadStore(cfg.Uploads.Dir)
	if err != nil {
		return err
	}

	registry, err := services.BuildRegistry(ctx, logger, runtime, services.RegistryConfig{
		Dir:             cfg.Pipelines.Dir,
		BuildDescriptor: cfg.Pipelines.BuildDescriptor,
		SkipBuild:       cfg.Pipelines.SkipBuild,
	})
	if err != nil {
		return err
	}
	logger.Info("pipeline catalog ready", "pipelines", len(registry.List()), "rejected", len(registry.Rejected()))

	doc, err := kernel.LoadAPIDocument()
	if err != nil {
		return err
	}

	// Monitors outlive request contexts; they stop with the process.
	monitorCtx, cancelMonitors := context.WithCancel(context.Background())
	defer cancelMonitors()

	bus := services.NewEventBus(logger)
	orch := services.NewOrchestrator(monitorCtx, logger, registry,
		services.NewJobStore(),
		services.NewExecutionTable(),
		services.NewExecutionLauncher(logger, runtime, uploads.Dir(), cfg.Uploads.MountPath),
		uploads, bus, repo)

	apiServer := kernel.NewServer(logger, orch, doc, cfg.Uploads.MaxBytes)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		// Jobs still running end in error and their containers are removed.
		cancelMonitors()
		if werr := orch.Wait(shutdownCtx); werr != nil {
			logger.Warn("monitors still running at exit", "active", orch.ActiveExecutions())
		}
		return err
	})

	return g.Wait()
}
