package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/adapters/docker"
	httpadapter "github.com/envdock/envdock/internal/adapters/http"
	"github.com/envdock/envdock/internal/adapters/registry"
	"github.com/envdock/envdock/internal/config"
	"github.com/envdock/envdock/internal/core/engine"
	"github.com/envdock/envdock/internal/core/settings"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Infrastructure adapters.
	runtime, err := docker.NewAdapter(logger)
	if err != nil {
		logger.Fatal("failed to connect to the container runtime", zap.Error(err))
	}
	store := registry.NewStore(cfg.RegistryPath(), cfg.Data.LockTimeout.Std(), logger)
	settingsManager := settings.NewManager(cfg.SettingsPath(), cfg.Data.LockTimeout.Std(), logger)

	// Core engine with the websocket hub as its update notifier.
	hub := httpadapter.NewHub(logger)
	eng := engine.New(store, runtime, logger,
		engine.WithMaxDeleted(cfg.Environments.MaxDeleted),
		engine.WithNotifier(hub))

	go eng.MonitorEvents(ctx)

	// HTTP surface.
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	httpadapter.RegisterRoutes(app,
		httpadapter.NewEnvironmentHandler(eng, logger),
		httpadapter.NewSettingsHandler(settingsManager, eng, cfg.Environments.DefaultWorkspacePath),
		httpadapter.NewImageHandler(runtime, logger),
		hub)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Warn("server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
	if err := app.Listen(cfg.Server.Addr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
