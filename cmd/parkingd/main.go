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
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"parking-sync-backend/config"
	"parking-sync-backend/internal/api"
	"parking-sync-backend/internal/broadcast"
	"parking-sync-backend/internal/db"
	"parking-sync-backend/internal/editlock"
	"parking-sync-backend/internal/notification"
	"parking-sync-backend/internal/service"
	"parking-sync-backend/internal/store"
	"parking-sync-backend/internal/version"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "path", configPath, "store", cfg.Store.Backend)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The database backs the sql store and the spot alert registry.
	var gormDB *gorm.DB
	if cfg.Store.Backend == config.BackendSQL || cfg.Push.Enabled() {
		var err error
		gormDB, err = db.Init(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("database initialized")
	}

	appStore, err := store.New(cfg.Store, gormDB)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	logger.Info("data store initialized", "backend", cfg.Store.Backend, "cache_ttl", cfg.Store.CacheTTL)

	events := broadcast.New(cfg.Broadcast.BufferSize, logger)
	defer events.Close()

	lock := editlock.NewManager(
		editlock.WithTimeout(cfg.Lock.Timeout),
		editlock.WithLogger(logger),
		editlock.WithOnChange(service.LockObserver(events, logger)),
	)
	defer lock.Close()

	svcOpts := []service.Option{service.WithLogger(logger)}
	routerOpts := api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.Server.RateLimitPerSec),
		RateBurst:      cfg.Server.RateLimitBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Heartbeat:      cfg.Broadcast.Heartbeat,
		Logger:         logger,
	}

	if cfg.Push.Enabled() {
		webpushOptions := &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, logger)
		pool.Start(ctx)
		svcOpts = append(svcOpts, service.WithNotifier(pool))
		routerOpts.DB = gormDB
		routerOpts.WebPush = webpushOptions
		logger.Info("spot alerts enabled", "workers", cfg.WorkerPool.Size)
	} else {
		logger.Info("VAPID keys not configured; spot alerts disabled")
	}

	svc := service.New(version.NewGuard(appStore, nil), lock, events, svcOpts...)

	// Initialize router
	router := api.NewRouter(svc, routerOpts)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received, stopping services", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("HTTP server ListenAndServe: %w", err)
	}

	// Open event streams never finish on their own; drop them first.
	events.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server Shutdown: %w", err)
	}

	logger.Info("server gracefully stopped")
	return nil
}
