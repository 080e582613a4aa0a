package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/middleware"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/proxy"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

var (
	version = "0.2.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this address (e.g. http://localhost:8080) and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PII Sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PII Sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, log); err != nil {
		log.Error("PII Sentinel stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := cache.New(cfg.Cache, cache.QuotaFromConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}
	defer store.Close()

	var hub *websocket.Hub
	if cfg.Audit.WebSocket.Enabled {
		hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastAudit:       true,
			BroadcastSystem:      true,
			BroadcastConnections: true,
			Username:             cfg.Audit.WebSocket.Username,
			Password:             cfg.Audit.WebSocket.Password,
		}, log)
		go hub.Run(ctx)
		hub.StartStatusBroadcast(ctx, 30*time.Second, time.Now())
	}

	sink, err := audit.New(cfg.Audit, hub, log)
	if err != nil {
		return fmt.Errorf("failed to create audit sink: %w", err)
	}
	recorder := audit.NewRecorder(cfg.Audit, sink, log)
	defer recorder.Close()

	pii := middleware.New(cfg, privacy.New(log), store, recorder, log)

	config.Watch(func(newCfg *config.Config) {
		pii.UpdateConfig(newCfg)
		log.Info("Configuration reloaded")
	}, func(err error) {
		log.Warn("Ignoring configuration change", zap.Error(err))
	})

	sweeper := cache.NewSweeper(pii.Cleanup, cfg.Cache.SweepInterval, 30*time.Second, log)
	sweeper.Start()
	defer sweeper.Stop()

	server := proxy.New(cfg, pii, store, proxy.Options{Hub: hub, History: audit.HistoryOf(sink)}, log)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	return nil
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
