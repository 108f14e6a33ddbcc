package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/recall/config"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/telemetry/tracing"
	"github.com/goclaw/recall/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", true, "Reload hot-reloadable settings when the config file changes")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger)")
	dataDir     = flag.String("data-dir", "", "Override Badger data directory")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recall: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	overrides := buildOverrides()

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration:\n%w", err)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	defer log.Close()

	log.Info("starting recall",
		"version", version.Version,
		"build_time", version.BuildTime,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if cfg.Tracing.Enabled {
		log.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sampler", cfg.Tracing.Sampler)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	if a.redis != nil {
		if err := waitReady(ctx, 5*time.Second, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}); err != nil {
			log.Warn("redis not reachable; digest state falls back to catch-up", "address", cfg.Storage.Redis.Address, "error", err)
		}
	}

	if a.metrics.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	a.start(ctx)

	if *watchFlag && *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.NewLoader(),
			config.WithOverrides(overrides),
			config.WithWatcherLogger(log),
		)
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else {
			watcher.OnChange(a.applyReload)
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("config watcher stopped", "error", err)
				}
			}()
			defer func() { _ = watcher.Stop() }()
			log.Info("watching configuration", "path", *configPath)
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info("recall is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"embedding", cfg.Embedding.Provider,
		"reasoning", cfg.Reasoning.Provider,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-serverErr:
		log.Error("http server error", "error", runErr)
	}

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("error flushing traces", "error", err)
	}

	log.Info("recall stopped")
	return runErr
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *dataDir != "" {
		overrides["storage.badger.path"] = *dataDir
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Recall - long-term memory for chat assistants\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Recall - long-term memory, digest and reflection service for chat assistants\n\n")
	fmt.Printf("Usage: recall [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  recall                                    # Run with default config\n")
	fmt.Printf("  recall -config config.yaml                # Use specific config file\n")
	fmt.Printf("  recall -storage memory -log-level debug   # Ephemeral store, verbose logs\n")
	fmt.Printf("  recall -version                           # Print version info\n")
}
