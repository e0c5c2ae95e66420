// Package main runs the PR readiness tracker HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/OWASP-BLT/BLT-Leaf/internal/config"
	"github.com/OWASP-BLT/BLT-Leaf/internal/service"
	"github.com/OWASP-BLT/BLT-Leaf/internal/store"
	"github.com/OWASP-BLT/BLT-Leaf/internal/transport"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/analysis"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/cache"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/github"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file (defaults apply when empty)")
	watchCfg   = flag.Bool("watch-config", false, "Reload analyzer knobs when the config file changes")
	verbose    = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, err := buildLogger(*verbose)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	collector, err := github.New(github.Config{
		Logger:      logger.Named("github"),
		Token:       cfg.GitHub.Token(),
		AppID:       cfg.GitHub.AppID,
		AppKeyPath:  cfg.GitHub.AppKeyPath,
		UseAppAuth:  cfg.GitHub.UseAppAuth,
		HTTPTimeout: cfg.GitHub.HTTPTimeout,
		MaxAttempts: cfg.GitHub.MaxAttempts,
	})
	if err != nil {
		return err
	}

	prStore, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	analyzer := analysis.NewAnalyzer(cfg.Analysis.SlowResponseThreshold)
	svc := service.New(service.Config{
		Store:        prStore,
		Collector:    collector,
		Cache:        cache.New(cfg.Cache.ReadinessTTL),
		Logger:       logger.Named("service"),
		Analyzer:     analyzer,
		TimelineTTL:  cfg.Cache.TimelineTTL,
		ReadinessTTL: cfg.Cache.ReadinessTTL,
		QuotaTTL:     cfg.Cache.QuotaTTL,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := transport.NewHandler(transport.Config{
		Service:       svc,
		Limiter:       ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.Capacity),
		Logger:        logger.Named("http"),
		Registry:      registry,
		WebhookSecret: cfg.Webhook.Secret(),
	})

	if *watchCfg && *configPath != "" {
		go func() {
			err := config.Watch(ctx, logger.Named("config"), *configPath, func(next *config.Config) {
				// Only the analyzer threshold is hot-swappable; server
				// and store changes need a restart.
				analyzer.SetSlowThreshold(next.Analysis.SlowResponseThreshold)
			})
			if err != nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.PRStore, func(), error) {
	if cfg.Database.Backend == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return pg, func() { _ = pg.Close() }, nil
	}
	logger.Info("using in-memory store")
	return store.NewMemoryStore(), func() {}, nil
}
