package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calmline/scoregate/internal/config"
	"github.com/calmline/scoregate/internal/logging"
	"github.com/calmline/scoregate/internal/metrics"
	"github.com/calmline/scoregate/internal/runtime"
	"github.com/calmline/scoregate/internal/runtime/cache"
	"github.com/calmline/scoregate/internal/runtime/injection"
	"github.com/calmline/scoregate/internal/scoring"
	"github.com/calmline/scoregate/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SCOREGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	cacheLogger := logger.With(slog.String("component", "cache_factory"))
	scoreCache := buildScoreCache(cacheLogger, cfg.Cache)
	cacheTTL := time.Duration(cfg.Cache.TTLSeconds) * time.Second

	detector, err := injection.NewDetector(cfg.Limits.InjectionRiskThreshold)
	if err != nil {
		logger.Error("injection detector setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(cfg.DetectionRules) > 0 {
		if err := detector.Reload(cfg.DetectionRules); err != nil {
			logger.Error("custom detection rules rejected", slog.Any("error", err))
			os.Exit(1)
		}
	}

	client, err := scoring.NewHTTPClient(cfg.Upstream, logger)
	if err != nil {
		logger.Error("upstream client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	orchestrator := runtime.NewOrchestrator(logger, runtime.Options{
		Limits:            cfg.Limits,
		Retry:             cfg.Upstream.Retry,
		CacheTTL:          cacheTTL,
		Keyer:             cache.NewKeyer(cfg.Cache.KeySalt, cfg.Cache.Epoch),
		Cache:             scoreCache,
		Client:            client,
		Detector:          detector,
		Metrics:           metricsRecorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		RuleSources:       cfg.RuleSources,
		Skipped:           cfg.SkippedDefinitions,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := orchestrator.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Detection.RulesFile != "" || cfg.Detection.RulesFolder != "" {
		watcher, err := loader.WatchRules(ctx, cfg, func(bundle config.RuleBundle) {
			orchestrator.Reload(bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(orchestrator, metricsRecorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildScoreCache(logger *slog.Logger, cfg config.CacheConfig) cache.ScoreCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory score cache", slog.Duration("ttl", ttl))
		}
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis score cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unknown cache backend, using memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl)
	}
}
