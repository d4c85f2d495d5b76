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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"slabvalue/internal/api"
	"slabvalue/internal/cache"
	"slabvalue/internal/compsearch"
	"slabvalue/internal/config"
	"slabvalue/internal/db"
	"slabvalue/internal/logger"
	"slabvalue/internal/valuation"
)

var version = "dev"

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	revalue := flag.Bool("revalue", false, "recompute every stored valuation at startup")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Dev); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Banner(version)

	if err := run(cfg, *revalue); err != nil {
		logger.Error("Server", "Exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, revalue bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	logger.Success("DB", "Opened", zap.String("path", cfg.DB.Path))

	var cacheOpts []cache.Option
	if cfg.Redis.Addr != "" {
		backend := cache.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Prefix)
		defer backend.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := backend.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("Redis", "Unreachable, using process-local cache only",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			cacheOpts = append(cacheOpts, cache.WithBackend(backend))
			logger.Success("Redis", "Connected", zap.String("addr", cfg.Redis.Addr))
		}
	}
	c := cache.New(cacheOpts...)
	c.StartJanitor(ctx, cfg.Cache.JanitorInterval)

	client := compsearch.New(cfg.CompSearch)
	if !client.HealthCheck(ctx) {
		logger.Warn("CompSearch", "Health check failed; valuations will show no comps until it recovers",
			zap.String("base_url", cfg.CompSearch.BaseURL))
	}

	svc := valuation.New(ctx, database, client, c, valuation.Options{TrendWindow: cfg.TrendWindow()})
	defer svc.Close()

	if revalue {
		logger.Section("Revalue")
		out, err := svc.RevalueAll(ctx)
		if err != nil {
			return fmt.Errorf("revalue: %w", err)
		}
		logger.Stats("Assets revalued", len(out))
	}

	srv := api.NewServer(cfg, svc, database, client, c)
	srv.StartLimiterCleanup(ctx, 5*time.Minute)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Server(cfg.HTTP.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Server", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
