// Command materializer periodically reduces snapshot partitions to the
// latest value per entity and field and writes them to the online cache.
//
// It serves manual triggers, run history and cache invalidation over HTTP.
// With -once it runs a single pass over every feature group and exits.
//
// Usage:
//
//	go run ./cmd/materializer [-config configs/development.yaml] [-once]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/apikey"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/materializer"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "run one materialization pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting materializer",
		"interval", cfg.Materializer.Interval,
		"lookback", cfg.Materializer.Lookback,
		"feature_groups", len(cfg.FeatureGroups),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := featuregroup.FromConfig(cfg.FeatureGroups)
	if err != nil {
		slog.Error("invalid feature groups", "error", err)
		os.Exit(1)
	}

	store, err := snapshot.Open(ctx, cfg.Snapshot)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	m := metrics.New()
	cache := onlinecache.NewRedisStore(redisClient, cfg.Cache.KeyPrefix, cfg.Cache.MarkerRetention, m)

	var (
		db   *postgres.Client
		runs materializer.RunStore
		keys *apikey.Store
	)
	if cfg.Materializer.RecordRuns || cfg.Server.AdminAuth {
		db, err = postgres.New(cfg.Postgres)
		switch {
		case err != nil && cfg.Server.AdminAuth:
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		case err != nil:
			slog.Warn("postgres unavailable, run history disabled", "error", err)
		default:
			defer db.Close()
		}
	}
	if db != nil && cfg.Materializer.RecordRuns {
		if err := db.Exec(ctx, materializer.RunsSchema); err != nil {
			slog.Error("failed to apply run history schema", "error", err)
			os.Exit(1)
		}
		runs = materializer.NewPostgresRunStore(db)
		slog.Info("run history enabled")
	}
	if db != nil && cfg.Server.AdminAuth {
		if err := db.Exec(ctx, apikey.Schema...); err != nil {
			slog.Error("failed to apply api key schema", "error", err)
			os.Exit(1)
		}
		keys = apikey.NewStore(db)
		slog.Info("admin endpoints require an operator key")
	}

	mat := materializer.New(store, cache, catalog, runs, cfg.Materializer, cfg.Snapshot.OpTimeout, m)
	scheduler := materializer.NewScheduler(mat, cfg.Materializer.Interval, cfg.Materializer.Lookback)

	if *once {
		scheduler.RunOnce(ctx)
		done := scheduler.LastSuccess()
		for group, res := range done {
			slog.Info("materialized", "feature_group", group, "written", res.Written)
		}
		if missing := len(catalog.Names()) - len(done); missing > 0 {
			slog.Error("materialization pass incomplete", "failed_groups", missing)
			os.Exit(1)
		}
		return
	}

	scheduler.Start(ctx)

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(cache, true))
	if db != nil {
		checker.Register("postgres", health.PingCheck(db, false))
	}

	h := materializer.NewHandler(scheduler, runs, cache, cfg.Materializer.Lookback)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if keys != nil {
		chain = apikey.Require(keys, "/api/v1/materialize", "/api/v1/cache/")(chain)
	}
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if cfg.Server.RateLimit > 0 {
		chain = middleware.RateLimit(middleware.NewLimiter(cfg.Server.RateLimit, time.Second))(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, nil)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("materializer listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("materializer stopped")
}
