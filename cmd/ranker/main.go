// Command ranker serves driver ranking for ride requests.
//
// It reads features from the online cache, scores candidates with the
// active model version from the registry and answers over HTTP
// (POST /api/v1/rank) and, when enabled, the internal RPC port. Raw feature
// lookups are exposed at POST /api/v1/features.
//
// With -register the artifact at that path is added to the registry before
// serving; -promote also makes it the active version. When server.adminAuth
// is set, promotion over HTTP needs an operator key (see cmd/apikeys).
//
// Usage:
//
//	go run ./cmd/ranker [-config configs/development.yaml] [-register model.json [-promote]]
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
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/ranking"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/rpc"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	artifactPath := flag.String("register", "", "model artifact to register before serving")
	promote := flag.Bool("promote", false, "promote the registered artifact")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ranker",
		"port", cfg.Server.Port,
		"latency_budget", cfg.Ranking.LatencyBudget,
		"rpc_enabled", cfg.RPC.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := featuregroup.FromConfig(cfg.FeatureGroups)
	if err != nil {
		slog.Error("invalid feature groups", "error", err)
		os.Exit(1)
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Exec(ctx, registry.Schema...); err != nil {
		slog.Error("failed to apply registry schema", "error", err)
		os.Exit(1)
	}
	reg := registry.NewPostgresRegistry(db)
	slog.Info("model registry ready")

	var keys *apikey.Store
	if cfg.Server.AdminAuth {
		if err := db.Exec(ctx, apikey.Schema...); err != nil {
			slog.Error("failed to apply api key schema", "error", err)
			os.Exit(1)
		}
		keys = apikey.NewStore(db)
		slog.Info("admin endpoints require an operator key")
	}

	if *artifactPath != "" {
		if err := register(ctx, reg, *artifactPath, *promote); err != nil {
			slog.Error("failed to register artifact", "path", *artifactPath, "error", err)
			os.Exit(1)
		}
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
	features := retrieval.New(cache, catalog, cfg.Cache, m)

	models := ranking.NewModelHolder(reg, catalog, m)
	sampler := tracing.Sampler{Enabled: cfg.Tracing.Enabled, Rate: cfg.Tracing.SampleRate}
	svc, err := ranking.NewService(models, features, catalog, cfg.Ranking, sampler, m)
	if err != nil {
		slog.Error("invalid ranking configuration", "error", err)
		os.Exit(1)
	}

	drift := ranking.NewDriftMonitor(cfg.Ranking.DriftWindow, cfg.Ranking.DriftComputeEvery, 0, m)
	svc.WithDriftMonitor(drift)
	drift.Start(ctx)

	if cfg.Ranking.DecisionLogEnabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RankingDecisions)
		defer producer.Close()
		decisions := ranking.NewDecisionLog(producer, cfg.Ranking.DecisionLogBuffer, m)
		decisions.Start(ctx)
		defer decisions.Close()
		svc.WithDecisionLog(decisions)
		slog.Info("decision log enabled", "topic", cfg.Kafka.Topics.RankingDecisions)
	}

	if a, err := models.Refresh(ctx); err != nil {
		slog.Warn("no servable model yet, ranking unavailable until one is promoted", "error", err)
	} else {
		slog.Info("serving model", "version", a.VersionID, "trained_at", a.TrainedAt)
	}
	models.Start(ctx, cfg.Ranking.ModelPollInterval)

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(cache, true))
	checker.Register("postgres", health.PingCheck(reg, false))
	checker.Register("model", func(ctx context.Context) health.ComponentHealth {
		a := models.Current()
		if a == nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no active model"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: a.VersionID}
	})

	mux := http.NewServeMux()
	ranking.NewHandler(svc, reg).Register(mux)
	retrieval.NewHandler(features).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if keys != nil {
		chain = apikey.Require(keys, "/api/v1/models/")(chain)
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

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(cfg.Ranking.LatencyBudget)
		ranking.RegisterRPC(rpcServer, svc)
		go func() {
			if err := rpcServer.Serve(cfg.RPC.Addr); err != nil {
				slog.Error("rpc server error", "error", err)
			}
		}()
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
		if rpcServer != nil {
			rpcServer.Stop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("ranker listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	// In-flight handlers may still track decisions until Shutdown returns.
	<-stopped
	slog.Info("ranker stopped")
}

// register adds the artifact at path to the registry. An already registered
// version is not an error so the flag is safe to repeat across restarts.
func register(ctx context.Context, reg *registry.PostgresRegistry, path string, promote bool) error {
	a, err := registry.LoadArtifact(path)
	if err != nil {
		return err
	}
	if err := reg.Register(ctx, a); err != nil {
		if apperrors.HTTPStatusCode(err) != http.StatusConflict {
			return err
		}
		slog.Info("model version already registered", "version", a.VersionID)
	} else {
		slog.Info("model version registered", "version", a.VersionID, "inputs", len(a.Inputs))
	}
	if promote {
		if err := reg.Promote(ctx, a.VersionID); err != nil {
			return fmt.Errorf("promoting %s: %w", a.VersionID, err)
		}
		slog.Info("model version promoted", "version", a.VersionID)
	}
	return nil
}
