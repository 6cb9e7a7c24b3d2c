// Command ingestor consumes driver and ride events from Kafka and writes
// them to time-bucketed snapshot partitions.
//
// Offsets are committed only after the partitions holding a batch are
// durable, so a crash replays at most one batch per worker. Health probes
// and a status report are served next to /metrics.
//
// Usage:
//
//	go run ./cmd/ingestor [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/ingestor"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
)

// maxHealthyLag is the consumer lag above which readiness reports degraded.
const maxHealthyLag = 100000

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestor",
		"topic", cfg.Kafka.Topics.Events,
		"workers", cfg.Ingestor.Workers,
		"backend", cfg.Snapshot.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := snapshot.Open(ctx, cfg.Snapshot)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	slog.Info("snapshot store ready", "partition_window", cfg.Snapshot.PartitionWindow)

	m := metrics.New()
	consumers := make([]*kafka.Consumer, cfg.Ingestor.Workers)
	workers := make([]*ingestor.Ingestor, cfg.Ingestor.Workers)
	for i := range workers {
		consumers[i] = kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Events)
		workers[i] = ingestor.New(consumers[i], store, cfg.Ingestor, cfg.Snapshot.OpTimeout, m)
	}
	defer func() {
		for _, c := range consumers {
			if err := c.Close(); err != nil {
				slog.Warn("closing kafka consumer", "error", err)
			}
		}
	}()

	lag := func() int64 {
		var total int64
		for _, c := range consumers {
			total += c.Lag()
		}
		return total
	}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ConsumerLag.Set(float64(lag()))
			case <-ctx.Done():
				return
			}
		}
	}()

	checker := health.NewChecker()
	checker.Register("consumer_lag", health.ThresholdCheck("lag", lag, maxHealthyLag))

	status := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ingestor.StatusOf(workers...)); err != nil {
			slog.Error("failed to write status", "error", err)
		}
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"GET /health/live":            checker.LiveHandler(),
			"GET /health/ready":           checker.ReadyHandler(),
			"GET /api/v1/ingestor/status": http.HandlerFunc(status),
		})
	}

	runErr := ingestor.RunPool(ctx, workers...)

	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}
	s := ingestor.StatusOf(workers...)
	if runErr != nil {
		slog.Error("ingestor failed", "error", runErr, "events", s.Events, "partitions", s.Partitions)
		os.Exit(1)
	}
	slog.Info("ingestor stopped", "events", s.Events, "rejected", s.Rejected, "partitions", s.Partitions)
}
