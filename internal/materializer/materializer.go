// Package materializer derives the current feature values of every entity
// from snapshot partitions and publishes them to the online cache.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/resilience"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CacheWriter is the write side of the online cache.
type CacheWriter interface {
	PutBatch(ctx context.Context, group string, ttl time.Duration, writtenAt time.Time, entries []onlinecache.Entry) error
}

// PartitionSource lists and reads snapshot partitions.
type PartitionSource interface {
	ListPartitions(ctx context.Context, entityType string, w snapshot.Window) ([]snapshot.Partition, error)
	ReadPartition(ctx context.Context, key string) ([]event.Event, error)
}

// Result summarises one materialization run.
type Result struct {
	RunID      string          `json:"run_id"`
	Group      string          `json:"feature_group"`
	Window     snapshot.Window `json:"window"`
	RunAt      time.Time       `json:"run_at"`
	Partitions int             `json:"partitions"`
	Entities   int             `json:"entities"`
	Written    int             `json:"written"`
	Stats      ReduceStats     `json:"stats"`
	Duration   time.Duration   `json:"duration"`
}

// Materializer runs materializations for the groups in a catalog.
type Materializer struct {
	source    PartitionSource
	cache     CacheWriter
	catalog   *featuregroup.Catalog
	runs      RunStore
	cfg       config.MaterializerConfig
	opTimeout time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Materializer. runs may be nil to skip run history.
// opTimeout bounds each partition list or read attempt.
func New(source PartitionSource, cache CacheWriter, catalog *featuregroup.Catalog, runs RunStore, cfg config.MaterializerConfig, opTimeout time.Duration, m *metrics.Metrics) *Materializer {
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = 200
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 4
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Materializer{
		source:    source,
		cache:     cache,
		catalog:   catalog,
		runs:      runs,
		cfg:       cfg,
		opTimeout: opTimeout,
		metrics:   m,
		logger:    slog.Default().With("component", "materializer"),
		now:       time.Now,
	}
}

// Catalog returns the feature groups this materializer serves.
func (m *Materializer) Catalog() *featuregroup.Catalog { return m.catalog }

// Materialize reduces every event of groupName's entity type inside window
// to the latest value per field and writes one record per entity. On a
// cache failure the returned error is a *apperrors.PartialFailure carrying
// the number of records already written; re-running the same window
// converges to the same cache state.
func (m *Materializer) Materialize(ctx context.Context, groupName string, window snapshot.Window) (Result, error) {
	res := Result{
		RunID:  uuid.NewString(),
		Group:  groupName,
		Window: window,
		RunAt:  m.now().UTC(),
	}
	group, err := m.catalog.Get(groupName)
	if err != nil {
		return res, err
	}
	if !window.End.After(window.Start) {
		return res, fmt.Errorf("%w: window %s is empty", apperrors.ErrInvalidInput, window)
	}
	logger := m.logger.With("run_id", res.RunID, "feature_group", group.Name, "window", window.String())
	start := time.Now()

	reducer, partitions, err := m.reduce(ctx, group, window)
	res.Partitions = partitions
	if reducer != nil {
		res.Stats = reducer.Stats()
		res.Entities = reducer.Len()
	}
	if err == nil {
		res.Written, err = m.write(ctx, group, res.RunAt, reducer.Entries())
	}
	res.Duration = time.Since(start)

	status := runStatus(err)
	m.metrics.MaterializationRunsTotal.WithLabelValues(group.Name, status).Inc()
	m.metrics.MaterializationDuration.WithLabelValues(group.Name).Observe(res.Duration.Seconds())
	m.metrics.MaterializedRecords.WithLabelValues(group.Name).Add(float64(res.Written))
	if res.Stats.AssumedUTC > 0 {
		m.metrics.AssumedUTCTotal.WithLabelValues("materialize").Add(float64(res.Stats.AssumedUTC))
		logger.Info("events with naive timestamps were interpreted as UTC", "count", res.Stats.AssumedUTC)
	}
	m.recordRun(res, status, err)

	if err != nil {
		logger.Error("materialization failed",
			"status", status,
			"written", res.Written,
			"error", err,
		)
		return res, err
	}
	logger.Info("materialization complete",
		"partitions", res.Partitions,
		"events", res.Stats.Events,
		"entities", res.Entities,
		"written", res.Written,
		"invalid_fields", res.Stats.InvalidField,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// reduce lists the overlapping partitions and folds them in parallel, one
// reducer per partition, merged at the end.
func (m *Materializer) reduce(ctx context.Context, group *featuregroup.Group, window snapshot.Window) (*Reducer, int, error) {
	var parts []snapshot.Partition
	err := resilience.Retry(ctx, "snapshot-list", m.readRetry(), func() error {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		defer cancel()
		var err error
		parts, err = m.source.ListPartitions(opCtx, group.EntityType, window)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing partitions for %s: %w", group.EntityType, err)
	}

	reducers := make([]*Reducer, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ReadConcurrency)
	for i, p := range parts {
		g.Go(func() error {
			var events []event.Event
			err := resilience.Retry(gctx, "snapshot-read", m.readRetry(), func() error {
				opCtx, cancel := context.WithTimeout(gctx, m.opTimeout)
				defer cancel()
				var err error
				events, err = m.source.ReadPartition(opCtx, p.Key)
				if errors.Is(err, snapshot.ErrNotFound) {
					return resilience.Permanent(err)
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("reading partition %s: %w", p.Key, err)
			}
			r := NewReducer(group, window)
			for _, ev := range events {
				r.Add(ev)
			}
			reducers[i] = r
			m.metrics.PartitionsReadTotal.WithLabelValues(group.Name).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, len(parts), err
	}

	merged := NewReducer(group, window)
	for _, r := range reducers {
		merged.Merge(r)
	}
	return merged, len(parts), nil
}

func (m *Materializer) readRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  m.cfg.ReadAttempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// write publishes entries in batches. Batches are not retried; a failure
// stops the run and reports how many records landed.
func (m *Materializer) write(ctx context.Context, group *featuregroup.Group, runAt time.Time, entries []onlinecache.Entry) (int, error) {
	written := 0
	for start := 0; start < len(entries); start += m.cfg.WriteBatchSize {
		end := min(start+m.cfg.WriteBatchSize, len(entries))
		if err := m.cache.PutBatch(ctx, group.Name, group.TTL, runAt, entries[start:end]); err != nil {
			return written, &apperrors.PartialFailure{Written: written, Cause: err}
		}
		written = end
	}
	return written, nil
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, apperrors.ErrMaterializationPartial):
		return StatusPartial
	default:
		return StatusFailed
	}
}

func (m *Materializer) recordRun(res Result, status string, runErr error) {
	if m.runs == nil || !m.cfg.RecordRuns {
		return
	}
	run := Run{
		ID:         res.RunID,
		Group:      res.Group,
		Window:     res.Window,
		StartedAt:  res.RunAt,
		FinishedAt: res.RunAt.Add(res.Duration),
		Status:     status,
		Partitions: res.Partitions,
		Events:     res.Stats.Events,
		Written:    res.Written,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.runs.Record(ctx, run); err != nil {
		m.logger.Warn("failed to record materialization run", "run_id", run.ID, "error", err)
	}
}
