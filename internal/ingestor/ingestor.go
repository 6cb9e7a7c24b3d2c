// Package ingestor drains the entity event stream in bounded batches and
// flushes each batch to the snapshot store as immutable partitions. Stream
// offsets are committed only after every partition of a batch is durable,
// so a crash between the two steps causes re-delivery rather than loss.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Source is an at-least-once stream with explicit offset commits.
type Source interface {
	FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]kafka.Message, error)
	Commit(ctx context.Context, msgs []kafka.Message) error
}

// Batch is one consumed slice of the stream. Messages holds every fetched
// record, including rejected ones, so that their offsets are committed too.
type Batch struct {
	Events     []event.Event
	Messages   []kafka.Message
	Rejected   int
	AssumedUTC int
}

// Status is a point-in-time view of an Ingestor's progress.
type Status struct {
	Batches       int64         `json:"batches"`
	Events        int64         `json:"events"`
	Rejected      int64         `json:"rejected"`
	AssumedUTC    int64         `json:"assumed_utc"`
	Partitions    int64         `json:"partitions"`
	LastCommitted map[int]int64 `json:"last_committed"`
	LastFlush     time.Time     `json:"last_flush,omitempty"`
}

// Ingestor moves events from a Source into a snapshot.Store.
type Ingestor struct {
	source    Source
	store     *snapshot.Store
	cfg       config.IngestorConfig
	opTimeout time.Duration
	policy    event.TimestampPolicy
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates an Ingestor. opTimeout bounds each snapshot write attempt.
func New(source Source, store *snapshot.Store, cfg config.IngestorConfig, opTimeout time.Duration, m *metrics.Metrics) *Ingestor {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if cfg.NaiveTimestampPolicy == "" {
		cfg.NaiveTimestampPolicy = string(event.AssumeUTC)
	}
	return &Ingestor{
		source:    source,
		store:     store,
		cfg:       cfg,
		opTimeout: opTimeout,
		policy:    event.TimestampPolicy(cfg.NaiveTimestampPolicy),
		metrics:   m,
		logger:    slog.Default().With("component", "ingestor"),
		status:    Status{LastCommitted: make(map[int]int64)},
	}
}

func (in *Ingestor) retryConfig(operation string) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  in.cfg.RetryAttempts,
		InitialDelay: in.cfg.RetryInitialDelay,
		MaxDelay:     in.cfg.RetryMaxDelay,
		OnRetry: func(int, error) {
			in.metrics.IngestRetriesTotal.WithLabelValues(operation).Inc()
		},
	}
}

// Consume fetches up to batchSize records, waiting at most timeout. It may
// return fewer records, or none, without error. Records that fail to decode
// are rejected individually and do not fail the batch.
func (in *Ingestor) Consume(ctx context.Context, batchSize int, timeout time.Duration) (*Batch, error) {
	var msgs []kafka.Message
	err := resilience.Retry(ctx, "stream-fetch", in.retryConfig("fetch"), func() error {
		got, err := in.source.FetchBatch(ctx, batchSize-len(msgs), timeout)
		msgs = append(msgs, got...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return resilience.Permanent(ctx.Err())
		}
		if len(msgs) > 0 {
			// Fetched records are not handed out again by the reader; keep them.
			in.logger.Warn("fetch interrupted, flushing partial batch", "messages", len(msgs), "error", err)
			return nil
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: fetching batch: %v", apperrors.ErrIngestion, err)
	}

	batch := &Batch{Messages: msgs, Events: make([]event.Event, 0, len(msgs))}
	for _, msg := range msgs {
		ev, err := event.Decode(msg.Value, in.policy)
		if err != nil {
			batch.Rejected++
			reason := "invalid"
			if errors.Is(err, apperrors.ErrTimestampParse) {
				reason = "timestamp"
			}
			in.metrics.EventsRejectedTotal.WithLabelValues(reason).Inc()
			in.logger.Warn("event rejected",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"reason", reason,
				"error", err,
			)
			continue
		}
		if ev.AssumedUTC {
			batch.AssumedUTC++
			in.logger.Debug("naive timestamp interpreted as UTC",
				"entity_id", ev.EntityID,
				"timestamp", event.FormatTimestamp(ev.Timestamp),
			)
		}
		ev.Position = event.Position{Partition: msg.Partition, Offset: msg.Offset}
		batch.Events = append(batch.Events, ev)
	}
	in.metrics.EventsConsumedTotal.Add(float64(len(batch.Events)))
	if batch.AssumedUTC > 0 {
		in.metrics.AssumedUTCTotal.WithLabelValues("ingest").Add(float64(batch.AssumedUTC))
		in.logger.Info("naive timestamps interpreted as UTC", "count", batch.AssumedUTC)
	}
	return batch, nil
}

type groupKey struct {
	entityType      string
	windowStart     time.Time
	streamPartition int
}

// Flush writes the batch's events as partitions bucketed by entity type,
// event-time window and stream partition, then commits the batch offsets.
// Nothing is committed unless every write succeeded.
func (in *Ingestor) Flush(ctx context.Context, batch *Batch) ([]snapshot.Partition, error) {
	if batch == nil || len(batch.Messages) == 0 {
		return nil, nil
	}

	width := in.store.PartitionWidth()
	groups := make(map[groupKey][]event.Event)
	for _, ev := range batch.Events {
		k := groupKey{
			entityType:      ev.EntityType,
			windowStart:     snapshot.BucketFor(ev.Timestamp, width).Start,
			streamPartition: ev.Position.Partition,
		}
		groups[k] = append(groups[k], ev)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.entityType != b.entityType {
			return a.entityType < b.entityType
		}
		if !a.windowStart.Equal(b.windowStart) {
			return a.windowStart.Before(b.windowStart)
		}
		return a.streamPartition < b.streamPartition
	})

	partitions := make([]snapshot.Partition, 0, len(keys))
	for _, k := range keys {
		events := groups[k]
		sort.Slice(events, func(i, j int) bool { return events[i].Position.Compare(events[j].Position) < 0 })
		w := snapshot.Window{Start: k.windowStart, End: k.windowStart.Add(width)}
		file := snapshot.FileName(k.streamPartition, events[0].Position.Offset, events[len(events)-1].Position.Offset)

		var p snapshot.Partition
		err := resilience.Retry(ctx, "snapshot-write", in.retryConfig("write"), func() error {
			opCtx, cancel := context.WithTimeout(ctx, in.opTimeout)
			defer cancel()
			var err error
			p, err = in.store.WritePartition(opCtx, k.entityType, w, file, events)
			return err
		})
		if err != nil {
			in.metrics.PartitionsWrittenTotal.WithLabelValues(k.entityType, "failed").Inc()
			in.logger.Error("partition write failed, batch not committed",
				"entity_type", k.entityType,
				"window", w.String(),
				"file", file,
				"error", err,
			)
			return partitions, fmt.Errorf("%w: writing %s: %v", apperrors.ErrIngestion, snapshot.PartitionKey(k.entityType, w, file), err)
		}
		in.metrics.PartitionsWrittenTotal.WithLabelValues(k.entityType, "ok").Inc()
		partitions = append(partitions, p)
	}

	err := resilience.Retry(ctx, "offset-commit", in.retryConfig("commit"), func() error {
		commitCtx, cancel := context.WithTimeout(ctx, in.cfg.CommitTimeout)
		defer cancel()
		return in.source.Commit(commitCtx, batch.Messages)
	})
	if err != nil {
		return partitions, fmt.Errorf("%w: committing offsets: %v", apperrors.ErrIngestion, err)
	}
	in.metrics.OffsetsCommittedTotal.Add(float64(len(batch.Messages)))
	in.record(batch, partitions)

	in.logger.Info("batch flushed",
		"events", len(batch.Events),
		"rejected", batch.Rejected,
		"partitions", len(partitions),
	)
	return partitions, nil
}

func (in *Ingestor) record(batch *Batch, partitions []snapshot.Partition) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status.Batches++
	in.status.Events += int64(len(batch.Events))
	in.status.Rejected += int64(batch.Rejected)
	in.status.AssumedUTC += int64(batch.AssumedUTC)
	in.status.Partitions += int64(len(partitions))
	in.status.LastFlush = time.Now().UTC()
	for _, m := range batch.Messages {
		if cur, ok := in.status.LastCommitted[m.Partition]; !ok || m.Offset > cur {
			in.status.LastCommitted[m.Partition] = m.Offset
		}
	}
}

// Status returns a copy of the ingestor's counters.
func (in *Ingestor) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.status
	s.LastCommitted = make(map[int]int64, len(in.status.LastCommitted))
	for p, o := range in.status.LastCommitted {
		s.LastCommitted[p] = o
	}
	return s
}

// Run loops consume and flush until ctx is cancelled. A fatal ingestion
// error stops the loop and is returned.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("ingestor starting",
		"batch_size", in.cfg.BatchSize,
		"batch_timeout", in.cfg.BatchTimeout,
		"timestamp_policy", in.policy,
	)
	for {
		batch, err := in.Consume(ctx, in.cfg.BatchSize, in.cfg.BatchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				in.logger.Info("ingestor stopping")
				return nil
			}
			return err
		}
		if _, err := in.Flush(ctx, batch); err != nil {
			if ctx.Err() != nil {
				in.logger.Info("ingestor stopping with unflushed batch", "messages", len(batch.Messages))
				return nil
			}
			return err
		}
	}
}

// RunPool runs every worker until ctx is cancelled or one fails. A failing
// worker cancels the rest.
func RunPool(ctx context.Context, workers ...*Ingestor) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		w.logger = w.logger.With("worker", i)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// StatusOf sums the status of several workers.
func StatusOf(workers ...*Ingestor) Status {
	total := Status{LastCommitted: make(map[int]int64)}
	for _, w := range workers {
		s := w.Status()
		total.Batches += s.Batches
		total.Events += s.Events
		total.Rejected += s.Rejected
		total.AssumedUTC += s.AssumedUTC
		total.Partitions += s.Partitions
		if s.LastFlush.After(total.LastFlush) {
			total.LastFlush = s.LastFlush
		}
		for p, o := range s.LastCommitted {
			if cur, ok := total.LastCommitted[p]; !ok || o > cur {
				total.LastCommitted[p] = o
			}
		}
	}
	return total
}
