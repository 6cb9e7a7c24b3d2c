// Package retrieval serves feature vectors from the online cache. Lookups
// are chunked across MGET calls that run concurrently; a chunk that cannot be
// read marks its fields missing instead of failing the request.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// MissingReason says why a feature has no value.
type MissingReason string

const (
	NotMaterialized MissingReason = "not_materialized"
	Expired         MissingReason = "expired"
	Unavailable     MissingReason = "unavailable"
	AbsentField     MissingReason = "absent_field"
)

// Value is either a feature value or the reason it is missing.
type Value struct {
	Value   any           `json:"value,omitempty"`
	Missing MissingReason `json:"missing,omitempty"`
}

// Present reports whether v holds a value.
func (v Value) Present() bool { return v.Missing == "" }

// Vector maps "group:field" to a value for one entity.
type Vector map[string]Value

// Float returns ref as a number. It is false when the feature is missing or
// not numeric.
func (v Vector) Float(ref string) (float64, bool) {
	val, ok := v[ref]
	if !ok || !val.Present() {
		return 0, false
	}
	switch x := val.Value.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

// Result maps entity id to its vector.
type Result map[string]Vector

// Reader is the slice of the online cache used for lookups.
type Reader interface {
	GetBatch(ctx context.Context, keys []onlinecache.Key) ([]onlinecache.Lookup, error)
}

type Service struct {
	cache   Reader
	catalog *featuregroup.Catalog
	cfg     config.CacheConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cache Reader, catalog *featuregroup.Catalog, cfg config.CacheConfig, m *metrics.Metrics) *Service {
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = 64
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 1
	}
	breaker := resilience.NewCircuitBreaker("online-cache-read", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		// A cancelled caller says nothing about the cache's health.
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	return &Service{
		cache:   cache,
		catalog: catalog,
		cfg:     cfg,
		breaker: breaker,
		metrics: m,
		logger:  slog.Default().With("component", "retrieval"),
	}
}

// Catalog returns the groups the service resolves references against.
func (s *Service) Catalog() *featuregroup.Catalog { return s.catalog }

type resolvedRef struct {
	raw string
	ref featuregroup.Ref
}

// Fetch returns one vector per distinct entity id holding every requested
// reference. Unknown groups or fields are input errors. A cache that cannot
// be reached for some chunks marks those fields Unavailable; only when no
// chunk could be read does Fetch return ErrCacheUnavailable.
func (s *Service) Fetch(ctx context.Context, entityIDs []string, refs []string) (Result, error) {
	resolved := make([]resolvedRef, 0, len(refs))
	var groups []string
	seenGroup := make(map[string]bool)
	for _, raw := range refs {
		r, _, err := s.catalog.Resolve(raw)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, resolvedRef{raw: r.String(), ref: r})
		if !seenGroup[r.Group] {
			seenGroup[r.Group] = true
			groups = append(groups, r.Group)
		}
	}

	ids := make([]string, 0, len(entityIDs))
	seenID := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty entity id", apperrors.ErrInvalidInput)
		}
		if !seenID[id] {
			seenID[id] = true
			ids = append(ids, id)
		}
	}
	out := make(Result, len(ids))
	if len(ids) == 0 || len(resolved) == 0 {
		for _, id := range ids {
			out[id] = Vector{}
		}
		return out, nil
	}

	keys := make([]onlinecache.Key, 0, len(ids)*len(groups))
	for _, id := range ids {
		for _, g := range groups {
			keys = append(keys, onlinecache.Key{EntityID: id, Group: g})
		}
	}
	lookups, failed, err := s.read(ctx, keys)
	if err != nil {
		return nil, err
	}

	for i, k := range keys {
		vec, ok := out[k.EntityID]
		if !ok {
			vec = make(Vector, len(resolved))
			out[k.EntityID] = vec
		}
		for _, rr := range resolved {
			if rr.ref.Group != k.Group {
				continue
			}
			v := s.value(lookups[i], failed[i], rr.ref.Field)
			if !v.Present() {
				s.metrics.FeatureMissingTotal.WithLabelValues(rr.raw, string(v.Missing)).Inc()
			}
			vec[rr.raw] = v
		}
	}
	return out, nil
}

func (s *Service) value(l onlinecache.Lookup, failed bool, field string) Value {
	if failed {
		return Value{Missing: Unavailable}
	}
	switch l.Status {
	case onlinecache.Hit:
		v, ok := l.Record.Fields[field]
		if !ok || v == nil {
			return Value{Missing: AbsentField}
		}
		return Value{Value: v}
	case onlinecache.Expired:
		return Value{Missing: Expired}
	default:
		return Value{Missing: NotMaterialized}
	}
}

// read issues the chunked lookups. The returned slices are index-aligned with
// keys; failed[i] is true when the chunk holding keys[i] could not be read.
func (s *Service) read(ctx context.Context, keys []onlinecache.Key) ([]onlinecache.Lookup, []bool, error) {
	lookups := make([]onlinecache.Lookup, len(keys))
	failed := make([]bool, len(keys))
	chunkErrs := make([]error, (len(keys)+s.cfg.ReadChunkSize-1)/s.cfg.ReadChunkSize)

	var g errgroup.Group
	for c := range chunkErrs {
		lo := c * s.cfg.ReadChunkSize
		hi := min(lo+s.cfg.ReadChunkSize, len(keys))
		g.Go(func() error {
			res, err := s.readChunk(ctx, keys[lo:hi])
			if err != nil {
				chunkErrs[c] = err
				for i := lo; i < hi; i++ {
					failed[i] = true
				}
				return nil
			}
			copy(lookups[lo:hi], res)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	nFailed := 0
	for _, err := range chunkErrs {
		if err != nil {
			nFailed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if nFailed == len(chunkErrs) {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("feature fetch: %w", ctx.Err())
		}
		s.logger.Error("every cache read failed", "chunks", nFailed, "error", firstErr)
		if errors.Is(firstErr, apperrors.ErrCacheUnavailable) {
			return nil, nil, firstErr
		}
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, firstErr)
	}
	if nFailed > 0 {
		s.logger.Warn("partial cache read failure", "failed_chunks", nFailed, "chunks", len(chunkErrs), "error", firstErr)
	}
	return lookups, failed, nil
}

func (s *Service) readChunk(ctx context.Context, keys []onlinecache.Key) ([]onlinecache.Lookup, error) {
	var out []onlinecache.Lookup
	err := s.breaker.Execute(func() error {
		return resilience.Retry(ctx, "cache-read", resilience.RetryConfig{
			MaxAttempts:  s.cfg.ReadAttempts,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
		}, func() error {
			res, err := resilience.Call(ctx, s.cfg.OpTimeout, "cache-read", func(ctx context.Context) ([]onlinecache.Lookup, error) {
				return s.cache.GetBatch(ctx, keys)
			})
			if err != nil {
				if ctx.Err() != nil {
					return resilience.Permanent(err)
				}
				return err
			}
			out = res
			return nil
		})
	})
	return out, err
}
