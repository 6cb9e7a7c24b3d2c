// Package onlinecache is the serving-time feature store. Each (entity,
// feature group) pair is one Redis key holding the whole field map, written
// in a single command with a native expiry, so readers observe either the
// full map or nothing.
package onlinecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/redis"
)

const markerSuffix = ":seen"

// Status classifies a lookup. A miss is a status, not an error.
type Status int

const (
	NotMaterialized Status = iota
	Hit
	Expired
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Expired:
		return "expired"
	default:
		return "not_materialized"
	}
}

// Record is the value stored for one entity and group.
type Record struct {
	Fields    map[string]any `json:"fields"`
	WrittenAt time.Time      `json:"written_at"`
	EventTime time.Time      `json:"event_time"`
	TTLMillis int64          `json:"ttl_ms"`
}

// Fresh reports whether r is still within its TTL at now.
func (r *Record) Fresh(now time.Time) bool {
	return now.Sub(r.WrittenAt) <= time.Duration(r.TTLMillis)*time.Millisecond
}

// Key addresses one record.
type Key struct {
	EntityID string
	Group    string
}

// Entry is one record to write.
type Entry struct {
	EntityID string
	Fields   map[string]any
	// EventTime is the newest event timestamp that contributed a field.
	EventTime time.Time
}

// Lookup is the outcome of reading one Key.
type Lookup struct {
	Status Status
	Record *Record
}

// RedisStore implements the online cache on Redis.
type RedisStore struct {
	client          *redis.Client
	prefix          string
	markerRetention time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// NewRedisStore creates a store. Keys are "{prefix}{entity_id}:{group}".
// markerRetention bounds how long an expired record stays distinguishable
// from one that was never written.
func NewRedisStore(client *redis.Client, prefix string, markerRetention time.Duration, m *metrics.Metrics) *RedisStore {
	return &RedisStore{
		client:          client,
		prefix:          prefix,
		markerRetention: markerRetention,
		metrics:         m,
		logger:          slog.Default().With("component", "online-cache"),
		now:             time.Now,
	}
}

func (s *RedisStore) dataKey(entityID, group string) string {
	return s.prefix + entityID + ":" + group
}

// Put replaces the record for entityID in group.
func (s *RedisStore) Put(ctx context.Context, entityID, group string, fields map[string]any, ttl time.Duration) error {
	return s.PutBatch(ctx, group, ttl, s.now().UTC(), []Entry{{EntityID: entityID, Fields: fields}})
}

// PutBatch writes every entry inside one MULTI/EXEC. Each record is a
// single SET with PX, so a reader sees the whole map or a miss. The batch
// is not retried here: a failed batch is recovered by re-running the
// materialization.
func (s *RedisStore) PutBatch(ctx context.Context, group string, ttl time.Duration, writtenAt time.Time, entries []Entry) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl for %s must be positive", apperrors.ErrInvalidInput, group)
	}
	if len(entries) == 0 {
		return nil
	}
	retention := s.markerRetention
	if retention < ttl {
		retention = ttl
	}

	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(Record{
			Fields:    e.Fields,
			WrittenAt: writtenAt.UTC(),
			EventTime: e.EventTime.UTC(),
			TTLMillis: ttl.Milliseconds(),
		})
		if err != nil {
			return fmt.Errorf("encoding record %s:%s: %w", e.EntityID, group, err)
		}
		payloads[i] = data
	}

	err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range entries {
			key := s.dataKey(e.EntityID, group)
			pipe.Set(ctx, key, payloads[i], ttl)
			pipe.Set(ctx, key+markerSuffix, writtenAt.UTC().Unix(), retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: writing %d %s records: %v", apperrors.ErrCacheUnavailable, len(entries), group, err)
	}
	return nil
}

// Get reads one record.
func (s *RedisStore) Get(ctx context.Context, entityID, group string) (Lookup, error) {
	res, err := s.GetBatch(ctx, []Key{{EntityID: entityID, Group: group}})
	if err != nil {
		return Lookup{}, err
	}
	return res[0], nil
}

// GetBatch reads every key with one MGET. The result is index-aligned with
// keys. Only a transport failure is an error.
func (s *RedisStore) GetBatch(ctx context.Context, keys []Key) ([]Lookup, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		dk := s.dataKey(k.EntityID, k.Group)
		redisKeys = append(redisKeys, dk, dk+markerSuffix)
	}
	vals, err := s.client.MGet(ctx, redisKeys...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, err)
	}
	if len(vals) != len(redisKeys) {
		return nil, fmt.Errorf("%w: MGET returned %d values for %d keys", apperrors.ErrCacheUnavailable, len(vals), len(redisKeys))
	}

	now := s.now()
	out := make([]Lookup, len(keys))
	for i, k := range keys {
		data, marker := vals[2*i], vals[2*i+1]
		out[i] = s.classify(k, data, marker, now)
		s.metrics.CacheLookupsTotal.WithLabelValues(k.Group, out[i].Status.String()).Inc()
	}
	return out, nil
}

func (s *RedisStore) classify(k Key, data, marker any, now time.Time) Lookup {
	missing := Lookup{Status: NotMaterialized}
	if marker != nil {
		missing.Status = Expired
	}
	raw, ok := data.(string)
	if !ok {
		return missing
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("undecodable cache record", "entity_id", k.EntityID, "feature_group", k.Group, "error", err)
		return Lookup{Status: Expired}
	}
	if !rec.Fresh(now) {
		return Lookup{Status: Expired}
	}
	return Lookup{Status: Hit, Record: &rec}
}

// Invalidate deletes every record and marker of group.
func (s *RedisStore) Invalidate(ctx context.Context, group string) (int64, error) {
	n, err := s.client.FlushByPattern(ctx, s.prefix+"*:"+group)
	if err != nil {
		return n, fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, err)
	}
	m, err := s.client.FlushByPattern(ctx, s.prefix+"*:"+group+markerSuffix)
	if err != nil {
		return n + m, fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, err)
	}
	s.logger.Info("feature group invalidated", "feature_group", group, "keys", n+m)
	return n + m, nil
}

// Ping checks the connection, for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
