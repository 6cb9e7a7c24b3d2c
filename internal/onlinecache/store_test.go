package onlinecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "", 24*time.Hour, metrics.NewNop()), mr
}

func TestPutThenGetReturnsWholeRecord(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", map[string]any{"lat": 10.0, "lon": 20.0, "status": "idle"}, 300*time.Second))
	assert.True(t, mr.Exists("driver_1:driver_status"))
	assert.Equal(t, 300*time.Second, mr.TTL("driver_1:driver_status"))

	got, err := s.Get(ctx, "driver_1", "driver_status")
	require.NoError(t, err)
	require.Equal(t, Hit, got.Status)
	assert.Equal(t, map[string]any{"lat": 10.0, "lon": 20.0, "status": "idle"}, got.Record.Fields)
	assert.Equal(t, int64(300000), got.Record.TTLMillis)

	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", map[string]any{"status": "busy"}, 300*time.Second))
	got, err = s.Get(ctx, "driver_1", "driver_status")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "busy"}, got.Record.Fields, "a put replaces the whole map")
}

func TestGetAfterTTLIsExpiredMiss(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", map[string]any{"lat": 10.0}, 300*time.Second))
	mr.FastForward(301 * time.Second)

	got, err := s.Get(ctx, "driver_1", "driver_status")
	require.NoError(t, err)
	assert.Equal(t, Expired, got.Status)
	assert.Nil(t, got.Record)
}

func TestWrittenAtGuardsAgainstLateExpiry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", map[string]any{"lat": 10.0}, 300*time.Second))

	s.now = func() time.Time { return base.Add(300 * time.Second) }
	got, err := s.Get(ctx, "driver_1", "driver_status")
	require.NoError(t, err)
	assert.Equal(t, Hit, got.Status)

	s.now = func() time.Time { return base.Add(301 * time.Second) }
	got, err = s.Get(ctx, "driver_1", "driver_status")
	require.NoError(t, err)
	assert.Equal(t, Expired, got.Status)
}

func TestNeverMaterializedIsDistinct(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Get(context.Background(), "driver_9", "driver_status")
	require.NoError(t, err)
	assert.Equal(t, NotMaterialized, got.Status)
	assert.Equal(t, "not_materialized", got.Status.String())
}

func TestGetBatchIsIndexAligned(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.PutBatch(ctx, "driver_agg", time.Hour, now, []Entry{
		{EntityID: "driver_1", Fields: map[string]any{"accept_rate_7d": 0.9}},
		{EntityID: "driver_2", Fields: map[string]any{"accept_rate_7d": 0.5}, EventTime: now.Add(-time.Minute)},
	}))

	res, err := s.GetBatch(ctx, []Key{
		{EntityID: "driver_2", Group: "driver_agg"},
		{EntityID: "driver_3", Group: "driver_agg"},
		{EntityID: "driver_1", Group: "driver_agg"},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, 0.5, res[0].Record.Fields["accept_rate_7d"])
	assert.True(t, res[0].Record.EventTime.Equal(now.Add(-time.Minute)))
	assert.Equal(t, NotMaterialized, res[1].Status)
	assert.Equal(t, 0.9, res[2].Record.Fields["accept_rate_7d"])
}

func TestUnavailableIsAnError(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "driver_1", "driver_status")
	assert.ErrorIs(t, err, apperrors.ErrCacheUnavailable)

	err = s.Put(context.Background(), "driver_1", "driver_status", map[string]any{"lat": 1.0}, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrCacheUnavailable)
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Put(context.Background(), "driver_1", "driver_status", map[string]any{"lat": 1.0}, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestInvalidateRemovesGroupOnly(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", map[string]any{"lat": 1.0}, time.Minute))
	require.NoError(t, s.Put(ctx, "driver_1", "driver_agg", map[string]any{"accept_rate_7d": 1.0}, time.Minute))

	n, err := s.Invalidate(ctx, "driver_status")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, mr.Exists("driver_1:driver_status"))
	assert.True(t, mr.Exists("driver_1:driver_agg"))
}

func TestConcurrentReadersNeverSeePartialMaps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := map[string]any{"lat": 1.0, "lon": 1.0, "status": "idle"}
	b := map[string]any{"lat": 2.0, "lon": 2.0, "status": "busy"}
	require.NoError(t, s.Put(ctx, "driver_1", "driver_status", a, time.Minute))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			next := a
			if i%2 == 0 {
				next = b
			}
			_ = s.Put(ctx, "driver_1", "driver_status", next, time.Minute)
		}
	}()
	for i := 0; i < 50; i++ {
		got, err := s.Get(ctx, "driver_1", "driver_status")
		require.NoError(t, err)
		require.Equal(t, Hit, got.Status)
		lat := got.Record.Fields["lat"]
		assert.Equal(t, lat, got.Record.Fields["lon"])
	}
	wg.Wait()
}
