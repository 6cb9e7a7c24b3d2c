package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	fetchErrs int
}

func (f *fakeSource) FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErrs > 0 {
		f.fetchErrs--
		return nil, errors.New("broker unavailable")
	}
	if len(f.pending) == 0 {
		f.mu.Unlock()
		defer f.mu.Lock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, nil
		}
	}
	n := min(max, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeSource) Commit(_ context.Context, msgs []kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

// flakyBlobs fails the first n Put calls.
type flakyBlobs struct {
	snapshot.BlobStore
	failures int
	puts     int
}

func (f *flakyBlobs) Put(ctx context.Context, key string, data []byte) error {
	f.puts++
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.BlobStore.Put(ctx, key, data)
}

func msg(partition int, offset int64, body string) kafka.Message {
	return kafka.Message{Topic: "ridematch-events", Partition: partition, Offset: offset, Value: []byte(body)}
}

func driverUpdate(id, ts string, lat float64) string {
	return fmt.Sprintf(`{"entity_type":"driver","entity_id":%q,"event_type":"driver_update","timestamp":%q,"payload":{"lat":%v}}`, id, ts, lat)
}

func testConfig() config.IngestorConfig {
	cfg := config.Default().Ingestor
	cfg.RetryAttempts = 3
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func newTestIngestor(t *testing.T, src Source, blobs snapshot.BlobStore) (*Ingestor, *snapshot.Store) {
	t.Helper()
	if blobs == nil {
		fs, err := snapshot.NewFileStore(t.TempDir())
		require.NoError(t, err)
		blobs = fs
	}
	store := snapshot.NewStore(blobs, "", 10*time.Minute)
	return New(src, store, testConfig(), time.Second, metrics.NewNop()), store
}

func TestConsumeDecodesAndRejects(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{
		msg(0, 1, driverUpdate("driver_1", "2026-10-18T09:01:00Z", 10)),
		msg(0, 2, driverUpdate("driver_1", "not-a-time", 11)),
		msg(0, 3, `{"entity_type":"driver","entity_id":"","timestamp":"2026-10-18T09:02:00Z"}`),
		msg(0, 4, driverUpdate("driver_2", "2026-10-18 09:03:00", 12)),
	}}
	in, _ := newTestIngestor(t, src, nil)

	batch, err := in.Consume(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Messages, 4)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, 2, batch.Rejected)
	assert.Equal(t, 1, batch.AssumedUTC)
	assert.Equal(t, int64(4), batch.Events[1].Position.Offset)
	assert.True(t, batch.Events[1].AssumedUTC)
}

func TestConsumeEmptyIsNotAnError(t *testing.T) {
	in, _ := newTestIngestor(t, &fakeSource{}, nil)
	batch, err := in.Consume(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)

	parts, err := in.Flush(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestConsumeRetriesTransientFetchErrors(t *testing.T) {
	src := &fakeSource{fetchErrs: 2, pending: []kafka.Message{msg(0, 1, driverUpdate("d", "2026-10-18T09:00:00Z", 1))}}
	in, _ := newTestIngestor(t, src, nil)

	batch, err := in.Consume(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 1)

	src.fetchErrs = 5
	_, err = in.Consume(context.Background(), 10, time.Second)
	assert.ErrorIs(t, err, apperrors.ErrIngestion)
}

func TestFlushBucketsByWindowAndCommitsAfterWrite(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{
		msg(0, 10, driverUpdate("driver_1", "2026-10-18T09:01:00Z", 10)),
		msg(0, 11, driverUpdate("driver_1", "2026-10-18T09:12:00Z", 11)),
		msg(1, 7, driverUpdate("driver_2", "2026-10-18T09:02:00Z", 12)),
		msg(0, 12, `{"entity_type":"ride_request","entity_id":"r1","timestamp":"2026-10-18T09:03:00Z","payload":{"origin_lat":12.9}}`),
		msg(0, 13, driverUpdate("driver_3", "bad", 0)),
	}}
	in, store := newTestIngestor(t, src, nil)
	ctx := context.Background()

	batch, err := in.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	parts, err := in.Flush(ctx, batch)
	require.NoError(t, err)
	require.Len(t, parts, 4)
	assert.Equal(t, "driver/20261018T090000Z-20261018T091000Z/p0-o10-10.parquet", parts[0].Key)
	assert.Equal(t, "driver/20261018T090000Z-20261018T091000Z/p1-o7-7.parquet", parts[1].Key)
	assert.Equal(t, "driver/20261018T091000Z-20261018T092000Z/p0-o11-11.parquet", parts[2].Key)
	assert.Equal(t, "ride_request", parts[3].EntityType)

	assert.Len(t, src.committed, 5, "rejected records are committed too")

	w := snapshot.Window{Start: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	listed, err := store.ListPartitions(ctx, "driver", w)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	st := in.Status()
	assert.Equal(t, int64(1), st.Batches)
	assert.Equal(t, int64(4), st.Events)
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(13), st.LastCommitted[0])
	assert.Equal(t, int64(7), st.LastCommitted[1])
}

func TestFlushRetriesThenFailsWithoutCommit(t *testing.T) {
	fs, err := snapshot.NewFileStore(t.TempDir())
	require.NoError(t, err)
	blobs := &flakyBlobs{BlobStore: fs, failures: 2}

	src := &fakeSource{pending: []kafka.Message{msg(0, 1, driverUpdate("driver_1", "2026-10-18T09:01:00Z", 10))}}
	in, _ := newTestIngestor(t, src, blobs)
	ctx := context.Background()

	batch, err := in.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	parts, err := in.Flush(ctx, batch)
	require.NoError(t, err, "two transient failures fit in a three attempt budget")
	assert.Len(t, parts, 1)
	assert.Equal(t, 3, blobs.puts)

	blobs.failures = 10
	src.committed = nil
	_, err = in.Flush(ctx, batch)
	assert.ErrorIs(t, err, apperrors.ErrIngestion)
	assert.Empty(t, src.committed)
}

func TestRedeliveredBatchOverwritesSamePartition(t *testing.T) {
	body := driverUpdate("driver_1", "2026-10-18T09:01:00Z", 10)
	src := &fakeSource{pending: []kafka.Message{msg(0, 5, body)}}
	in, store := newTestIngestor(t, src, nil)
	ctx := context.Background()

	batch, err := in.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	first, err := in.Flush(ctx, batch)
	require.NoError(t, err)

	src.pending = []kafka.Message{msg(0, 5, body)}
	batch, err = in.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	second, err := in.Flush(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, first[0].Key, second[0].Key)

	listed, err := store.ListPartitions(ctx, "driver", first[0].Window)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestRunPoolStopsOnCancel(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{msg(0, 1, driverUpdate("driver_1", "2026-10-18T09:01:00Z", 1))}}
	a, _ := newTestIngestor(t, src, nil)
	b, _ := newTestIngestor(t, &fakeSource{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPool(ctx, a, b) }()

	require.Eventually(t, func() bool { return StatusOf(a, b).Events == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
