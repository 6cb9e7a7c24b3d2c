package ranking

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/rpc"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/tracing"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu       sync.Mutex
	versions map[string]*registry.Artifact
	active   string
	calls    atomic.Int32
}

func newFakeRegistry(active string, arts ...*registry.Artifact) *fakeRegistry {
	r := &fakeRegistry{versions: map[string]*registry.Artifact{}, active: active}
	for _, a := range arts {
		r.versions[a.VersionID] = a
	}
	return r
}

func (r *fakeRegistry) ActiveVersion(_ context.Context, _ []string) (*registry.Artifact, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.versions[r.active]
	if !ok {
		return nil, fmt.Errorf("%w: nothing promoted", apperrors.ErrModelUnavailable)
	}
	return a, nil
}

func (r *fakeRegistry) Promote(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[version]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrModelNotFound, version)
	}
	r.active = version
	return nil
}

func (r *fakeRegistry) setActive(version string) {
	r.mu.Lock()
	r.active = version
	r.mu.Unlock()
}

func distanceModel(version string) *registry.Artifact {
	return &registry.Artifact{
		VersionID:     version,
		TrainedAt:     time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC),
		FeatureGroups: []string{"driver_status", "driver_agg", "ride_request"},
		Inputs: []registry.Input{
			{Name: DistanceInput, Weight: -1.0, Default: 3.0},
			{Name: "accept_rate_7d", Ref: "driver_agg:accept_rate_7d", Weight: 2.0, Default: 0.5},
			{Name: "avg_response_ms", Ref: "driver_agg:avg_response_ms", Weight: -0.001, Default: 700},
		},
		Mandatory: []string{DistanceInput},
		Stats:     map[string]registry.FeatureStats{DistanceInput: {P50: 1.5, P95: 5}},
	}
}

// acceptModel scores on acceptance rate alone so expected scores are easy to
// compute per version.
func acceptModel(version string, bias float64) *registry.Artifact {
	return &registry.Artifact{
		VersionID:     version,
		FeatureGroups: []string{"driver_agg"},
		Inputs:        []registry.Input{{Name: "accept_rate_7d", Ref: "driver_agg:accept_rate_7d", Weight: 2.0, Default: 0.5}},
		Bias:          bias,
	}
}

type fixture struct {
	svc   *Service
	store *onlinecache.RedisStore
	reg   *fakeRegistry
	mr    *miniredis.Miniredis
}

func newFixture(t testing.TB, reg *fakeRegistry) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	catalog, err := featuregroup.FromConfig(cfg.FeatureGroups)
	require.NoError(t, err)
	m := metrics.NewNop()
	store := onlinecache.NewRedisStore(client, "", time.Hour, m)
	cacheCfg := cfg.Cache
	cacheCfg.OpTimeout = time.Second
	features := retrieval.New(store, catalog, cacheCfg, m)

	rankCfg := cfg.Ranking
	rankCfg.LatencyBudget = 2 * time.Second
	svc, err := NewService(NewModelHolder(reg, catalog, m), features, catalog, rankCfg, tracing.Sampler{}, m)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, reg: reg, mr: mr}
}

func (f *fixture) driver(t testing.TB, id string, lat, lon float64, agg map[string]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, id, "driver_status", map[string]any{"lat": lat, "lon": lon, "status": "idle"}, 5*time.Minute))
	if agg != nil {
		require.NoError(t, f.store.Put(ctx, id, "driver_agg", agg, time.Hour))
	}
}

func (f *fixture) rideRequest(t testing.TB, id string, lat, lon float64) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), id, "ride_request",
		map[string]any{"origin_lat": lat, "origin_lon": lon, "pref_vehicle": "sedan"}, 15*time.Minute))
}

var goodAgg = map[string]any{"accept_rate_7d": 0.9, "avg_response_ms": 400.0}

func TestRankExcludesDriverWithoutFeatures(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)
	f.driver(t, "driver_2", 40.7500, -74.0000, goodAgg)

	resp, err := f.svc.Rank(context.Background(), Request{
		RideRequestID: "ride_1",
		CandidateIDs:  []string{"driver_2", "driver_9", "driver_1"},
		MaxResults:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.ModelVersion)
	require.Len(t, resp.Ranked, 2)
	assert.Equal(t, "driver_1", resp.Ranked[0].DriverID)
	assert.Equal(t, "driver_2", resp.Ranked[1].DriverID)
	assert.Greater(t, resp.Ranked[0].Score, resp.Ranked[1].Score)
	require.NotNil(t, resp.Ranked[0].DistanceKM)
	assert.Less(t, *resp.Ranked[0].DistanceKM, 0.1)

	assert.Equal(t, []Exclusion{{DriverID: "driver_9", Reason: "missing:not_materialized"}}, resp.Excluded)
	assert.False(t, resp.Degraded)
	assert.Equal(t, []State{StateReceived, StateFeaturesFetched, StateScored, StateResponded}, resp.States)
	assert.NotEmpty(t, resp.DecisionID)
}

func TestRankTieBreaksByDriverID(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	for _, id := range []string{"driver_c", "driver_a", "driver_b"} {
		f.driver(t, id, 40.72, -74.01, goodAgg)
	}

	for range 3 {
		resp, err := f.svc.Rank(context.Background(), Request{
			RideRequestID: "ride_1",
			CandidateIDs:  []string{"driver_c", "driver_b", "driver_a"},
			MaxResults:    2,
		})
		require.NoError(t, err)
		require.Len(t, resp.Ranked, 2)
		assert.Equal(t, "driver_a", resp.Ranked[0].DriverID)
		assert.Equal(t, "driver_b", resp.Ranked[1].DriverID)
		assert.Equal(t, resp.Ranked[0].Score, resp.Ranked[1].Score)
	}
}

func TestRankImputesAndDegrades(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, nil)
	f.driver(t, "driver_2", 40.7140, -74.0070, nil)

	resp, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1", "driver_2"}})
	require.NoError(t, err)
	require.Len(t, resp.Ranked, 2)
	assert.True(t, resp.Degraded)
	assert.InDelta(t, 4.0/6.0, resp.ImputedRatio, 1e-9)
	assert.Contains(t, resp.States, StateDegraded)
	assert.NotContains(t, resp.States, StateScored)
	assert.Equal(t, []string{"accept_rate_7d", "avg_response_ms"}, resp.Ranked[0].Imputed)
}

func TestRankUsesRiderLocationOverride(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)
	lat, lon := 40.7128, -74.0060

	resp, err := f.svc.Rank(context.Background(), Request{RiderLat: &lat, RiderLon: &lon, CandidateIDs: []string{"driver_1"}})
	require.NoError(t, err)
	require.Len(t, resp.Ranked, 1)
	require.NotNil(t, resp.Ranked[0].DistanceKM)
	assert.InDelta(t, HaversineKM(lat, lon, 40.7130, -74.0062), *resp.Ranked[0].DistanceKM, 1e-9)
}

func TestRankMissingOriginExcludesEveryone(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	resp, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_unknown", CandidateIDs: []string{"driver_1"}})
	require.NoError(t, err)
	assert.Empty(t, resp.Ranked)
	assert.Equal(t, "missing:not_materialized", resp.Excluded[0].Reason)
}

// entityFailFetcher fails every fetch that asks for entity and delegates
// the rest.
type entityFailFetcher struct {
	next   FeatureFetcher
	entity string
}

func (e entityFailFetcher) Fetch(ctx context.Context, ids []string, refs []string) (retrieval.Result, error) {
	for _, id := range ids {
		if id == e.entity {
			return nil, fmt.Errorf("%w: chunk failed", apperrors.ErrCacheUnavailable)
		}
	}
	return e.next.Fetch(ctx, ids, refs)
}

func TestRankUnreadableOriginExcludesInsteadOfFailing(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)
	f.driver(t, "driver_2", 40.7500, -73.9900, goodAgg)
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.svc.features = entityFailFetcher{next: f.svc.features, entity: "ride_1"}

	resp, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1", "driver_2"}})
	require.NoError(t, err)
	assert.Empty(t, resp.Ranked)
	require.Len(t, resp.Excluded, 2)
	for _, ex := range resp.Excluded {
		assert.Equal(t, "missing:unavailable", ex.Reason)
	}
}

func TestRankFailsWhenDriverReadFails(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.svc.features = entityFailFetcher{next: f.svc.features, entity: "driver_1"}

	_, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1"}})
	assert.ErrorIs(t, err, apperrors.ErrCacheUnavailable)
}

func TestRankWithoutModelIsUnavailable(t *testing.T) {
	f := newFixture(t, newFakeRegistry(""))

	_, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1"}})
	assert.ErrorIs(t, err, apperrors.ErrModelUnavailable)
}

func TestRankRejectsBadRequests(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	lat := 10.0
	far := 200.0

	cases := map[string]Request{
		"no origin":          {CandidateIDs: []string{"driver_1"}},
		"half a location":    {RiderLat: &lat, CandidateIDs: []string{"driver_1"}},
		"location off globe": {RiderLat: &far, RiderLon: &lat, CandidateIDs: []string{"driver_1"}},
		"empty candidate":    {RideRequestID: "r", CandidateIDs: []string{""}},
		"negative results":   {RideRequestID: "r", CandidateIDs: []string{"d"}, MaxResults: -1},
		"too many":           {RideRequestID: "r", CandidateIDs: make([]string, 501)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Rank(context.Background(), req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ []string, _ []string) (retrieval.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRankAbandonedPastBudget(t *testing.T) {
	cfg := config.Default()
	catalog, err := featuregroup.FromConfig(cfg.FeatureGroups)
	require.NoError(t, err)
	m := metrics.NewNop()
	rankCfg := cfg.Ranking
	rankCfg.LatencyBudget = 30 * time.Millisecond
	svc, err := NewService(NewModelHolder(newFakeRegistry("v1", distanceModel("v1")), catalog, m), blockingFetcher{}, catalog, rankCfg, tracing.Sampler{}, m)
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1"}})
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, apperrors.HTTPStatusCode(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestModelSwapKeepsOneVersionPerResponse(t *testing.T) {
	reg := newFakeRegistry("v1", acceptModel("v1", 0), acceptModel("v2", 1))
	f := newFixture(t, reg)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	expected := map[string]float64{
		"v1": 1 / (1 + math.Exp(-1.8)),
		"v2": 1 / (1 + math.Exp(-2.8)),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				resp, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1"}})
				if err != nil {
					errs <- err
					return
				}
				want, ok := expected[resp.ModelVersion]
				if !ok || len(resp.Ranked) != 1 || math.Abs(resp.Ranked[0].Score-want) > 1e-12 {
					errs <- fmt.Errorf("version %s served score %v", resp.ModelVersion, resp.Ranked)
					return
				}
			}
		}()
	}
	for i := range 10 {
		reg.setActive([]string{"v2", "v1"}[i%2])
		_, err := f.svc.Models().Refresh(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestModelHolderKeepsLastVersionOnRegistryFailure(t *testing.T) {
	reg := newFakeRegistry("v1", acceptModel("v1", 0))
	f := newFixture(t, reg)
	h := f.svc.Models()

	a, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", a.VersionID)

	reg.setActive("gone")
	a, err = h.Refresh(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrModelUnavailable)
	require.NotNil(t, a)
	assert.Equal(t, "v1", h.Current().VersionID)
}

func TestModelHolderRejectsUnservableArtifact(t *testing.T) {
	bad := acceptModel("v9", 0)
	bad.Inputs = append(bad.Inputs, registry.Input{Name: "eta_minutes", Weight: 1})
	f := newFixture(t, newFakeRegistry("v9", bad))

	_, err := f.svc.Models().Get(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrModelUnavailable)
	assert.Nil(t, f.svc.Models().Current())
}

func TestModelHolderCoalescesFirstLoad(t *testing.T) {
	reg := newFakeRegistry("v1", acceptModel("v1", 0))
	f := newFixture(t, reg)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Models().Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, reg.calls.Load(), int32(16))
	assert.Equal(t, "v1", f.svc.Models().Current().VersionID)
}

func TestRankingHTTP(t *testing.T) {
	reg := newFakeRegistry("v1", distanceModel("v1"), distanceModel("v2"))
	f := newFixture(t, reg)
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	mux := http.NewServeMux()
	NewHandler(f.svc, nil).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rank",
		strings.NewReader(`{"ride_request_id":"ride_1","candidate_ids":["driver_1","driver_9"],"max_results":3}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"model_version":"v1"`)
	assert.Contains(t, rec.Body.String(), `"reason":"missing:not_materialized"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/models/v2/promote", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v2", f.svc.Models().Current().VersionID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models/active", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version_id":"v2"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/models/v404/promote", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rank", strings.NewReader(`{"candidate_ids":["driver_1"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRankingHTTPWithoutModel(t *testing.T) {
	f := newFixture(t, newFakeRegistry(""))
	mux := http.NewServeMux()
	NewHandler(f.svc, nil).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rank",
		strings.NewReader(`{"ride_request_id":"ride_1","candidate_ids":["driver_1"]}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRankingRPC(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	server := rpc.NewServer(time.Second)
	RegisterRPC(server, f.svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.ServeListener(ln)
	t.Cleanup(server.Stop)

	client, err := rpc.Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer client.Close()

	var resp proto.RankResponse
	require.NoError(t, client.Call(context.Background(), proto.MethodRank,
		&proto.RankRequest{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1", "driver_9"}, MaxResults: 5}, &resp))
	assert.Equal(t, "v1", resp.ModelVersion)
	require.Len(t, resp.Ranked, 1)
	assert.Equal(t, "driver_1", resp.Ranked[0].DriverID)
	assert.Equal(t, []proto.ExcludedDriver{{DriverID: "driver_9", Reason: "missing:not_materialized"}}, resp.Excluded)

	var health proto.HealthCheckResponse
	require.NoError(t, client.Call(context.Background(), proto.MethodHealth, nil, &health))
	assert.Equal(t, "SERVING", health.Status)
}
