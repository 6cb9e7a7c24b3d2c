package ranking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileInterpolates(t *testing.T) {
	assert.InDelta(t, 4.8, percentile([]float64{5, 1, 4, 2, 3}, 0.95), 1e-9)
	assert.InDelta(t, 3.0, percentile([]float64{1, 2, 3, 4, 5}, 0.5), 1e-9)
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.95))
	assert.Equal(t, 0.0, percentile(nil, 0.95))
}

func TestDriftComputedEveryN(t *testing.T) {
	d := NewDriftMonitor(1000, 100, 0, metrics.NewNop())
	d.SetBaseline(&registry.Artifact{Stats: map[string]registry.FeatureStats{
		"distance_km": {P50: 2, P95: 5},
		"idle_rate":   {P95: 0},
	}})

	for range 99 {
		d.observe("distance_km", 10)
	}
	_, ok := d.Drift("distance_km")
	assert.False(t, ok)

	d.observe("distance_km", 10)
	drift, ok := d.Drift("distance_km")
	require.True(t, ok)
	assert.InDelta(t, 1.0, drift, 1e-9)

	for range 100 {
		d.observe("idle_rate", 0.25)
	}
	drift, ok = d.Drift("idle_rate")
	require.True(t, ok)
	assert.InDelta(t, 0.25, drift, 1e-9)

	for range 100 {
		d.observe("unknown", 1)
	}
	_, ok = d.Drift("unknown")
	assert.False(t, ok)
}

func TestDriftWindowSlides(t *testing.T) {
	d := NewDriftMonitor(10, 10, 0, metrics.NewNop())
	d.SetBaseline(&registry.Artifact{Stats: map[string]registry.FeatureStats{"x": {P95: 1}}})

	for range 10 {
		d.observe("x", 100)
	}
	high, _ := d.Drift("x")
	for range 10 {
		d.observe("x", 1)
	}
	low, ok := d.Drift("x")
	require.True(t, ok)
	assert.Greater(t, high, low)
	assert.InDelta(t, 0.0, low, 1e-9)
}

func TestSetBaselineClearsDrift(t *testing.T) {
	d := NewDriftMonitor(5, 5, 0, metrics.NewNop())
	d.SetBaseline(&registry.Artifact{Stats: map[string]registry.FeatureStats{"x": {P95: 1}}})
	for range 5 {
		d.observe("x", 2)
	}
	_, ok := d.Drift("x")
	require.True(t, ok)

	d.SetBaseline(&registry.Artifact{Stats: map[string]registry.FeatureStats{"x": {P95: 2}}})
	_, ok = d.Drift("x")
	assert.False(t, ok)
}

func TestServiceFeedsDriftMonitor(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	d := NewDriftMonitor(10, 1, 64, metrics.NewNop())
	f.svc.WithDriftMonitor(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	_, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := d.Drift(DistanceInput)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHaversineKM(t *testing.T) {
	assert.InDelta(t, 111.195, HaversineKM(0, 0, 0, 1), 0.001)
	assert.InDelta(t, 0.0, HaversineKM(40.7, -74, 40.7, -74), 1e-12)
	assert.InDelta(t, HaversineKM(51.5, -0.12, 48.85, 2.35), HaversineKM(48.85, 2.35, 51.5, -0.12), 1e-9)
}

func TestTopKOrdersByScoreThenID(t *testing.T) {
	in := []Candidate{
		{DriverID: "d5", Score: 0.1},
		{DriverID: "d2", Score: 0.9},
		{DriverID: "d4", Score: 0.5},
		{DriverID: "d1", Score: 0.5},
		{DriverID: "d3", Score: 0.9},
	}

	got := topK(in, 3)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.DriverID
	}
	assert.Equal(t, []string{"d2", "d3", "d1"}, ids)

	assert.Len(t, topK(in, 10), 5)
	assert.Empty(t, topK(in, 0))
}

type capturePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *capturePublisher) snapshot() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Event(nil), p.events...)
}

func TestDecisionLogPublishesOnClose(t *testing.T) {
	pub := &capturePublisher{}
	l := NewDecisionLog(pub, 16, metrics.NewNop())
	l.Start(context.Background())

	l.Track(Decision{DecisionID: "dec_1", RideRequestID: "ride_1", ModelVersion: "v1"})
	l.Track(Decision{DecisionID: "dec_2", ModelVersion: "v1"})
	l.Close()

	events := pub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "ride_1", events[0].Key)
	assert.Equal(t, "dec_2", events[1].Key)
	assert.Equal(t, "v1", events[0].Value.(Decision).ModelVersion)
}

func TestDecisionLogDropsWhenFull(t *testing.T) {
	m := metrics.NewNop()
	l := NewDecisionLog(&capturePublisher{}, 1, m)

	l.Track(Decision{DecisionID: "a"})
	l.Track(Decision{DecisionID: "b"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsDroppedTotal))
}

func TestDecisionLogSurvivesPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	l := NewDecisionLog(pub, 4, metrics.NewNop())
	l.Start(context.Background())
	l.Track(Decision{DecisionID: "a"})
	l.Track(Decision{DecisionID: "b"})
	l.Close()
	assert.Len(t, pub.snapshot(), 2)
}

func TestDecisionLogTrackAfterClose(t *testing.T) {
	m := metrics.NewNop()
	pub := &capturePublisher{}
	l := NewDecisionLog(pub, 4, m)
	l.Start(context.Background())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				l.Track(Decision{DecisionID: fmt.Sprintf("dec_%d_%d", i, j)})
			}
		}()
	}
	l.Close()
	wg.Wait()

	assert.NotPanics(t, func() { l.Track(Decision{DecisionID: "late"}) })
	assert.NotPanics(t, l.Close)
	assert.Equal(t, 8*50+1, len(pub.snapshot())+int(testutil.ToFloat64(m.DecisionsDroppedTotal)))
}

func TestServiceTracksDecisions(t *testing.T) {
	f := newFixture(t, newFakeRegistry("v1", distanceModel("v1")))
	f.rideRequest(t, "ride_1", 40.7128, -74.0060)
	f.driver(t, "driver_1", 40.7130, -74.0062, goodAgg)

	pub := &capturePublisher{}
	l := NewDecisionLog(pub, 8, metrics.NewNop())
	l.Start(context.Background())
	f.svc.WithDecisionLog(l)

	resp, err := f.svc.Rank(context.Background(), Request{RideRequestID: "ride_1", CandidateIDs: []string{"driver_1", "driver_9"}})
	require.NoError(t, err)
	l.Close()

	events := pub.snapshot()
	require.Len(t, events, 1)
	d := events[0].Value.(Decision)
	assert.Equal(t, resp.DecisionID, d.DecisionID)
	assert.Equal(t, "v1", d.ModelVersion)
	assert.Len(t, d.Ranked, 1)
	assert.Len(t, d.Excluded, 1)
}
