package ranking

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
)

type observation struct {
	feature string
	value   float64
}

// DriftMonitor compares the serving p95 of each model input over a sliding
// window with the p95 recorded at training time. Observations arrive on a
// buffered channel and are dropped when it is full.
type DriftMonitor struct {
	window  int
	every   int
	ch      chan observation
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	baseline map[string]registry.FeatureStats
	buffers  map[string][]float64
	next     map[string]int
	counters map[string]int
	drift    map[string]float64
}

func NewDriftMonitor(window, every, buffer int, m *metrics.Metrics) *DriftMonitor {
	if window <= 0 {
		window = 1000
	}
	if every <= 0 {
		every = 100
	}
	if buffer <= 0 {
		buffer = 4096
	}
	return &DriftMonitor{
		window:   window,
		every:    every,
		ch:       make(chan observation, buffer),
		metrics:  m,
		logger:   slog.Default().With("component", "drift-monitor"),
		baseline: map[string]registry.FeatureStats{},
		buffers:  map[string][]float64{},
		next:     map[string]int{},
		counters: map[string]int{},
		drift:    map[string]float64{},
	}
}

// SetBaseline switches to a new model's training statistics and clears the
// serving window.
func (d *DriftMonitor) SetBaseline(a *registry.Artifact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for f := range d.drift {
		d.metrics.FeatureDrift.DeleteLabelValues(f)
	}
	d.baseline = a.Stats
	d.buffers = map[string][]float64{}
	d.next = map[string]int{}
	d.counters = map[string]int{}
	d.drift = map[string]float64{}
}

// Observe queues one serving value without blocking.
func (d *DriftMonitor) Observe(feature string, value float64) {
	select {
	case d.ch <- observation{feature: feature, value: value}:
	default:
	}
}

// Start consumes observations until ctx is cancelled.
func (d *DriftMonitor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case o := <-d.ch:
				d.observe(o.feature, o.value)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Drift returns the latest computed drift for feature.
func (d *DriftMonitor) Drift(feature string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.drift[feature]
	return v, ok
}

func (d *DriftMonitor) observe(feature string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base, ok := d.baseline[feature]
	if !ok {
		return
	}
	buf := d.buffers[feature]
	if len(buf) < d.window {
		buf = append(buf, value)
	} else {
		buf[d.next[feature]] = value
		d.next[feature] = (d.next[feature] + 1) % d.window
	}
	d.buffers[feature] = buf

	d.counters[feature]++
	if d.counters[feature] < d.every {
		return
	}
	d.counters[feature] = 0

	current := percentile(buf, 0.95)
	drift := math.Abs(current - base.P95)
	if base.P95 != 0 {
		drift /= math.Abs(base.P95)
	}
	d.drift[feature] = drift
	d.metrics.FeatureDrift.WithLabelValues(feature).Set(drift)
	d.logger.Debug("feature drift computed", "feature", feature, "p95", current, "baseline_p95", base.P95, "drift", drift)
}

// percentile interpolates linearly between the closest ranks.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}
