package materializer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
)

// Scheduler materializes every group of the catalog on a fixed interval
// over the window [now - lookback, now). A group whose previous run has not
// finished is skipped for that tick.
type Scheduler struct {
	m        *Materializer
	interval time.Duration
	lookback time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*sync.Mutex
	last    map[string]Result
}

// NewScheduler creates a scheduler over m.
func NewScheduler(m *Materializer, interval, lookback time.Duration) *Scheduler {
	s := &Scheduler{
		m:        m,
		interval: interval,
		lookback: lookback,
		logger:   slog.Default().With("component", "materialization-scheduler"),
		running:  make(map[string]*sync.Mutex),
		last:     make(map[string]Result),
	}
	for _, name := range m.Catalog().Names() {
		s.running[name] = &sync.Mutex{}
	}
	return s
}

// Start runs a first pass immediately, then one per interval, until ctx is
// cancelled. It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.RunOnce(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.logger.Info("materialization scheduler stopped")
				return
			}
		}
	}()
	s.logger.Info("materialization scheduler started", "interval", s.interval, "lookback", s.lookback)
}

// RunOnce materializes every group concurrently over the current lookback
// window and waits for them.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.m.now().UTC()
	w := snapshot.Window{Start: now.Add(-s.lookback), End: now}
	var wg sync.WaitGroup
	for _, name := range s.m.Catalog().Names() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger(ctx, name, w)
		}()
	}
	wg.Wait()
}

// Trigger runs one group unless a run for it is already in progress. The
// boolean is false when the run was skipped.
func (s *Scheduler) Trigger(ctx context.Context, group string, w snapshot.Window) (Result, bool, error) {
	lock, ok := s.running[group]
	if !ok {
		res, err := s.m.Materialize(ctx, group, w)
		return res, true, err
	}
	if !lock.TryLock() {
		s.logger.Warn("previous run still active, skipping", "feature_group", group)
		return Result{}, false, nil
	}
	defer lock.Unlock()

	res, err := s.m.Materialize(ctx, group, w)
	if err == nil {
		s.mu.Lock()
		s.last[group] = res
		s.mu.Unlock()
	}
	return res, true, err
}

// LastSuccess returns the latest successful result per group.
func (s *Scheduler) LastSuccess() map[string]Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Result, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
