package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// DistanceInput is the one input computed at request time rather than read
// from the cache.
const DistanceInput = "distance_km"

// ModelHolder keeps the active artifact behind an atomic pointer. Readers
// never block; a refresh replaces the pointer and never mutates the artifact
// it points at.
type ModelHolder struct {
	registry registry.Registry
	catalog  *featuregroup.Catalog
	current  atomic.Pointer[registry.Artifact]
	group    singleflight.Group
	onSwap   []func(*registry.Artifact)
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewModelHolder(reg registry.Registry, catalog *featuregroup.Catalog, m *metrics.Metrics) *ModelHolder {
	return &ModelHolder{
		registry: reg,
		catalog:  catalog,
		metrics:  m,
		logger:   slog.Default().With("component", "model-holder"),
	}
}

// OnSwap registers fn to run after each swap. Not safe to call once the
// holder is in use.
func (h *ModelHolder) OnSwap(fn func(*registry.Artifact)) {
	h.onSwap = append(h.onSwap, fn)
}

// Current returns the active artifact, or nil before the first load.
func (h *ModelHolder) Current() *registry.Artifact {
	return h.current.Load()
}

// Get returns the active artifact, loading it on first use.
func (h *ModelHolder) Get(ctx context.Context) (*registry.Artifact, error) {
	if a := h.current.Load(); a != nil {
		return a, nil
	}
	a, err := h.Refresh(ctx)
	if a == nil {
		if err == nil {
			err = apperrors.ErrModelUnavailable
		}
		return nil, err
	}
	return a, nil
}

// Refresh asks the registry for the active version and swaps it in if it
// changed. Concurrent callers share one registry call. On failure the
// previous artifact stays active and is returned along with the error.
func (h *ModelHolder) Refresh(ctx context.Context) (*registry.Artifact, error) {
	v, err, _ := h.group.Do("active", func() (any, error) {
		a, err := h.registry.ActiveVersion(ctx, h.catalog.Names())
		if err != nil {
			return nil, err
		}
		if err := h.check(a); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrModelUnavailable, err)
		}
		h.swap(a)
		return a, nil
	})
	if err != nil {
		prev := h.current.Load()
		if prev != nil {
			h.logger.Warn("model refresh failed, keeping current version", "version", prev.VersionID, "error", err)
		}
		return prev, err
	}
	return v.(*registry.Artifact), nil
}

// Promote activates versionID in the registry and loads it.
func (h *ModelHolder) Promote(ctx context.Context, versionID string) (*registry.Artifact, error) {
	if err := h.registry.Promote(ctx, versionID); err != nil {
		return nil, err
	}
	a, err := h.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if a.VersionID != versionID {
		return a, fmt.Errorf("%w: promoted %s but registry serves %s", apperrors.ErrModelUnavailable, versionID, a.VersionID)
	}
	return a, nil
}

// Start polls the registry every interval until ctx is cancelled.
func (h *ModelHolder) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	h.logger.Info("model poller started", "interval", interval)
}

func (h *ModelHolder) swap(a *registry.Artifact) {
	prev := h.current.Load()
	if prev != nil && prev.VersionID == a.VersionID {
		return
	}
	h.current.Store(a)
	if prev != nil {
		h.metrics.ActiveModel.DeleteLabelValues(prev.VersionID)
	}
	h.metrics.ActiveModel.WithLabelValues(a.VersionID).Set(1)
	h.metrics.ModelSwapsTotal.Inc()
	for _, fn := range h.onSwap {
		fn(a)
	}
	from := ""
	if prev != nil {
		from = prev.VersionID
	}
	h.logger.Info("active model swapped", "from", from, "to", a.VersionID, "trained_at", a.TrainedAt)
}

// check verifies that every input can be served: cached inputs must resolve
// in the catalog and the only derived input is distance.
func (h *ModelHolder) check(a *registry.Artifact) error {
	for _, in := range a.Inputs {
		if in.Ref == "" {
			if in.Name != DistanceInput {
				return fmt.Errorf("model %s input %s has no feature reference", a.VersionID, in.Name)
			}
			continue
		}
		if _, _, err := h.catalog.Resolve(in.Ref); err != nil {
			return fmt.Errorf("model %s input %s: %w", a.VersionID, in.Name, err)
		}
	}
	return nil
}
