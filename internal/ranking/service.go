// Package ranking scores candidate drivers for a ride request against the
// active model version, using features served by the retrieval layer.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/tracing"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a step of the request lifecycle.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateFeaturesFetched State = "FEATURES_FETCHED"
	StateScored          State = "SCORED"
	StateDegraded        State = "DEGRADED"
	StateResponded       State = "RESPONDED"
)

// reasonInvalidType marks a cached value that is not numeric.
const reasonInvalidType = "invalid_type"

// Request asks for the best drivers for one ride request. RiderLat and
// RiderLon override the origin cached for the ride request.
type Request struct {
	RideRequestID string   `json:"ride_request_id"`
	RiderLat      *float64 `json:"rider_lat,omitempty"`
	RiderLon      *float64 `json:"rider_lon,omitempty"`
	CandidateIDs  []string `json:"candidate_ids"`
	MaxResults    int      `json:"max_results"`
}

type Candidate struct {
	DriverID   string   `json:"driver_id"`
	Score      float64  `json:"score"`
	DistanceKM *float64 `json:"distance_km,omitempty"`
	Imputed    []string `json:"imputed,omitempty"`
}

// Exclusion is a candidate dropped before scoring.
type Exclusion struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason"`
}

type Response struct {
	DecisionID    string      `json:"decision_id"`
	RideRequestID string      `json:"ride_request_id,omitempty"`
	ModelVersion  string      `json:"model_version"`
	Ranked        []Candidate `json:"ranked"`
	Excluded      []Exclusion `json:"excluded"`
	Degraded      bool        `json:"degraded"`
	ImputedRatio  float64     `json:"imputed_ratio"`
	States        []State     `json:"states"`
	LatencyMs     float64     `json:"latency_ms"`
}

// FeatureFetcher is the retrieval surface ranking depends on.
type FeatureFetcher interface {
	Fetch(ctx context.Context, entityIDs []string, refs []string) (retrieval.Result, error)
}

type Service struct {
	models        *ModelHolder
	features      FeatureFetcher
	catalog       *featuregroup.Catalog
	cfg           config.RankingConfig
	requestEntity string
	sampler       tracing.Sampler
	drift         *DriftMonitor
	decisions     *DecisionLog
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewService checks that the configured location references resolve and
// that both origin references belong to the ride request entity.
func NewService(models *ModelHolder, features FeatureFetcher, catalog *featuregroup.Catalog, cfg config.RankingConfig, sampler tracing.Sampler, m *metrics.Metrics) (*Service, error) {
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = 5
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 500
	}
	for _, ref := range []string{cfg.DriverLatRef, cfg.DriverLonRef} {
		if _, _, err := catalog.Resolve(ref); err != nil {
			return nil, fmt.Errorf("ranking driver location: %w", err)
		}
	}
	_, latGroup, err := catalog.Resolve(cfg.RequestLatRef)
	if err != nil {
		return nil, fmt.Errorf("ranking request origin: %w", err)
	}
	_, lonGroup, err := catalog.Resolve(cfg.RequestLonRef)
	if err != nil {
		return nil, fmt.Errorf("ranking request origin: %w", err)
	}
	if latGroup.EntityType != lonGroup.EntityType {
		return nil, fmt.Errorf("%w: request origin refs span entity types %s and %s",
			apperrors.ErrInvalidInput, latGroup.EntityType, lonGroup.EntityType)
	}
	return &Service{
		models:        models,
		features:      features,
		catalog:       catalog,
		cfg:           cfg,
		requestEntity: latGroup.EntityType,
		sampler:       sampler,
		metrics:       m,
		logger:        slog.Default().With("component", "ranking"),
	}, nil
}

// WithDriftMonitor feeds served input values to d and resets it on every
// model swap.
func (s *Service) WithDriftMonitor(d *DriftMonitor) *Service {
	s.drift = d
	s.models.OnSwap(d.SetBaseline)
	if a := s.models.Current(); a != nil {
		d.SetBaseline(a)
	}
	return s
}

// WithDecisionLog publishes every served decision to l.
func (s *Service) WithDecisionLog(l *DecisionLog) *Service {
	s.decisions = l
	return s
}

// Models returns the holder serving the active artifact.
func (s *Service) Models() *ModelHolder { return s.models }

// Rank scores the candidates with a single model version and returns the
// best MaxResults of them. Candidates whose mandatory inputs are all
// missing are excluded, not failed. Missing optional inputs are imputed
// with the artifact defaults; when the imputed share exceeds the configured
// threshold the response is marked degraded.
func (s *Service) Rank(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	decisionID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, "rank", decisionID, s.sampler)
	defer func() {
		span.End()
		span.Log()
	}()
	span.SetAttr("ride_request_id", req.RideRequestID)

	resp := &Response{
		DecisionID:    decisionID,
		RideRequestID: req.RideRequestID,
		States:        []State{StateReceived},
	}

	candidates, k, err := s.validate(req)
	if err != nil {
		s.fail("invalid_request")
		return nil, err
	}

	if s.cfg.LatencyBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LatencyBudget)
		defer cancel()
	}

	model, err := s.models.Get(ctx)
	if err != nil {
		s.fail("model_unavailable")
		return nil, err
	}
	resp.ModelVersion = model.VersionID
	span.SetAttr("model_version", model.VersionID)

	fctx, fspan := tracing.StartChildSpan(ctx, "fetch_features")
	fv, err := s.fetch(fctx, model, req, candidates)
	fspan.End()
	if err != nil {
		if ctx.Err() != nil {
			s.fail("budget_exceeded")
			return nil, fmt.Errorf("%w: ranking budget of %v exceeded while fetching features", apperrors.ErrTimeout, s.cfg.LatencyBudget)
		}
		s.fail("feature_fetch")
		return nil, err
	}
	resp.States = append(resp.States, StateFeaturesFetched)

	_, sspan := tracing.StartChildSpan(ctx, "score")
	scored, excluded, imputed, total := s.score(model, req, candidates, fv)
	sspan.SetAttr("scored", len(scored))
	sspan.SetAttr("excluded", len(excluded))
	sspan.End()
	if ctx.Err() != nil {
		s.fail("budget_exceeded")
		return nil, fmt.Errorf("%w: ranking budget of %v exceeded", apperrors.ErrTimeout, s.cfg.LatencyBudget)
	}

	if total > 0 {
		resp.ImputedRatio = float64(imputed) / float64(total)
	}
	resp.Degraded = resp.ImputedRatio > s.cfg.DegradedThreshold
	terminal := StateScored
	if resp.Degraded {
		terminal = StateDegraded
	}
	resp.States = append(resp.States, terminal, StateResponded)
	resp.Ranked = topK(scored, k)
	resp.Excluded = excluded

	elapsed := time.Since(start)
	resp.LatencyMs = float64(elapsed.Microseconds()) / 1000
	s.metrics.MatchRequestLatency.Observe(elapsed.Seconds())
	s.metrics.MatchRequestsTotal.WithLabelValues(string(terminal)).Inc()
	span.SetAttr("state", string(terminal))

	logger.FromContext(ctx).Info("ranking served",
		"decision_id", decisionID,
		"ride_request_id", req.RideRequestID,
		"model_version", model.VersionID,
		"candidates", len(candidates),
		"returned", len(resp.Ranked),
		"excluded", len(excluded),
		"imputed_ratio", resp.ImputedRatio,
		"degraded", resp.Degraded,
		"latency_ms", resp.LatencyMs,
	)
	if s.decisions != nil {
		s.decisions.Track(Decision{
			DecisionID:    decisionID,
			RideRequestID: req.RideRequestID,
			ModelVersion:  model.VersionID,
			Ranked:        resp.Ranked,
			Excluded:      excluded,
			Degraded:      resp.Degraded,
			ImputedRatio:  resp.ImputedRatio,
			Timestamp:     time.Now().UTC(),
		})
	}
	return resp, nil
}

func (s *Service) fail(kind string) {
	s.metrics.MatchErrorsTotal.WithLabelValues(kind).Inc()
	s.metrics.MatchRequestsTotal.WithLabelValues("FAILED").Inc()
}

func (s *Service) validate(req Request) ([]string, int, error) {
	if (req.RiderLat == nil) != (req.RiderLon == nil) {
		return nil, 0, fmt.Errorf("%w: rider_lat and rider_lon must be given together", apperrors.ErrInvalidInput)
	}
	if req.RiderLat != nil {
		if *req.RiderLat < -90 || *req.RiderLat > 90 || *req.RiderLon < -180 || *req.RiderLon > 180 {
			return nil, 0, fmt.Errorf("%w: rider location out of range", apperrors.ErrInvalidInput)
		}
	} else if req.RideRequestID == "" {
		return nil, 0, fmt.Errorf("%w: ride_request_id or rider location is required", apperrors.ErrInvalidInput)
	}
	if len(req.CandidateIDs) > s.cfg.MaxCandidates {
		return nil, 0, fmt.Errorf("%w: %d candidates exceeds the limit of %d", apperrors.ErrInvalidInput, len(req.CandidateIDs), s.cfg.MaxCandidates)
	}
	if req.MaxResults < 0 {
		return nil, 0, fmt.Errorf("%w: max_results must not be negative", apperrors.ErrInvalidInput)
	}
	k := req.MaxResults
	if k == 0 {
		k = s.cfg.DefaultResults
	}
	k = min(k, s.cfg.MaxResults)

	out := make([]string, 0, len(req.CandidateIDs))
	seen := make(map[string]bool, len(req.CandidateIDs))
	for _, id := range req.CandidateIDs {
		if id == "" {
			return nil, 0, fmt.Errorf("%w: empty candidate id", apperrors.ErrInvalidInput)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, k, nil
}

type features struct {
	drivers retrieval.Result
	request retrieval.Vector
}

// isRequestRef reports whether ref is read from the ride request entity
// rather than from each driver.
func (s *Service) isRequestRef(ref string) bool {
	_, g, err := s.catalog.Resolve(ref)
	return err == nil && g.EntityType == s.requestEntity
}

func (s *Service) fetch(ctx context.Context, model *registry.Artifact, req Request, candidates []string) (features, error) {
	var driverRefs, requestRefs []string
	add := func(ref string) {
		if s.isRequestRef(ref) {
			requestRefs = appendUnique(requestRefs, ref)
		} else {
			driverRefs = appendUnique(driverRefs, ref)
		}
	}
	for _, in := range model.Inputs {
		switch {
		case in.Ref != "":
			add(in.Ref)
		case in.Name == DistanceInput:
			add(s.cfg.DriverLatRef)
			add(s.cfg.DriverLonRef)
			if req.RiderLat == nil {
				add(s.cfg.RequestLatRef)
				add(s.cfg.RequestLonRef)
			}
		}
	}

	var out features
	g, gctx := errgroup.WithContext(ctx)
	if len(driverRefs) > 0 && len(candidates) > 0 {
		g.Go(func() error {
			res, err := s.features.Fetch(gctx, candidates, driverRefs)
			out.drivers = res
			return err
		})
	}
	if len(requestRefs) > 0 && req.RideRequestID != "" {
		g.Go(func() error {
			res, err := s.features.Fetch(gctx, []string{req.RideRequestID}, requestRefs)
			if errors.Is(err, apperrors.ErrCacheUnavailable) {
				// Drivers were still read; the origin is marked missing instead.
				logger.FromContext(ctx).Warn("ride request features unavailable",
					"ride_request_id", req.RideRequestID, "error", err)
				out.request = unavailableVector(requestRefs)
				return nil
			}
			if err == nil {
				out.request = res[req.RideRequestID]
			}
			return err
		})
	}
	return out, g.Wait()
}

// value returns a numeric feature or the reason it is missing.
func (s *Service) value(fv features, driverID, ref string) (float64, string) {
	var vec retrieval.Vector
	if s.isRequestRef(ref) {
		vec = fv.request
	} else {
		vec = fv.drivers[driverID]
	}
	v, ok := vec[ref]
	if !ok {
		return 0, string(retrieval.NotMaterialized)
	}
	if !v.Present() {
		return 0, string(v.Missing)
	}
	f, ok := vec.Float(ref)
	if !ok {
		return 0, reasonInvalidType
	}
	return f, ""
}

func (s *Service) origin(req Request, fv features) (lat, lon float64, missing string) {
	if req.RiderLat != nil {
		return *req.RiderLat, *req.RiderLon, ""
	}
	lat, missing = s.value(fv, req.RideRequestID, s.cfg.RequestLatRef)
	if missing != "" {
		return 0, 0, missing
	}
	lon, missing = s.value(fv, req.RideRequestID, s.cfg.RequestLonRef)
	return lat, lon, missing
}

func (s *Service) distance(req Request, fv features, driverID string) (float64, string) {
	oLat, oLon, missing := s.origin(req, fv)
	if missing != "" {
		return 0, missing
	}
	dLat, missing := s.value(fv, driverID, s.cfg.DriverLatRef)
	if missing != "" {
		return 0, missing
	}
	dLon, missing := s.value(fv, driverID, s.cfg.DriverLonRef)
	if missing != "" {
		return 0, missing
	}
	return HaversineKM(oLat, oLon, dLat, dLon), ""
}

// score builds each candidate's input vector, excludes candidates with no
// mandatory input, imputes the rest and scores them. It also returns how
// many input values were imputed out of how many were needed.
func (s *Service) score(model *registry.Artifact, req Request, candidates []string, fv features) ([]Candidate, []Exclusion, int, int) {
	mandatory := model.Mandatory
	if len(mandatory) == 0 {
		mandatory = make([]string, len(model.Inputs))
		for i, in := range model.Inputs {
			mandatory[i] = in.Name
		}
	}

	scored := make([]Candidate, 0, len(candidates))
	excluded := []Exclusion{}
	imputed, total := 0, 0
	for _, id := range candidates {
		x := make(map[string]float64, len(model.Inputs))
		missing := make(map[string]string)
		var dist *float64
		for _, in := range model.Inputs {
			var (
				v      float64
				reason string
			)
			if in.Ref == "" {
				v, reason = s.distance(req, fv, id)
				if reason == "" {
					d := v
					dist = &d
				}
			} else {
				v, reason = s.value(fv, id, in.Ref)
			}
			if reason != "" {
				missing[in.Name] = reason
				continue
			}
			x[in.Name] = v
		}

		allMissing := true
		for _, name := range mandatory {
			if _, gone := missing[name]; !gone {
				allMissing = false
				break
			}
		}
		if allMissing {
			reason := "missing:" + missing[mandatory[0]]
			excluded = append(excluded, Exclusion{DriverID: id, Reason: reason})
			s.metrics.CandidatesExcludedTotal.WithLabelValues(reason).Inc()
			continue
		}

		c := Candidate{DriverID: id, DistanceKM: dist}
		for _, in := range model.Inputs {
			total++
			if _, gone := missing[in.Name]; gone {
				x[in.Name] = in.Default
				c.Imputed = append(c.Imputed, in.Name)
				imputed++
				continue
			}
			s.metrics.FeatureValues.WithLabelValues(in.Name).Observe(x[in.Name])
			if s.drift != nil {
				s.drift.Observe(in.Name, x[in.Name])
			}
		}
		c.Score = model.Score(x)
		s.metrics.PredictionScores.Observe(c.Score)
		scored = append(scored, c)
	}
	return scored, excluded, imputed, total
}

func unavailableVector(refs []string) retrieval.Vector {
	vec := make(retrieval.Vector, len(refs))
	for _, ref := range refs {
		vec[ref] = retrieval.Value{Missing: retrieval.Unavailable}
	}
	return vec
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrUnknownFeatureGroup)
}
