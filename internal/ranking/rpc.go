package ranking

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/rpc"
)

// RegisterRPC exposes the service on an RPC server.
func RegisterRPC(s *rpc.Server, svc *Service) {
	s.Register(proto.MethodRank, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req proto.RankRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
		}
		resp, err := svc.Rank(ctx, Request{
			RideRequestID: req.RideRequestID,
			RiderLat:      req.RiderLat,
			RiderLon:      req.RiderLon,
			CandidateIDs:  req.CandidateIDs,
			MaxResults:    int(req.MaxResults),
		})
		if err != nil {
			return nil, err
		}
		return toProto(resp), nil
	})

	s.Register(proto.MethodActiveModel, func(ctx context.Context, _ json.RawMessage) (any, error) {
		a, err := svc.Models().Get(ctx)
		if err != nil {
			return nil, err
		}
		return &proto.ActiveModelResponse{
			VersionID:     a.VersionID,
			TrainedAt:     a.TrainedAt.Unix(),
			FeatureGroups: a.FeatureGroups,
		}, nil
	})

	s.Register(proto.MethodHealth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if svc.Models().Current() == nil {
			return &proto.HealthCheckResponse{Status: "NOT_SERVING"}, nil
		}
		return &proto.HealthCheckResponse{Status: "SERVING"}, nil
	})
}

func toProto(r *Response) *proto.RankResponse {
	out := &proto.RankResponse{
		DecisionID:   r.DecisionID,
		ModelVersion: r.ModelVersion,
		Ranked:       make([]proto.RankedDriver, len(r.Ranked)),
		Degraded:     r.Degraded,
		LatencyMs:    r.LatencyMs,
	}
	for i, c := range r.Ranked {
		out.Ranked[i] = proto.RankedDriver{DriverID: c.DriverID, Score: c.Score, DistanceKM: c.DistanceKM}
	}
	for _, e := range r.Excluded {
		out.Excluded = append(out.Excluded, proto.ExcludedDriver{DriverID: e.DriverID, Reason: e.Reason})
	}
	return out
}
