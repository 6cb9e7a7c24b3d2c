// Package proto defines the message types exchanged over the internal RPC
// layer (see pkg/rpc). They are plain structs with JSON tags so that both
// ends can be written without generated code.
package proto

// Method names served by the ranking binary.
const (
	MethodRank        = "RankingService.Rank"
	MethodActiveModel = "RankingService.ActiveModel"
	MethodHealth      = "RankingService.Health"
)

// RankRequest is the input to RankingService.Rank.
type RankRequest struct {
	RideRequestID string   `json:"ride_request_id"`
	RiderLat      *float64 `json:"rider_lat,omitempty"`
	RiderLon      *float64 `json:"rider_lon,omitempty"`
	CandidateIDs  []string `json:"candidate_ids"`
	MaxResults    int32    `json:"max_results"`
}

// RankedDriver is one entry of the ranked list.
type RankedDriver struct {
	DriverID   string   `json:"driver_id"`
	Score      float64  `json:"score"`
	DistanceKM *float64 `json:"distance_km,omitempty"`
}

// ExcludedDriver is a candidate that could not be scored.
type ExcludedDriver struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason"`
}

// RankResponse is the output of RankingService.Rank.
type RankResponse struct {
	DecisionID   string           `json:"decision_id"`
	ModelVersion string           `json:"model_version"`
	Ranked       []RankedDriver   `json:"ranked"`
	Excluded     []ExcludedDriver `json:"excluded,omitempty"`
	Degraded     bool             `json:"degraded"`
	LatencyMs    float64          `json:"latency_ms"`
}

// ActiveModelResponse describes the version currently serving.
type ActiveModelResponse struct {
	VersionID     string   `json:"version_id"`
	TrainedAt     int64    `json:"trained_at"`
	FeatureGroups []string `json:"feature_groups"`
}

// HealthCheckResponse mirrors the gRPC health check states.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING, UNKNOWN
}
