// Package registry stores immutable, versioned scoring artifacts and tracks
// which version is active.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
)

// Input is one model input. Ref names the cached feature it is read from;
// inputs without a Ref are derived at request time.
type Input struct {
	Name    string  `json:"name"`
	Ref     string  `json:"ref,omitempty"`
	Weight  float64 `json:"weight"`
	Default float64 `json:"default"`
}

// FeatureStats is the training distribution of one input.
type FeatureStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Artifact is a trained logistic scoring function plus the metadata needed
// to serve it. Mandatory lists the inputs a candidate cannot be scored
// without. Artifacts are never modified once registered.
type Artifact struct {
	VersionID     string                  `json:"version_id"`
	TrainedAt     time.Time               `json:"trained_at"`
	FeatureGroups []string                `json:"feature_groups"`
	Inputs        []Input                 `json:"inputs"`
	Bias          float64                 `json:"bias"`
	Mandatory     []string                `json:"mandatory"`
	Stats         map[string]FeatureStats `json:"stats,omitempty"`
	Metrics       map[string]float64      `json:"metrics,omitempty"`
}

// Validate checks that the artifact is complete and self-consistent.
func (a *Artifact) Validate() error {
	if a.VersionID == "" {
		return fmt.Errorf("%w: artifact has no version id", apperrors.ErrInvalidInput)
	}
	if len(a.Inputs) == 0 {
		return fmt.Errorf("%w: artifact %s has no inputs", apperrors.ErrInvalidInput, a.VersionID)
	}
	if !finite(a.Bias) {
		return fmt.Errorf("%w: artifact %s bias is not finite", apperrors.ErrInvalidInput, a.VersionID)
	}
	names := make(map[string]bool, len(a.Inputs))
	for _, in := range a.Inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: artifact %s has an unnamed input", apperrors.ErrInvalidInput, a.VersionID)
		}
		if names[in.Name] {
			return fmt.Errorf("%w: artifact %s declares input %s twice", apperrors.ErrInvalidInput, a.VersionID, in.Name)
		}
		if !finite(in.Weight) || !finite(in.Default) {
			return fmt.Errorf("%w: artifact %s input %s has a non-finite weight or default", apperrors.ErrInvalidInput, a.VersionID, in.Name)
		}
		names[in.Name] = true
	}
	for _, m := range a.Mandatory {
		if !names[m] {
			return fmt.Errorf("%w: artifact %s marks unknown input %s mandatory", apperrors.ErrInvalidInput, a.VersionID, m)
		}
	}
	return nil
}

// Score returns the probability that the candidate is the right match. x must
// hold a value for every input; callers impute before scoring.
func (a *Artifact) Score(x map[string]float64) float64 {
	z := a.Bias
	for _, in := range a.Inputs {
		z += in.Weight * x[in.Name]
	}
	return 1 / (1 + math.Exp(-z))
}

// Input returns the named input.
func (a *Artifact) Input(name string) (Input, bool) {
	for _, in := range a.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// LoadArtifact reads a JSON artifact from path and validates it.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing artifact %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
