// Package model loads per-domain classifier artifacts and serves inference.
package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// Classifier is a binary fraud classifier. Implementations are immutable
// after construction and safe for concurrent Predict calls.
type Classifier interface {
	// Predict returns 0 (legitimate) or 1 (fraud).
	Predict(x domain.FeatureVector) (int, error)
}

// Artifact kinds.
const (
	KindCEL    = "cel"
	KindLinear = "linear"
)

// DefaultThreshold is the decision boundary when an artifact names none.
const DefaultThreshold = 0.5

// Artifact is the on-disk classifier definition.
type Artifact struct {
	Domain   string   `json:"domain"`
	Version  string   `json:"version,omitempty"`
	Kind     string   `json:"kind"`
	Features []string `json:"features"`

	// CEL classifiers
	Expression string `json:"expression,omitempty"`

	// Logistic-linear classifiers
	Weights []float64 `json:"weights,omitempty"`
	Bias    float64   `json:"bias,omitempty"`

	// Threshold turns the expression or sigmoid output into a verdict.
	Threshold *float64 `json:"threshold,omitempty"`
}

func (a *Artifact) threshold() float64 {
	if a.Threshold == nil {
		return DefaultThreshold
	}
	return *a.Threshold
}

// ReadArtifact decodes an artifact file.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact %s: %w", path, err)
	}
	return &a, nil
}

// Compile builds the classifier an artifact describes.
func Compile(a *Artifact) (Classifier, error) {
	if len(a.Features) == 0 {
		return nil, fmt.Errorf("model %s: no features declared", a.Domain)
	}
	seen := make(map[string]struct{}, len(a.Features))
	for _, f := range a.Features {
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("model %s: duplicate feature %q", a.Domain, f)
		}
		seen[f] = struct{}{}
	}

	switch a.Kind {
	case KindCEL:
		return newCELClassifier(a)
	case KindLinear:
		return newLinearClassifier(a)
	default:
		return nil, fmt.Errorf("model %s: unsupported kind %q", a.Domain, a.Kind)
	}
}

func checkLen(x domain.FeatureVector, want int) error {
	if len(x) != want {
		return fmt.Errorf("%w: expected %d features, got %d", domain.ErrInference, want, len(x))
	}
	return nil
}
