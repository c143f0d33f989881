package model

import (
	"fmt"
	"math"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// linearClassifier is a logistic regression: sigmoid(w·x + b) >= threshold.
type linearClassifier struct {
	weights   []float64
	bias      float64
	threshold float64
}

func newLinearClassifier(a *Artifact) (*linearClassifier, error) {
	if len(a.Weights) != len(a.Features) {
		return nil, fmt.Errorf("model %s: %d weights for %d features", a.Domain, len(a.Weights), len(a.Features))
	}
	w := make([]float64, len(a.Weights))
	copy(w, a.Weights)
	return &linearClassifier{weights: w, bias: a.Bias, threshold: a.threshold()}, nil
}

func (l *linearClassifier) Predict(x domain.FeatureVector) (int, error) {
	if err := checkLen(x, len(l.weights)); err != nil {
		return -1, err
	}
	z := l.bias
	for i, w := range l.weights {
		z += w * x[i]
	}
	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return -1, fmt.Errorf("%w: non-finite activation", domain.ErrInference)
	}
	if p >= l.threshold {
		return 1, nil
	}
	return 0, nil
}
