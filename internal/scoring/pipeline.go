package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/model"
)

// Resolver looks up the bundle for a domain. *model.Registry satisfies it.
type Resolver interface {
	Resolve(d domain.TransactionDomain) (*model.Bundle, error)
}

// Result is the tagged outcome of one scoring call. Exactly one of the
// success fields or Err is meaningful; check OK before reading scores.
type Result struct {
	Domain        domain.TransactionDomain
	ModelVersion  string
	Features      domain.FeatureVector
	RawPrediction int
	Probability   float64
	FraudScore    int
	RiskTier      domain.RiskTier
	Duration      time.Duration
	Err           error
}

// OK reports whether the pipeline produced a verdict.
func (r *Result) OK() bool {
	return r.Err == nil
}

// Failure is the "could not be determined" result.
func Failure(d domain.TransactionDomain, err error) *Result {
	return &Result{
		Domain:        d,
		RawPrediction: -1,
		Probability:   0,
		FraudScore:    0,
		RiskTier:      domain.RiskUnknown,
		Err:           err,
	}
}

// Pipeline runs resolve → transform → predict → calculate. It holds no
// mutable state and is safe for concurrent use.
type Pipeline struct {
	registry Resolver
	tracer   trace.Tracer
}

// NewPipeline creates a scoring pipeline over a registry.
func NewPipeline(registry Resolver) *Pipeline {
	return &Pipeline{
		registry: registry,
		tracer:   otel.Tracer("fraudproof/scoring"),
	}
}

// Score never returns an error or panics; failures come back as a Result
// with Err set so callers can persist the attempt.
func (p *Pipeline) Score(ctx context.Context, raw domain.RawTransaction, d domain.TransactionDomain) (res *Result) {
	start := time.Now()
	_, span := p.tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(attribute.String("fraud.domain", string(d))),
	)
	defer func() {
		if r := recover(); r != nil {
			res = Failure(d, fmt.Errorf("%w: panic: %v", domain.ErrInference, r))
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("fraud.score", res.FraudScore),
				attribute.String("fraud.risk_tier", string(res.RiskTier)),
			)
		}
		span.End()
	}()

	bundle, err := p.registry.Resolve(d)
	if err != nil {
		return Failure(d, err)
	}

	vec, err := bundle.Transform(raw)
	if err != nil {
		return p.fail(bundle, wrap(domain.ErrTransform, err))
	}

	pred, err := bundle.Classifier.Predict(vec)
	if err != nil {
		return p.fail(bundle, wrap(domain.ErrInference, err))
	}
	if pred != 0 && pred != 1 {
		return p.fail(bundle, fmt.Errorf("%w: classifier returned %d", domain.ErrInference, pred))
	}

	prob := ToProbability(pred)
	score := ToScore(prob)
	return &Result{
		Domain:        d,
		ModelVersion:  bundle.Version,
		Features:      vec,
		RawPrediction: pred,
		Probability:   prob,
		FraudScore:    score,
		RiskTier:      ToRiskTier(score),
	}
}

func (p *Pipeline) fail(b *model.Bundle, err error) *Result {
	res := Failure(b.Domain, err)
	res.ModelVersion = b.Version
	return res
}

// wrap tags err with kind unless it already carries it.
func wrap(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
