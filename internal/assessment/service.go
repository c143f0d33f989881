// Package assessment is the service object behind the HTTP surface. It
// owns the scoring pipeline, persistence and both chain directions, and
// implements the persist-then-anchor flow.
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opensource-finance/fraudproof/internal/chain"
	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
	"github.com/opensource-finance/fraudproof/internal/retry"
	"github.com/opensource-finance/fraudproof/internal/scoring"
	"github.com/opensource-finance/fraudproof/internal/traces"
)

// ErrChainUnavailable is returned by chain reads when no RPC endpoint is
// configured.
var ErrChainUnavailable = errors.New("chain access not configured")

// Scorer runs the scoring pipeline. *scoring.Pipeline satisfies it.
type Scorer interface {
	Score(ctx context.Context, raw domain.RawTransaction, d domain.TransactionDomain) *scoring.Result
}

// Anchorer writes scores on-chain. *chain.Writer satisfies it.
type Anchorer interface {
	Anchor(ctx context.Context, reference string, score int, modelVersion string) (*chain.AnchorResult, error)
	Await(ctx context.Context, txHash string) (*chain.AnchorResult, error)
	Ready() bool
	Address() common.Address
}

// ChainReader reconstructs anchored scores. *chain.Reader satisfies it.
type ChainReader interface {
	Read(ctx context.Context, txHash string) (*domain.ChainEvent, error)
}

// Deps are the collaborators of a Service. Scorer and Repository are
// required; a nil Writer or Reader disables that chain direction and a nil
// Bus disables events and async anchoring.
type Deps struct {
	Scorer     Scorer
	Repository domain.Repository
	Writer     Anchorer
	Reader     ChainReader
	Bus        domain.EventBus
	Anchoring  domain.AnchoringConfig

	// RetryBaseDelay is the first backoff between anchoring attempts.
	RetryBaseDelay time.Duration
}

// Service is constructed once at startup and shared by every request.
type Service struct {
	scorer Scorer
	repo   domain.Repository
	writer Anchorer
	reader ChainReader
	bus    domain.EventBus
	cfg    domain.AnchoringConfig

	retryBase time.Duration
	now       func() time.Time

	// inFlight holds assessment ids with an anchoring attempt running in
	// this process.
	inFlight sync.Map
}

// NewService validates deps and builds the service.
func NewService(d Deps) (*Service, error) {
	if d.Scorer == nil {
		return nil, errors.New("assessment: scorer is required")
	}
	if d.Repository == nil {
		return nil, errors.New("assessment: repository is required")
	}
	if d.Anchoring.MaxAttempts < 1 {
		d.Anchoring.MaxAttempts = 1
	}
	if d.Anchoring.ReadConcurrency < 1 {
		d.Anchoring.ReadConcurrency = 1
	}
	if d.Anchoring.Mode == "" {
		d.Anchoring.Mode = domain.AnchorModeSync
	}
	if d.Anchoring.Mode == domain.AnchorModeAsync && d.Bus == nil {
		return nil, errors.New("assessment: async anchoring requires an event bus")
	}
	if d.RetryBaseDelay <= 0 {
		d.RetryBaseDelay = time.Second
	}

	return &Service{
		scorer:    d.Scorer,
		repo:      d.Repository,
		writer:    d.Writer,
		reader:    d.Reader,
		bus:       d.Bus,
		cfg:       d.Anchoring,
		retryBase: d.RetryBaseDelay,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Detect scores a transaction, persists the attempt and anchors it when
// the score exceeds the threshold. Only an unknown domain, missing data or
// a persistence failure is returned as an error; scoring failures come
// back as a persisted assessment with Error set, and anchoring failures
// only change its anchor fields.
func (s *Service) Detect(ctx context.Context, req domain.DetectRequest) (*domain.FraudAssessment, error) {
	d, err := domain.ParseDomain(req.TransactionType)
	if err != nil {
		return nil, err
	}
	if req.TransactionData == nil {
		return nil, fmt.Errorf("%w: transaction_data is required", domain.ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "assessment.Detect")
	defer span.End()

	reference := req.TxHash
	if reference == "" {
		reference = "local_" + strconv.FormatInt(s.now().UnixNano(), 10)
	}

	res := s.scorer.Score(ctx, req.TransactionData, d)
	metrics.AssessmentsTotal.WithLabelValues(string(d), string(res.RiskTier)).Inc()
	metrics.ScoringDuration.WithLabelValues(string(d)).Observe(res.Duration.Seconds())

	a := &domain.FraudAssessment{
		Domain:          d,
		RawPrediction:   res.RawPrediction,
		Probability:     res.Probability,
		FraudScore:      res.FraudScore,
		RiskTier:        res.RiskTier,
		ModelVersion:    res.ModelVersion,
		Reference:       reference,
		TransactionData: req.TransactionData,
		AnchorStatus:    domain.AnchorSkipped,
		CreatedAt:       s.now(),
	}
	if !res.OK() {
		a.Error = res.Err.Error()
		slog.Warn("scoring failed",
			"transaction_type", d,
			"tx_hash", reference,
			"error", res.Err,
		)
	}

	anchor := res.OK() && s.cfg.ShouldAnchor(a.FraudScore)
	if anchor && s.cfg.Mode == domain.AnchorModeAsync {
		a.AnchorStatus = domain.AnchorQueued
	}

	if _, err := s.repo.SaveAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("save assessment: %w", err)
	}
	span.SetAttributes(traces.AssessmentID(a.ID), traces.FraudScore(a.FraudScore))

	s.publish(ctx, domain.TopicAssessmentScored, domain.AssessmentEvent{
		AssessmentID: a.ID,
		Domain:       a.Domain,
		FraudScore:   a.FraudScore,
		RiskTier:     a.RiskTier,
		Error:        a.Error,
	})

	if !anchor {
		return a, nil
	}

	if s.cfg.Mode == domain.AnchorModeAsync {
		s.enqueue(ctx, a)
		return a, nil
	}

	if err := s.anchor(ctx, a); err != nil {
		slog.Warn("anchoring failed; assessment kept",
			"assessment_id", a.ID,
			"error", err,
		)
	}
	return a, nil
}

// Anchor retries anchoring of a stored assessment. It is used by the
// async worker and by manual re-anchoring. A chain failure is returned
// together with the updated assessment.
func (s *Service) Anchor(ctx context.Context, id string) (*domain.FraudAssessment, error) {
	a, err := s.repo.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Anchored() {
		return a, fmt.Errorf("%w: %s", domain.ErrAlreadyAnchored, a.AnchorTxHash)
	}
	if !a.Succeeded() || !s.cfg.ShouldAnchor(a.FraudScore) {
		return a, fmt.Errorf("%w: score %d, threshold %d", domain.ErrBelowThreshold, a.FraudScore, s.cfg.Threshold)
	}

	if err := s.anchor(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// anchor runs the chain write for a within the confirm timeout and
// records the outcome on both a and the repository. An assessment whose
// transaction was already sent is only reconciled against that
// transaction.
func (s *Service) anchor(ctx context.Context, a *domain.FraudAssessment) error {
	if _, busy := s.inFlight.LoadOrStore(a.ID, struct{}{}); busy {
		return fmt.Errorf("%w: anchoring already in progress", domain.ErrAlreadyAnchored)
	}
	defer s.inFlight.Delete(a.ID)

	ctx, span := traces.StartSpan(ctx, "assessment.anchor", traces.AssessmentID(a.ID))
	defer span.End()

	// Outcomes must land even when the anchoring budget is spent.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()

	if s.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
		defer cancel()
	}

	var res *chain.AnchorResult
	err := s.anchorable()
	switch {
	case err != nil:
	case a.AwaitingReceipt():
		res, err = s.writer.Await(ctx, a.AnchorTxHash)
	default:
		err = retry.Do(ctx, s.cfg.MaxAttempts, s.retryBase, func(attempt int) error {
			r, err := s.writer.Anchor(ctx, a.Reference, a.FraudScore, a.ModelVersion)
			if err != nil {
				slog.Debug("anchoring attempt failed",
					"assessment_id", a.ID,
					"attempt", attempt,
					"error", err,
				)
				return retryable(err)
			}
			res = r
			return nil
		})
	}

	switch {
	case err == nil:
		return s.recordSuccess(recordCtx, a, res)
	case unconfirmed(err) != nil:
		s.recordSubmitted(recordCtx, a, unconfirmed(err))
	default:
		s.recordFailure(recordCtx, a, err)
	}
	return err
}

const recordTimeout = 5 * time.Second

// retryable marks errors that must not be retried. Once a transaction is
// submitted a retry would put a second one on chain.
func retryable(err error) error {
	var ae *chain.AnchorError
	if errors.As(err, &ae) && ae.Stage == chain.StateSubmitted {
		return retry.Permanent(err)
	}
	return retry.PermanentIf(err, domain.ErrSigning, domain.ErrRevert, domain.ErrInvalidInput)
}

// unconfirmed returns the AnchorError of a transaction that was sent but
// whose receipt was not observed, or nil.
func unconfirmed(err error) *chain.AnchorError {
	var ae *chain.AnchorError
	if errors.As(err, &ae) && ae.Stage == chain.StateSubmitted && ae.TxHash != "" &&
		errors.Is(ae.Err, domain.ErrNetwork) {
		return ae
	}
	return nil
}

func (s *Service) anchorable() error {
	if s.writer == nil {
		return &chain.AnchorError{Stage: chain.StatePending, Err: fmt.Errorf("%w: chain writer not configured", domain.ErrSigning)}
	}
	return nil
}

// recordSubmitted keeps the hash of a transaction that may still be
// mined, so a later re-anchor reconciles it instead of sending again.
func (s *Service) recordSubmitted(ctx context.Context, a *domain.FraudAssessment, ae *chain.AnchorError) {
	at := s.now()
	err := s.repo.UpdateAnchor(ctx, a.ID, domain.AnchorUpdate{
		Status: domain.AnchorSubmitted,
		TxHash: ae.TxHash,
		Error:  ae.Error(),
		At:     at,
	})
	if err != nil {
		slog.Error("failed to record submitted anchor",
			"assessment_id", a.ID,
			"tx_hash", ae.TxHash,
			"error", err,
		)
		return
	}

	a.AnchorTxHash = ae.TxHash
	a.AnchorStatus = domain.AnchorSubmitted
	a.AnchorError = ae.Error()
	a.AnchoredAt = &at

	slog.Warn("anchor submitted but not confirmed",
		"assessment_id", a.ID,
		"tx_hash", ae.TxHash,
		"error", ae.Err,
	)
	s.publish(ctx, domain.TopicAnchorFailed, domain.AnchorOutcome{
		AssessmentID: a.ID,
		TxHash:       ae.TxHash,
		Stage:        string(ae.Stage),
		Error:        ae.Error(),
	})
}

func (s *Service) recordSuccess(ctx context.Context, a *domain.FraudAssessment, res *chain.AnchorResult) error {
	at := s.now()
	err := s.repo.UpdateAnchor(ctx, a.ID, domain.AnchorUpdate{
		Status: domain.AnchorConfirmed,
		TxHash: res.TxHash,
		At:     at,
	})
	if err != nil {
		// The transaction is mined either way; keep the reference in logs
		// so it can be reconciled.
		slog.Error("anchored but failed to record",
			"assessment_id", a.ID,
			"tx_hash", res.TxHash,
			"error", err,
		)
		return fmt.Errorf("record anchor %s: %w", res.TxHash, err)
	}

	a.AnchorTxHash = res.TxHash
	a.AnchorStatus = domain.AnchorConfirmed
	a.AnchorError = ""
	a.AnchoredAt = &at

	slog.Info("assessment anchored",
		"assessment_id", a.ID,
		"tx_hash", res.TxHash,
		"nonce", res.Nonce,
		"block_number", res.BlockNumber,
		"fraud_score", a.FraudScore,
	)
	s.publish(ctx, domain.TopicAnchorConfirmed, domain.AnchorOutcome{
		AssessmentID: a.ID,
		TxHash:       res.TxHash,
	})
	return nil
}

func (s *Service) recordFailure(ctx context.Context, a *domain.FraudAssessment, cause error) {
	outcome := domain.AnchorOutcome{AssessmentID: a.ID, Error: cause.Error()}
	var ae *chain.AnchorError
	if errors.As(cause, &ae) {
		outcome.Stage = string(ae.Stage)
		outcome.TxHash = ae.TxHash
	}

	a.AnchorStatus = domain.AnchorFailed
	a.AnchorError = cause.Error()
	a.AnchorTxHash = ""
	a.AnchoredAt = nil

	// The request context may be what failed; the outcome must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	err := s.repo.UpdateAnchor(writeCtx, a.ID, domain.AnchorUpdate{
		Status: domain.AnchorFailed,
		Error:  a.AnchorError,
	})
	if err != nil {
		slog.Error("failed to record anchor failure",
			"assessment_id", a.ID,
			"error", err,
		)
	}

	slog.Warn("anchoring failed",
		"assessment_id", a.ID,
		"stage", outcome.Stage,
		"tx_hash", outcome.TxHash,
		"error", cause,
	)
	s.publish(writeCtx, domain.TopicAnchorFailed, outcome)
}

// enqueue hands a to the async worker. If the request cannot be published
// the assessment is marked failed so it can be re-anchored manually.
func (s *Service) enqueue(ctx context.Context, a *domain.FraudAssessment) {
	payload, _ := json.Marshal(domain.AnchorRequest{AssessmentID: a.ID})
	err := s.bus.Publish(ctx, domain.TopicAnchorRequested, payload)
	if err == nil {
		return
	}
	s.recordFailure(ctx, a, fmt.Errorf("enqueue anchor request: %w", err))
}

func (s *Service) publish(ctx context.Context, topic string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
