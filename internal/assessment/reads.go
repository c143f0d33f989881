package assessment

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// Record is a stored assessment enriched with its on-chain event. At most
// one of BlockchainData and BlockchainError is set, and only for anchored
// assessments.
type Record struct {
	*domain.FraudAssessment
	BlockchainData  *domain.ChainEvent `json:"blockchain_data,omitempty"`
	BlockchainError string             `json:"blockchain_error,omitempty"`
}

// Get returns one assessment, reading its anchor from the chain.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	a, err := s.repo.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := &Record{FraudAssessment: a}
	s.enrich(ctx, rec)
	return rec, nil
}

// List returns assessments newest first. Chain reads run concurrently up
// to the configured limit; a failed read is reported on its record and
// never fails the listing.
func (s *Service) List(ctx context.Context, d domain.TransactionDomain, limit int) ([]*Record, error) {
	if d != "" && !d.Valid() {
		return nil, domain.ErrUnknownDomain
	}

	items, err := s.repo.ListByDomain(ctx, d, limit)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, len(items))
	var g errgroup.Group
	g.SetLimit(s.cfg.ReadConcurrency)
	for i, a := range items {
		rec := &Record{FraudAssessment: a}
		records[i] = rec
		if !a.Anchored() || s.reader == nil {
			continue
		}
		g.Go(func() error {
			s.enrich(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	return records, nil
}

func (s *Service) enrich(ctx context.Context, rec *Record) {
	if !rec.Anchored() || s.reader == nil {
		return
	}
	ev, err := s.reader.Read(ctx, rec.AnchorTxHash)
	if err != nil {
		rec.BlockchainError = err.Error()
		return
	}
	rec.BlockchainData = ev
}

// ReadChain reads one FraudLogged event by transaction hash.
func (s *Service) ReadChain(ctx context.Context, txHash string) (*domain.ChainEvent, error) {
	if s.reader == nil {
		return nil, ErrChainUnavailable
	}
	return s.reader.Read(ctx, txHash)
}

// Info describes the running service.
type Info struct {
	Status           string                     `json:"status"`
	Service          string                     `json:"service"`
	Timestamp        time.Time                  `json:"timestamp"`
	SupportedTypes   []domain.TransactionDomain `json:"supported_types"`
	FraudThreshold   int                        `json:"fraud_threshold"`
	AnchorMode       domain.AnchorMode          `json:"anchor_mode"`
	AnchoringEnabled bool                       `json:"anchoring_enabled"`
	SignerAddress    string                     `json:"signer_address,omitempty"`
	ChainReads       bool                       `json:"chain_reads_enabled"`
}

// Info reports configuration that clients may rely on.
func (s *Service) Info() Info {
	info := Info{
		Status:         "ok",
		Service:        "fraudproof",
		Timestamp:      s.now(),
		SupportedTypes: domain.Domains(),
		FraudThreshold: s.cfg.Threshold,
		AnchorMode:     s.cfg.Mode,
		ChainReads:     s.reader != nil,
	}
	if s.writer != nil && s.writer.Ready() {
		info.AnchoringEnabled = true
		info.SignerAddress = s.writer.Address().Hex()
	}
	return info
}
