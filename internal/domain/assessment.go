package domain

import (
	"time"
)

// RiskTier is the human-facing classification derived from a fraud score.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
	RiskUnknown  RiskTier = "UNKNOWN"
)

// AnchorStatus tracks the on-chain side of an assessment.
type AnchorStatus string

const (
	AnchorSkipped   AnchorStatus = "skipped"   // score at or below threshold, or scoring failed
	AnchorQueued    AnchorStatus = "queued"    // handed to the async anchor worker
	AnchorSubmitted AnchorStatus = "submitted" // sent, receipt not seen yet; AnchorTxHash holds the pending tx
	AnchorConfirmed AnchorStatus = "confirmed" // receipt observed, AnchorTxHash set
	AnchorFailed    AnchorStatus = "failed"    // attempt failed; assessment stays valid
)

// FraudAssessment is the persisted outcome of one scoring attempt.
// AnchorTxHash is set when a transaction is sent and never replaced by a
// different hash once the anchor is confirmed.
type FraudAssessment struct {
	ID              string            `json:"id"`
	Domain          TransactionDomain `json:"transaction_type"`
	RawPrediction   int               `json:"raw_prediction"`
	Probability     float64           `json:"probability"`
	FraudScore      int               `json:"fraud_score"`
	RiskTier        RiskTier          `json:"risk_level"`
	ModelVersion    string            `json:"model_version"`
	Reference       string            `json:"tx_hash"`
	TransactionData RawTransaction    `json:"transaction_data,omitempty"`
	Error           string            `json:"error,omitempty"`

	AnchorTxHash string       `json:"blockchain_tx,omitempty"`
	AnchorStatus AnchorStatus `json:"anchor_status"`
	AnchorError  string       `json:"anchor_error,omitempty"`
	AnchoredAt   *time.Time   `json:"anchored_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Succeeded reports whether the scoring pipeline produced a verdict.
func (a *FraudAssessment) Succeeded() bool {
	return a.Error == "" && a.RawPrediction >= 0
}

// Anchored reports whether a confirmed chain anchor is attached.
func (a *FraudAssessment) Anchored() bool {
	return a.AnchorTxHash != "" && a.AnchorStatus == AnchorConfirmed
}

// AwaitingReceipt reports whether a transaction was sent for this
// assessment but its receipt has not been observed. Such an assessment is
// reconciled against that transaction, never anchored again.
func (a *FraudAssessment) AwaitingReceipt() bool {
	return a.AnchorTxHash != "" && a.AnchorStatus == AnchorSubmitted
}

// ChainEvent is reconstructed from a FraudLogged receipt log. Never persisted.
type ChainEvent struct {
	FraudScore      int       `json:"fraud_score"`
	ModelVersion    string    `json:"model_version"`
	BlockTimestamp  time.Time `json:"timestamp"`
	BlockNumber     uint64    `json:"block_number"`
	GasUsed         uint64    `json:"gas_used"`
	Digest          string    `json:"digest"`
	SourceReference string    `json:"tx_hash"`
}

// AnchorUpdate is the mutation applied to a stored assessment after an
// anchoring attempt. TxHash is set for submitted and confirmed outcomes
// and empty for failures.
type AnchorUpdate struct {
	Status AnchorStatus
	TxHash string
	Error  string
	At     time.Time
}
