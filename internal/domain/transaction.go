package domain

import (
	"fmt"
	"strings"
)

// TransactionDomain tags the category a transaction belongs to.
// The set is closed: each value needs its own model bundle and transformer.
type TransactionDomain string

const (
	DomainVehicle   TransactionDomain = "vehicle"
	DomainBank      TransactionDomain = "bank"
	DomainEcommerce TransactionDomain = "ecommerce"
	DomainEthereum  TransactionDomain = "ethereum"
)

// Domains returns every supported domain in a stable order.
func Domains() []TransactionDomain {
	return []TransactionDomain{DomainVehicle, DomainBank, DomainEcommerce, DomainEthereum}
}

// Valid reports whether d is one of the recognised domains.
func (d TransactionDomain) Valid() bool {
	switch d {
	case DomainVehicle, DomainBank, DomainEcommerce, DomainEthereum:
		return true
	}
	return false
}

func (d TransactionDomain) String() string {
	return string(d)
}

// ParseDomain converts user input into a TransactionDomain.
func ParseDomain(s string) (TransactionDomain, error) {
	d := TransactionDomain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
	return d, nil
}

// RawTransaction is an unvalidated field-name to scalar mapping.
// Values are strings, numbers (float64 after JSON decoding) or booleans.
type RawTransaction map[string]any

// FeatureVector is the ordered numeric input a classifier expects.
type FeatureVector []float64

// DetectRequest is the API request payload for fraud detection.
type DetectRequest struct {
	TransactionType string         `json:"transaction_type"`
	TransactionData RawTransaction `json:"transaction_data"`
	TxHash          string         `json:"tx_hash,omitempty"`
}
