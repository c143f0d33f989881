// Package features maps raw transaction records onto classifier feature vectors.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// Transformer turns a raw record into the ordered vector a model expects.
// Missing or non-numeric fields never fail; they take the domain default.
type Transformer interface {
	Domain() domain.TransactionDomain
	Transform(raw domain.RawTransaction, order []string) (domain.FeatureVector, error)
}

// transformer is the table-driven Transformer shared by every domain.
// Domains differ only in their default and categorical encodings.
type transformer struct {
	domain     domain.TransactionDomain
	missing    float64
	categories map[string]map[string]float64
}

// For returns the transformer registered for a domain.
func For(d domain.TransactionDomain) (Transformer, error) {
	switch d {
	case domain.DomainVehicle:
		return Vehicle(), nil
	case domain.DomainBank:
		return Bank(), nil
	case domain.DomainEcommerce:
		return Ecommerce(), nil
	case domain.DomainEthereum:
		return Ethereum(), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
}

func (t *transformer) Domain() domain.TransactionDomain {
	return t.domain
}

// Transform produces exactly len(order) values in order.
func (t *transformer) Transform(raw domain.RawTransaction, order []string) (domain.FeatureVector, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: %s model declares no features", domain.ErrTransform, t.domain)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[NormalizeKey(k)] = v
	}

	vec := make(domain.FeatureVector, len(order))
	for i, name := range order {
		key := NormalizeKey(name)
		v, ok := fields[key]
		if !ok {
			vec[i] = t.missing
			continue
		}
		vec[i] = t.encode(key, v)
	}
	return vec, nil
}

func (t *transformer) encode(key string, v any) float64 {
	switch val := v.(type) {
	case nil:
		return t.missing
	case bool:
		if val {
			return 1
		}
		return 0
	case float64:
		return t.finite(val)
	case float32:
		return t.finite(float64(val))
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return t.missing
		}
		return t.finite(f)
	case string:
		return t.encodeString(key, val)
	default:
		return t.missing
	}
}

func (t *transformer) encodeString(key, s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return t.missing
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return t.finite(f)
	}
	norm := NormalizeKey(s)
	if table, ok := t.categories[key]; ok {
		if f, ok := table[norm]; ok {
			return f
		}
	}
	switch norm {
	case "true", "yes", "y":
		return 1
	case "false", "no", "n":
		return 0
	}
	return t.missing
}

func (t *transformer) finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return t.missing
	}
	return f
}

// NormalizeKey lowercases s and folds spaces and hyphens into underscores,
// so "Transaction Amount", "transaction-amount" and "transaction_amount"
// address the same field.
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, s)
}
