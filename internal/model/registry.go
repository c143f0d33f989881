package model

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/features"
)

// Bundle pairs a domain's classifier with its feature order and transformer.
// Bundles are built once at startup and only read afterwards.
type Bundle struct {
	Domain      domain.TransactionDomain
	Version     string
	Kind        string
	Features    []string
	Classifier  Classifier
	Transformer features.Transformer
}

// Transform maps a raw record onto this bundle's feature order.
func (b *Bundle) Transform(raw domain.RawTransaction) (domain.FeatureVector, error) {
	return b.Transformer.Transform(raw, b.Features)
}

// Registry resolves a domain to its bundle. It is never mutated after
// construction, so concurrent reads need no locking.
type Registry struct {
	bundles map[domain.TransactionDomain]*Bundle
}

// NewRegistry builds a registry that must cover every domain exactly once.
func NewRegistry(bundles ...*Bundle) (*Registry, error) {
	r := &Registry{bundles: make(map[domain.TransactionDomain]*Bundle, len(bundles))}
	for _, b := range bundles {
		if !b.Domain.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, b.Domain)
		}
		if _, dup := r.bundles[b.Domain]; dup {
			return nil, fmt.Errorf("duplicate bundle for domain %s", b.Domain)
		}
		r.bundles[b.Domain] = b
	}
	for _, d := range domain.Domains() {
		if _, ok := r.bundles[d]; !ok {
			return nil, fmt.Errorf("no model bundle for domain %s", d)
		}
	}
	return r, nil
}

// Resolve returns the bundle for a domain or ErrUnknownDomain.
func (r *Registry) Resolve(d domain.TransactionDomain) (*Bundle, error) {
	b, ok := r.bundles[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
	}
	return b, nil
}

// Bundles returns all bundles in domain order.
func (r *Registry) Bundles() []*Bundle {
	out := make([]*Bundle, 0, len(r.bundles))
	for _, d := range domain.Domains() {
		out = append(out, r.bundles[d])
	}
	return out
}

// ArtifactPath is where the loader expects a domain's artifact.
func ArtifactPath(dir string, d domain.TransactionDomain) string {
	return filepath.Join(dir, string(d)+"_model.json")
}

// Load reads, compiles and registers every domain's artifact.
// Any single failure aborts the whole load: the service never runs with
// a partial set of models.
func Load(cfg domain.ModelsConfig) (*Registry, error) {
	bundles := make([]*Bundle, 0, len(domain.Domains()))
	for _, d := range domain.Domains() {
		b, err := loadBundle(cfg, d)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s model: %w", d, err)
		}
		slog.Debug("model bundle loaded",
			"domain", d,
			"kind", b.Kind,
			"version", b.Version,
			"features", len(b.Features),
		)
		bundles = append(bundles, b)
	}
	return NewRegistry(bundles...)
}

func loadBundle(cfg domain.ModelsConfig, d domain.TransactionDomain) (*Bundle, error) {
	a, err := ReadArtifact(ArtifactPath(cfg.Dir, d))
	if err != nil {
		return nil, err
	}
	if a.Domain != "" && a.Domain != string(d) {
		return nil, fmt.Errorf("artifact declares domain %q", a.Domain)
	}

	clf, err := Compile(a)
	if err != nil {
		return nil, err
	}
	tr, err := features.For(d)
	if err != nil {
		return nil, err
	}

	version := a.Version
	if version == "" {
		version = cfg.Version
	}

	return &Bundle{
		Domain:      d,
		Version:     version,
		Kind:        a.Kind,
		Features:    a.Features,
		Classifier:  clf,
		Transformer: tr,
	}, nil
}
