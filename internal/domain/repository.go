// Package domain defines the core interfaces and types for FraudProof.
package domain

import (
	"context"
	"time"
)

// Repository is the persistence gateway for fraud assessments.
// SaveAssessment is always called before any anchoring attempt for the
// same assessment.
type Repository interface {
	// SaveAssessment stores a new assessment and returns its id.
	SaveAssessment(ctx context.Context, a *FraudAssessment) (string, error)

	// UpdateAnchor records the outcome of an anchoring attempt.
	// It returns ErrAlreadyAnchored once an anchor reference is attached.
	UpdateAnchor(ctx context.Context, id string, u AnchorUpdate) error

	// GetAssessment returns ErrNotFound for unknown ids.
	GetAssessment(ctx context.Context, id string) (*FraudAssessment, error)

	// ListByDomain returns assessments newest first. An empty domain lists
	// all of them; limit <= 0 means no limit.
	ListByDomain(ctx context.Context, d TransactionDomain, limit int) ([]*FraudAssessment, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects the assessment store. PostgresURL, when set,
// wins over the discrete Postgres fields.
type RepositoryConfig struct {
	Driver     string `json:"driver"` // sqlite | postgres
	SQLitePath string `json:"sqlitePath,omitempty"`

	PostgresURL      string `json:"-"`
	PostgresHost     string `json:"postgresHost,omitempty"`
	PostgresPort     int    `json:"postgresPort,omitempty"`
	PostgresUser     string `json:"postgresUser,omitempty"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDB,omitempty"`
	PostgresSSLMode  string `json:"postgresSSLMode,omitempty"`

	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
