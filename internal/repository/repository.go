// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies pending migrations.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	repo, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := repo.Migrate(context.Background()); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// Open connects without touching the schema.
func Open(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &SQLRepository{db: db, driver: cfg.Driver}, nil
}

// DB exposes the pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

const assessmentColumns = `
	id, transaction_type, raw_prediction, probability, fraud_score, risk_level,
	model_version, tx_hash, transaction_data, error,
	blockchain_tx, anchor_status, anchor_error, anchored_at, created_at`

// SaveAssessment stores a new assessment. An empty ID is generated and a
// zero CreatedAt is set to now; both are written back to a.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.FraudAssessment) (string, error) {
	if a == nil || a.Domain == "" {
		return "", fmt.Errorf("%w: assessment with a transaction type is required", domain.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.AnchorStatus == "" {
		a.AnchorStatus = domain.AnchorSkipped
	}

	data := []byte("{}")
	if a.TransactionData != nil {
		var err error
		data, err = json.Marshal(a.TransactionData)
		if err != nil {
			return "", fmt.Errorf("%w: transaction data: %v", domain.ErrInvalidInput, err)
		}
	}

	query := `
		INSERT INTO fraud_assessments (` + assessmentColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, string(a.Domain), a.RawPrediction, a.Probability, a.FraudScore, string(a.RiskTier),
		a.ModelVersion, a.Reference, string(data), a.Error,
		a.AnchorTxHash, string(a.AnchorStatus), a.AnchorError, nullTime(a.AnchoredAt), a.CreatedAt.UTC(),
	)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// UpdateAnchor applies an anchoring outcome. A confirmed anchor is final.
// A submitted row only moves on with its own transaction hash, or to a
// failure that clears it.
func (r *SQLRepository) UpdateAnchor(ctx context.Context, id string, u domain.AnchorUpdate) error {
	switch {
	case u.Status == "":
		return fmt.Errorf("%w: anchor status is required", domain.ErrInvalidInput)
	case (u.Status == domain.AnchorConfirmed || u.Status == domain.AnchorSubmitted) && u.TxHash == "":
		return fmt.Errorf("%w: %s anchor without transaction hash", domain.ErrInvalidInput, u.Status)
	}

	var anchoredAt *time.Time
	if u.TxHash != "" {
		at := u.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		anchoredAt = &at
	}

	args := []any{string(u.Status), u.Error, u.TxHash, nullTime(anchoredAt), id}
	guard := `blockchain_tx = '' OR anchor_status = 'submitted'`
	if u.TxHash != "" {
		guard = `blockchain_tx = '' OR (anchor_status = 'submitted' AND blockchain_tx = ?)`
		args = append(args, u.TxHash)
	}

	query := `
		UPDATE fraud_assessments
		SET anchor_status = ?, anchor_error = ?, blockchain_tx = ?, anchored_at = ?
		WHERE id = ? AND anchor_status <> 'confirmed' AND (` + guard + `)
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Nothing matched: the row is missing or bound to another transaction.
	var existing string
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT blockchain_tx FROM fraud_assessments WHERE id = ?`), id,
	).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrAlreadyAnchored, existing)
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.FraudAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM fraud_assessments WHERE id = ?`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByDomain retrieves assessments newest first.
func (r *SQLRepository) ListByDomain(ctx context.Context, d domain.TransactionDomain, limit int) ([]*domain.FraudAssessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM fraud_assessments`
	var args []any
	if d != "" {
		query += ` WHERE transaction_type = ?`
		args = append(args, string(d))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assessments := []*domain.FraudAssessment{}
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}

	return assessments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(s scanner) (*domain.FraudAssessment, error) {
	var a domain.FraudAssessment
	var txType, tier, status, data string
	var anchoredAt sql.NullTime

	if err := s.Scan(
		&a.ID, &txType, &a.RawPrediction, &a.Probability, &a.FraudScore, &tier,
		&a.ModelVersion, &a.Reference, &data, &a.Error,
		&a.AnchorTxHash, &status, &a.AnchorError, &anchoredAt, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.Domain = domain.TransactionDomain(txType)
	a.RiskTier = domain.RiskTier(tier)
	a.AnchorStatus = domain.AnchorStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if anchoredAt.Valid {
		at := anchoredAt.Time.UTC()
		a.AnchoredAt = &at
	}
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &a.TransactionData); err != nil {
			return nil, fmt.Errorf("failed to parse transaction data for %s: %w", a.ID, err)
		}
	}

	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
