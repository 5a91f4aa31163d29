package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const defaultListLimit = 100

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, transaction_id, actor_id, fingerprint, score, verdict,
			fail_open, model_generation, features, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.TransactionID, a.ActorID, a.Fingerprint, a.Score, string(a.Verdict),
		a.FailOpen, int64(a.ModelGeneration), features, a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.query(ctx, `
		SELECT id, transaction_id, actor_id, fingerprint, score, verdict,
		       fail_open, model_generation, features, evaluated_at
		FROM risk_assessments
		WHERE actor_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, actorID, limit)
}

func (s *PostgresStore) ListAnomalous(ctx context.Context, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.query(ctx, `
		SELECT id, transaction_id, actor_id, fingerprint, score, verdict,
		       fail_open, model_generation, features, evaluated_at
		FROM risk_assessments
		WHERE verdict = 'anomalous'
		ORDER BY evaluated_at DESC
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var verdict string
		var gen int64
		var features []byte
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.ActorID, &a.Fingerprint, &a.Score,
			&verdict, &a.FailOpen, &gen, &features, &a.EvaluatedAt); err != nil {
			return nil, err
		}
		a.Verdict = Verdict(verdict)
		a.ModelGeneration = uint64(gen)
		if err := json.Unmarshal(features, &a.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
