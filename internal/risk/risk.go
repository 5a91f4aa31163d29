// Package risk screens transfers for anomalous behavior before funds move.
//
// Every transfer is turned into a 5-field feature vector (amount, hours since
// the reference epoch, sender 24h velocity, amount z-score against the
// sender's history, hashed recipient bucket) and scored by an isolation
// forest. The forest is refit when the Scheduler reports it stale; verdicts
// are memoized per fingerprint until the next fit.
//
// An untrained model cannot render a verdict. The Screener then fails open
// (verdict Normal) unless configured otherwise; every such decision is logged
// and counted.
package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrModelNotTrained  = errors.New("risk model not trained")
	ErrEmptyTrainingSet = errors.New("empty training set")
)

// Verdict is the model's classification of a transfer.
type Verdict string

const (
	VerdictNormal    Verdict = "normal"
	VerdictAnomalous Verdict = "anomalous"
)

// Assessment is the audit record of a single scoring decision.
type Assessment struct {
	ID              string    `json:"id"`
	TransactionID   string    `json:"transactionId"`
	ActorID         string    `json:"actorId"`
	Fingerprint     string    `json:"fingerprint"`
	Score           float64   `json:"score"`
	Verdict         Verdict   `json:"verdict"`
	FailOpen        bool      `json:"failOpen"`
	ModelGeneration uint64    `json:"modelGeneration"`
	Features        Vector    `json:"features"`
	EvaluatedAt     time.Time `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error)
	ListAnomalous(ctx context.Context, limit int) ([]*Assessment, error)
}
