package risk

import (
	"context"
	"slices"
	"time"

	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/money"
)

// HistorySource supplies prior transfers for feature extraction and training.
type HistorySource interface {
	// History returns the actor's transfers strictly before t, newest first.
	History(ctx context.Context, actorID string, before time.Time, limit int) ([]Sample, error)
	// TrainingSamples returns the most recent transfers, oldest first.
	TrainingSamples(ctx context.Context, limit int) ([]Sample, error)
}

var scoredStatuses = []ledger.Status{ledger.StatusCompleted, ledger.StatusFlagged}

// LedgerSource reads history from the ledger's transaction log.
type LedgerSource struct {
	log ledger.TransactionLog
}

// NewLedgerSource creates a HistorySource over log.
func NewLedgerSource(log ledger.TransactionLog) *LedgerSource {
	return &LedgerSource{log: log}
}

func (s *LedgerSource) History(ctx context.Context, actorID string, before time.Time, limit int) ([]Sample, error) {
	if actorID == "" {
		return nil, nil
	}
	txs, err := s.log.Query(ctx, ledger.Filter{
		SenderID: actorID,
		Kinds:    []ledger.Kind{ledger.KindTransfer},
		Statuses: scoredStatuses,
		Until:    before,
	}, ledger.NewestFirst, limit)
	if err != nil {
		return nil, err
	}
	return toSamples(txs), nil
}

func (s *LedgerSource) TrainingSamples(ctx context.Context, limit int) ([]Sample, error) {
	txs, err := s.log.Query(ctx, ledger.Filter{
		Kinds:    []ledger.Kind{ledger.KindTransfer},
		Statuses: scoredStatuses,
	}, ledger.NewestFirst, limit)
	if err != nil {
		return nil, err
	}
	samples := toSamples(txs)
	slices.Reverse(samples)
	return samples, nil
}

func toSamples(txs []*ledger.Transaction) []Sample {
	out := make([]Sample, len(txs))
	for i, tx := range txs {
		out[i] = SampleOf(tx)
	}
	return out
}

// SampleOf projects a ledger transaction onto the fields the extractor uses.
func SampleOf(tx *ledger.Transaction) Sample {
	return Sample{
		ActorID:     tx.SenderID,
		RecipientID: tx.RecipientID,
		Amount:      money.Major(tx.Amount, tx.Currency),
		Timestamp:   tx.Timestamp,
	}
}
