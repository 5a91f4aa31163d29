package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletguard/internal/testutil"
)

func TestMemoryStore_ListByActorNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"risk_1", "risk_2", "risk_3"} {
		require.NoError(t, s.Record(ctx, &Assessment{
			ID: id, ActorID: "acct_a", Verdict: VerdictNormal,
			EvaluatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Record(ctx, &Assessment{ID: "risk_x", ActorID: "acct_b", Verdict: VerdictAnomalous}))

	list, err := s.ListByActor(ctx, "acct_a", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "risk_3", list[0].ID)
	assert.Equal(t, "risk_2", list[1].ID)

	anomalous, err := s.ListAnomalous(ctx, 0)
	require.NoError(t, err)
	require.Len(t, anomalous, 1)
	assert.Equal(t, "risk_x", anomalous[0].ID)
}

func TestMemoryStore_RecordCopies(t *testing.T) {
	s := NewMemoryStore()
	a := &Assessment{ID: "risk_1", ActorID: "acct_a", Features: Vector{1, 2, 3, 4, 5}}
	require.NoError(t, s.Record(context.Background(), a))
	a.Features[0] = 99

	list, _ := s.ListByActor(context.Background(), "acct_a", 1)
	assert.Equal(t, 1.0, list[0].Features[0])
}

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Record(ctx, &Assessment{
		ID: "risk_pg1", TransactionID: "tx_1", ActorID: "acct_a", Fingerprint: "fp",
		Score: 0.71, Verdict: VerdictAnomalous, ModelGeneration: 3,
		Features: Vector{10, 20, 1, 2.5, 400}, EvaluatedAt: now,
	}))
	require.NoError(t, s.Record(ctx, &Assessment{
		ID: "risk_pg2", ActorID: "acct_a", Fingerprint: "fp2", Verdict: VerdictNormal,
		FailOpen: true, EvaluatedAt: now.Add(time.Second),
	}))

	list, err := s.ListByActor(ctx, "acct_a", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "risk_pg2", list[0].ID)
	assert.True(t, list[0].FailOpen)

	anomalous, err := s.ListAnomalous(ctx, 10)
	require.NoError(t, err)
	require.Len(t, anomalous, 1)
	assert.Equal(t, Vector{10, 20, 1, 2.5, 400}, anomalous[0].Features)
	assert.Equal(t, uint64(3), anomalous[0].ModelGeneration)
}
