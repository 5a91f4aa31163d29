package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletguard/internal/money"
)

func seedStore(t *testing.T) (*MemoryStore, *Wallet, *Wallet) {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, m.CreateAccount(ctx, &Account{ID: "acct_a", Username: "alice", CreatedAt: now}))
	require.NoError(t, m.CreateAccount(ctx, &Account{ID: "acct_b", Username: "bob", CreatedAt: now}))

	a := &Wallet{ID: "wal_a", OwnerID: "acct_a", Currency: "USD", Balance: 10000, CreatedAt: now}
	b := &Wallet{ID: "wal_b", OwnerID: "acct_b", Currency: "USD", CreatedAt: now}
	require.NoError(t, m.CreateWallet(ctx, a))
	require.NoError(t, m.CreateWallet(ctx, b))
	return m, a, b
}

func pending(id string, amount money.Amount) *Transaction {
	return &Transaction{
		ID:                id,
		Kind:              KindTransfer,
		SenderID:          "acct_a",
		SenderWalletID:    "wal_a",
		RecipientID:       "acct_b",
		RecipientWalletID: "wal_b",
		Amount:            amount,
		Currency:          "USD",
		Status:            StatusPending,
		Timestamp:         time.Now().UTC(),
	}
}

func TestMemoryStore_AccountUniqueness(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	err := m.CreateAccount(ctx, &Account{ID: "acct_c", Username: "ALICE"})
	assert.ErrorIs(t, err, ErrAccountExists)

	acct, err := m.FindAccountByUsername(ctx, " Bob ")
	require.NoError(t, err)
	assert.Equal(t, "acct_b", acct.ID)
}

func TestMemoryStore_WalletPerCurrency(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	err := m.CreateWallet(ctx, &Wallet{ID: "wal_dup", OwnerID: "acct_a", Currency: "usd"})
	assert.ErrorIs(t, err, ErrWalletExists)

	err = m.CreateWallet(ctx, &Wallet{ID: "wal_x", OwnerID: "acct_missing", Currency: "EUR"})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, m.CreateWallet(ctx, &Wallet{ID: "wal_a_eur", OwnerID: "acct_a", Currency: "EUR"}))
	ws, err := m.ListWallets(ctx, "acct_a")
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "EUR", ws[0].Currency)
	assert.Equal(t, "USD", ws[1].Currency)
}

func TestMemoryStore_ApplyMovesBalancesAndStatus(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, pending("tx_1", 2500)))
	err := m.Apply(ctx, &Settlement{
		TransactionID: "tx_1",
		Debit:         &Posting{WalletID: "wal_a", Amount: 2500},
		Credit:        &Posting{WalletID: "wal_b", Amount: 2500},
		Status:        StatusCompleted,
	})
	require.NoError(t, err)

	a, _ := m.GetWallet(ctx, "wal_a")
	b, _ := m.GetWallet(ctx, "wal_b")
	assert.Equal(t, money.Amount(7500), a.Balance)
	assert.Equal(t, money.Amount(2500), b.Balance)

	tx, err := m.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, money.Amount(2500), tx.CreditedAmount)
	assert.Equal(t, "USD", tx.CreditedCurrency)
	assert.False(t, tx.FinalizedAt.IsZero())
}

func TestMemoryStore_ApplyInsufficientFundsLeavesNoTrace(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, pending("tx_big", 20000)))
	err := m.Apply(ctx, &Settlement{
		TransactionID: "tx_big",
		Debit:         &Posting{WalletID: "wal_a", Amount: 20000},
		Credit:        &Posting{WalletID: "wal_b", Amount: 20000},
		Status:        StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	a, _ := m.GetWallet(ctx, "wal_a")
	b, _ := m.GetWallet(ctx, "wal_b")
	assert.Equal(t, money.Amount(10000), a.Balance)
	assert.Equal(t, money.Amount(0), b.Balance)

	tx, _ := m.Get(ctx, "tx_big")
	assert.Equal(t, StatusPending, tx.Status)
}

func TestMemoryStore_ApplyMissingCreditWalletLeavesDebitUntouched(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, pending("tx_2", 100)))
	err := m.Apply(ctx, &Settlement{
		TransactionID: "tx_2",
		Debit:         &Posting{WalletID: "wal_a", Amount: 100},
		Credit:        &Posting{WalletID: "wal_gone", Amount: 100},
		Status:        StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrWalletNotFound)

	a, _ := m.GetWallet(ctx, "wal_a")
	assert.Equal(t, money.Amount(10000), a.Balance)
}

func TestMemoryStore_TerminalIsFinal(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, pending("tx_3", 100)))
	require.NoError(t, m.UpdateStatus(ctx, "tx_3", StatusFlagged, "anomalous"))

	assert.ErrorIs(t, m.UpdateStatus(ctx, "tx_3", StatusRejected, ""), ErrInvalidTransition)
	err := m.Apply(ctx, &Settlement{
		TransactionID: "tx_3",
		Debit:         &Posting{WalletID: "wal_a", Amount: 100},
		Status:        StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, m.UpdateStatus(ctx, "tx_3", StatusPending, ""), ErrInvalidTransition)
	assert.ErrorIs(t, m.UpdateStatus(ctx, "tx_missing", StatusRejected, ""), ErrTransactionNotFound)

	tx, _ := m.Get(ctx, "tx_3")
	assert.Equal(t, StatusFlagged, tx.Status)
	assert.Equal(t, "anomalous", tx.Notes)
}

func TestMemoryStore_IdempotencyKey(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	first := pending("tx_4", 100)
	first.IdempotencyKey = "key-1"
	require.NoError(t, m.Insert(ctx, first))

	second := pending("tx_5", 100)
	second.IdempotencyKey = "key-1"
	assert.ErrorIs(t, m.Insert(ctx, second), ErrDuplicateIdempotencyKey)

	found, err := m.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "tx_4", found.ID)

	_, err = m.FindByIdempotencyKey(ctx, "key-2")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMemoryStore_ReleaseFreesIdempotencyKey(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	first := pending("tx_6", 100)
	first.IdempotencyKey = "key-retry"
	require.NoError(t, m.Insert(ctx, first))
	require.NoError(t, m.Release(ctx, "tx_6", "transfer failed"))

	rec, err := m.Get(ctx, "tx_6")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)
	assert.Empty(t, rec.IdempotencyKey)
	assert.Equal(t, "transfer failed", rec.Notes)

	_, err = m.FindByIdempotencyKey(ctx, "key-retry")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	retry := pending("tx_7", 100)
	retry.IdempotencyKey = "key-retry"
	require.NoError(t, m.Insert(ctx, retry))

	assert.ErrorIs(t, m.Release(ctx, "tx_6", "again"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Release(ctx, "tx_missing", ""), ErrTransactionNotFound)
}

func TestMemoryStore_QueryFiltersAndOrder(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"tx_a", "tx_b", "tx_c"} {
		tx := pending(id, money.Amount(100*(i+1)))
		tx.Timestamp = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, m.Insert(ctx, tx))
	}
	dep := &Transaction{
		ID: "tx_dep", Kind: KindDeposit, RecipientID: "acct_a", RecipientWalletID: "wal_a",
		Amount: 50, Currency: "USD", Status: StatusPending, Timestamp: base.Add(-time.Hour),
	}
	require.NoError(t, m.Insert(ctx, dep))
	require.NoError(t, m.UpdateStatus(ctx, "tx_b", StatusRejected, ""))

	newest, err := m.Query(ctx, Filter{SenderID: "acct_a"}, NewestFirst, 0)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, "tx_c", newest[0].ID)
	assert.Equal(t, "tx_a", newest[2].ID)

	oldest, err := m.Query(ctx, Filter{ActorID: "acct_a"}, OldestFirst, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "tx_dep", oldest[0].ID)
	assert.Equal(t, "tx_a", oldest[1].ID)

	rejected, err := m.Query(ctx, Filter{Statuses: []Status{StatusRejected}}, NewestFirst, 0)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "tx_b", rejected[0].ID)

	deposits, err := m.Query(ctx, Filter{Kinds: []Kind{KindDeposit}, WalletID: "wal_a"}, NewestFirst, 0)
	require.NoError(t, err)
	require.Len(t, deposits, 1)

	window, err := m.Query(ctx, Filter{Since: base, Until: base.Add(2 * time.Hour)}, OldestFirst, 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "tx_a", window[0].ID)
	assert.Equal(t, "tx_b", window[1].ID)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()

	w, _ := m.GetWallet(ctx, "wal_a")
	w.Balance = 1

	again, _ := m.GetWallet(ctx, "wal_a")
	assert.Equal(t, money.Amount(10000), again.Balance)
}

func TestMemoryStore_SumBalances(t *testing.T) {
	m, _, _ := seedStore(t)
	ctx := context.Background()
	require.NoError(t, m.CreateWallet(ctx, &Wallet{ID: "wal_eur", OwnerID: "acct_b", Currency: "EUR", Balance: 42}))

	sums, err := m.SumBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(10000), sums["USD"])
	assert.Equal(t, money.Amount(42), sums["EUR"])
}
