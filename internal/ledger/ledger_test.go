package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletguard/internal/money"
)

func newTestLedger(t *testing.T) (*Ledger, *Account, *Account) {
	t.Helper()
	l := New(NewMemoryStore())
	ctx := context.Background()

	alice, err := l.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	bob, err := l.CreateAccount(ctx, "bob")
	require.NoError(t, err)
	return l, alice, bob
}

func TestCreateAccount_Validation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = l.CreateAccount(ctx, strings.Repeat("x", 81))
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = l.CreateAccount(ctx, "Alice")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestDeposit_CreatesWalletLazily(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.Deposit(ctx, alice.ID, "eur", 1500, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, KindDeposit, tx.Kind)
	assert.Equal(t, "EUR", tx.Currency)

	ws, err := l.ListWallets(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, money.Amount(1500), ws[0].Balance)

	_, err = l.Deposit(ctx, alice.ID, "EUR", 500, "")
	require.NoError(t, err)
	bal, err := l.GetBalance(ctx, ws[0].ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2000), bal)
}

func TestDeposit_RejectsBadInput(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice.ID, "US", 100, "")
	assert.ErrorIs(t, err, money.ErrInvalidCurrency)

	_, err = l.Deposit(ctx, "acct_nobody", "USD", 100, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	w, err := l.AddWallet(ctx, alice.ID, "USD")
	require.NoError(t, err)
	_, err = l.Credit(ctx, w.ID, 0, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeposit_DuplicateIdempotencyKey(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice.ID, "USD", 100, "dep-1")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, alice.ID, "USD", 100, "dep-1")
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	ws, _ := l.ListWallets(ctx, alice.ID)
	assert.Equal(t, money.Amount(100), ws[0].Balance)
}

func TestAddWallet_Duplicate(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddWallet(ctx, alice.ID, "GBP")
	require.NoError(t, err)
	_, err = l.AddWallet(ctx, alice.ID, "gbp")
	assert.ErrorIs(t, err, ErrWalletExists)
}

func TestReserveAndDebit(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	dep, err := l.Deposit(ctx, alice.ID, "USD", 1000, "")
	require.NoError(t, err)
	walletID := dep.RecipientWalletID

	_, err = l.ReserveAndDebit(ctx, walletID, 1001, "too much")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	txs, _ := l.RecentTransactions(ctx, alice.ID, 0)
	assert.Len(t, txs, 1, "a short balance must leave no record")

	tx, err := l.ReserveAndDebit(ctx, walletID, 400, "cash out")
	require.NoError(t, err)
	assert.Equal(t, KindWithdrawal, tx.Kind)
	assert.Equal(t, StatusCompleted, tx.Status)

	bal, _ := l.GetBalance(ctx, walletID)
	assert.Equal(t, money.Amount(600), bal)
}

func TestSettle_RejectsMalformedSettlements(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		s    *Settlement
		want error
	}{
		{"no postings", &Settlement{TransactionID: "tx", Status: StatusCompleted}, ErrInvalidSettlement},
		{"flagged moves nothing", &Settlement{TransactionID: "tx", Status: StatusFlagged, Debit: &Posting{WalletID: "w", Amount: 1}}, ErrInvalidSettlement},
		{"zero amount", &Settlement{TransactionID: "tx", Status: StatusCompleted, Debit: &Posting{WalletID: "w", Amount: 0}}, ErrInvalidAmount},
		{"same wallet", &Settlement{TransactionID: "tx", Status: StatusCompleted, Debit: &Posting{WalletID: "w", Amount: 1}, Credit: &Posting{WalletID: "w", Amount: 1}}, ErrInvalidSettlement},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Settle(ctx, tc.s), tc.want)
		})
	}
}

func TestFinalize_OnlyFlaggedOrRejected(t *testing.T) {
	l, alice, bob := newTestLedger(t)
	ctx := context.Background()

	tx := &Transaction{Kind: KindTransfer, SenderID: alice.ID, RecipientID: bob.ID, Amount: 10, Currency: "USD"}
	require.NoError(t, l.Begin(ctx, tx))
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, StatusPending, tx.Status)

	assert.ErrorIs(t, l.Finalize(ctx, tx.ID, StatusCompleted, ""), ErrInvalidTransition)
	require.NoError(t, l.Finalize(ctx, tx.ID, StatusFlagged, "anomalous"))
	assert.ErrorIs(t, l.Finalize(ctx, tx.ID, StatusRejected, ""), ErrInvalidTransition)
}

func TestAbandon_SurvivesCancelledContext(t *testing.T) {
	l, alice, bob := newTestLedger(t)

	tx := &Transaction{Kind: KindTransfer, SenderID: alice.ID, RecipientID: bob.ID, Amount: 10, Currency: "USD"}
	require.NoError(t, l.Begin(context.Background(), tx))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Abandon(ctx, tx.ID, errors.New("boom")))

	got, err := l.Store().Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "boom", got.Notes)
}

// Concurrent transfers out of one wallet must never overdraw it, and the
// total across both wallets must stay constant.
func TestSettle_ConcurrentNoDoubleSpend(t *testing.T) {
	l, alice, bob := newTestLedger(t)
	ctx := context.Background()

	dep, err := l.Deposit(ctx, alice.ID, "USD", 1000, "")
	require.NoError(t, err)
	bobWallet, err := l.AddWallet(ctx, bob.ID, "USD")
	require.NoError(t, err)

	var ok, short int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &Transaction{
				Kind: KindTransfer, SenderID: alice.ID, SenderWalletID: dep.RecipientWalletID,
				RecipientID: bob.ID, RecipientWalletID: bobWallet.ID, Amount: 100, Currency: "USD",
			}
			if err := l.Begin(ctx, tx); err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			err := l.Settle(ctx, &Settlement{
				TransactionID: tx.ID,
				Debit:         &Posting{WalletID: dep.RecipientWalletID, Amount: 100},
				Credit:        &Posting{WalletID: bobWallet.ID, Amount: 100},
				Status:        StatusCompleted,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt64(&short, 1)
				_ = l.Abandon(ctx, tx.ID, err)
			default:
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok)
	assert.Equal(t, int64(40), short)

	a, _ := l.GetBalance(ctx, dep.RecipientWalletID)
	b, _ := l.GetBalance(ctx, bobWallet.ID)
	assert.Equal(t, money.Amount(0), a)
	assert.Equal(t, money.Amount(1000), b)

	sums, err := l.Store().SumBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1000), sums["USD"])
}

func TestRecentTransactions_DefaultLimit(t *testing.T) {
	l, alice, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := l.Deposit(ctx, alice.ID, "USD", 1, "")
		require.NoError(t, err)
	}
	txs, err := l.RecentTransactions(ctx, alice.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 10)
	assert.False(t, txs[0].Timestamp.Before(txs[9].Timestamp))
}
