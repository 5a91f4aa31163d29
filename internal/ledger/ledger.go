// Package ledger owns accounts, wallets and the append-only transaction log.
//
// Flow:
//  1. A transaction record is inserted as pending (Begin)
//  2. Exactly one terminal transition follows: Settle moves balances and marks
//     the record completed in one atomic unit; Finalize marks it flagged or
//     rejected without touching any balance
//  3. Records are never mutated after reaching a terminal status
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/walletguard/internal/idgen"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/syncutil"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrWalletExists            = errors.New("wallet already exists for this currency")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransition       = errors.New("transaction is not pending")
	ErrInvalidSettlement       = errors.New("invalid settlement")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrInvalidUsername         = errors.New("invalid username")
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFlagged   Status = "flagged"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFlagged || s == StatusRejected
}

// Kind distinguishes what moved the money.
type Kind string

const (
	KindTransfer   Kind = "transfer"
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// Account is an authenticated actor that owns wallets.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wallet holds a balance in one currency. (OwnerID, Currency) is unique.
type Wallet struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"ownerId"`
	Currency  string       `json:"currency"`
	Balance   money.Amount `json:"balance"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Transaction is a ledger record. Amount is debited in Currency; for
// cross-currency transfers CreditedAmount lands in CreditedCurrency.
type Transaction struct {
	ID                string       `json:"id"`
	Kind              Kind         `json:"kind"`
	SenderID          string       `json:"senderId,omitempty"`
	SenderWalletID    string       `json:"senderWalletId,omitempty"` // empty for deposits
	RecipientID       string       `json:"recipientId"`
	RecipientWalletID string       `json:"recipientWalletId,omitempty"` // empty for withdrawals
	Amount            money.Amount `json:"amount"`
	Currency          string       `json:"currency"`
	CreditedAmount    money.Amount `json:"creditedAmount,omitempty"`
	CreditedCurrency  string       `json:"creditedCurrency,omitempty"`
	Rate              string       `json:"rate,omitempty"`
	Status            Status       `json:"status"`
	Notes             string       `json:"notes,omitempty"`
	IdempotencyKey    string       `json:"idempotencyKey,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	FinalizedAt       time.Time    `json:"finalizedAt,omitempty"`
}

// Posting is one side of a balance mutation.
type Posting struct {
	WalletID string
	Amount   money.Amount
}

// Settlement is the atomic unit applied by Store.Apply: optional debit,
// optional credit, and the pending→Status transition of TransactionID.
type Settlement struct {
	TransactionID string
	Debit         *Posting
	Credit        *Posting
	Status        Status
	Rate          string
	Notes         string
}

func (s *Settlement) validate() error {
	if s.TransactionID == "" || !s.Status.Terminal() {
		return ErrInvalidSettlement
	}
	if s.Debit == nil && s.Credit == nil {
		return ErrInvalidSettlement
	}
	if s.Status != StatusCompleted {
		// Only completed transactions move money.
		return ErrInvalidSettlement
	}
	for _, p := range []*Posting{s.Debit, s.Credit} {
		if p != nil && (p.WalletID == "" || p.Amount <= 0) {
			return ErrInvalidAmount
		}
	}
	if s.Debit != nil && s.Credit != nil && s.Debit.WalletID == s.Credit.WalletID {
		return ErrInvalidSettlement
	}
	return nil
}

// Order controls Query result ordering by timestamp.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	ActorID  string // sender or recipient account
	SenderID string
	WalletID string // sender or recipient wallet
	Currency string
	Kinds    []Kind
	Statuses []Status
	Since    time.Time // inclusive
	Until    time.Time // exclusive
}

// WalletStore persists accounts and wallet balances.
type WalletStore interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccountByUsername(ctx context.Context, username string) (*Account, error)
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	FindWallet(ctx context.Context, ownerID, currency string) (*Wallet, error)
	ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error)
	// Apply performs every posting and the status transition atomically, or none.
	Apply(ctx context.Context, s *Settlement) error
	SumBalances(ctx context.Context) (map[string]money.Amount, error)
}

// TransactionLog is the append-only store of Transaction records.
type TransactionLog interface {
	Insert(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status Status, notes string) error
	// Release rejects a pending record and frees its idempotency key in one
	// step, so a later request with the same key starts over.
	Release(ctx context.Context, id string, notes string) error
	Query(ctx context.Context, f Filter, order Order, limit int) ([]*Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
}

// Store is the full persistence surface of the ledger.
type Store interface {
	WalletStore
	TransactionLog
	Ping(ctx context.Context) error
}

// Ledger serializes mutations per wallet and enforces the transaction lifecycle.
type Ledger struct {
	store Store
	locks *syncutil.KeyedMutex
	now   func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: syncutil.NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store {
	return l.store
}

// CreateAccount registers an actor. Credentials are handled elsewhere.
func (l *Ledger) CreateAccount(ctx context.Context, username string) (*Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 80 {
		return nil, ErrInvalidUsername
	}
	acct := &Account{
		ID:        idgen.WithPrefix(idgen.Account),
		Username:  username,
		CreatedAt: l.now(),
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// AddWallet explicitly opens a zero-balance wallet for ownerID in currency.
func (l *Ledger) AddWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if _, err := l.store.GetAccount(ctx, ownerID); err != nil {
		return nil, err
	}
	now := l.now()
	w := &Wallet{
		ID:        idgen.WithPrefix(idgen.Wallet),
		OwnerID:   ownerID,
		Currency:  cur,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := track("add_wallet")(l.store.CreateWallet(ctx, w)); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets returns the owner's wallets ordered by currency.
func (l *Ledger) ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error) {
	return l.store.ListWallets(ctx, ownerID)
}

// GetBalance returns the current balance of a wallet.
func (l *Ledger) GetBalance(ctx context.Context, walletID string) (money.Amount, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Begin records tx as pending. ID and Timestamp are assigned when empty.
func (l *Ledger) Begin(ctx context.Context, tx *Transaction) error {
	if tx.Amount <= 0 {
		return ErrInvalidAmount
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix(idgen.Transaction)
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now()
	}
	tx.Status = StatusPending
	tx.FinalizedAt = time.Time{}
	return l.store.Insert(ctx, tx)
}

// Settle applies s while holding the locks of every wallet it touches,
// acquired in a fixed global order.
func (l *Ledger) Settle(ctx context.Context, s *Settlement) error {
	if err := s.validate(); err != nil {
		return err
	}

	var keys []string
	if s.Debit != nil {
		keys = append(keys, s.Debit.WalletID)
	}
	if s.Credit != nil {
		keys = append(keys, s.Credit.WalletID)
	}

	unlock, err := l.locks.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire wallet locks: %w", err)
	}
	defer unlock()

	return track("settle")(l.store.Apply(ctx, s))
}

// Finalize moves a pending transaction to flagged or rejected. Completed is
// reachable only through Settle.
func (l *Ledger) Finalize(ctx context.Context, id string, status Status, notes string) error {
	if status != StatusFlagged && status != StatusRejected {
		return fmt.Errorf("%w: finalize to %s", ErrInvalidTransition, status)
	}
	return track("finalize")(l.store.UpdateStatus(ctx, id, status, notes))
}

// Credit deposits amount into an existing wallet.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount money.Amount, notes, idempotencyKey string) (*Transaction, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		Kind:              KindDeposit,
		RecipientID:       w.OwnerID,
		RecipientWalletID: w.ID,
		Amount:            amount,
		Currency:          w.Currency,
		CreditedAmount:    amount,
		CreditedCurrency:  w.Currency,
		Notes:             notes,
		IdempotencyKey:    idempotencyKey,
	}
	if err := l.Begin(ctx, tx); err != nil {
		return nil, err
	}
	err = l.Settle(ctx, &Settlement{
		TransactionID: tx.ID,
		Credit:        &Posting{WalletID: w.ID, Amount: amount},
		Status:        StatusCompleted,
	})
	if err != nil {
		_ = l.Abandon(ctx, tx.ID, err)
		return nil, err
	}
	return l.store.Get(ctx, tx.ID)
}

// Deposit credits ownerID's wallet in currency, creating the wallet first if
// the owner has none. Only deposits create wallets implicitly.
func (l *Ledger) Deposit(ctx context.Context, ownerID, currency string, amount money.Amount, idempotencyKey string) (*Transaction, error) {
	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	w, err := l.store.FindWallet(ctx, ownerID, cur)
	if errors.Is(err, ErrWalletNotFound) {
		w, err = l.AddWallet(ctx, ownerID, cur)
		if errors.Is(err, ErrWalletExists) {
			w, err = l.store.FindWallet(ctx, ownerID, cur)
		}
	}
	if err != nil {
		return nil, err
	}
	return l.Credit(ctx, w.ID, amount, "deposit", idempotencyKey)
}

// ReserveAndDebit withdraws amount from walletID. It fails with
// ErrInsufficientFunds, leaving no record, when the balance is short.
func (l *Ledger) ReserveAndDebit(ctx context.Context, walletID string, amount money.Amount, notes string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Balance < amount {
		return nil, ErrInsufficientFunds
	}
	tx := &Transaction{
		Kind:           KindWithdrawal,
		SenderID:       w.OwnerID,
		SenderWalletID: w.ID,
		RecipientID:    w.OwnerID,
		Amount:         amount,
		Currency:       w.Currency,
		Notes:          notes,
	}
	if err := l.Begin(ctx, tx); err != nil {
		return nil, err
	}
	err = l.Settle(ctx, &Settlement{
		TransactionID: tx.ID,
		Debit:         &Posting{WalletID: w.ID, Amount: amount},
		Status:        StatusCompleted,
	})
	if err != nil {
		_ = l.Abandon(ctx, tx.ID, err)
		return nil, err
	}
	return l.store.Get(ctx, tx.ID)
}

// RecentTransactions returns the actor's latest transactions, newest first.
func (l *Ledger) RecentTransactions(ctx context.Context, actorID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.store.Query(ctx, Filter{ActorID: actorID}, NewestFirst, limit)
}

// Abandon rejects a pending record after a failure. It runs on a context
// detached from cancellation so a timed-out caller still leaves a terminal
// record behind. Errors are returned for logging only.
func (l *Ledger) Abandon(ctx context.Context, id string, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return l.store.UpdateStatus(fctx, id, StatusRejected, cause.Error())
}

// Release is Abandon for failures that moved no money and may be retried:
// the record is rejected and its idempotency key freed for the retry.
func (l *Ledger) Release(ctx context.Context, id string, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return track("release")(l.store.Release(fctx, id, cause.Error()))
}
