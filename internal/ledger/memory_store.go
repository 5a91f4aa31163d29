package ledger

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/walletguard/internal/money"
)

// MemoryStore is an in-memory Store for development mode and tests.
// A single RWMutex makes every Apply atomic with respect to all readers.
type MemoryStore struct {
	accounts   map[string]*Account
	usernames  map[string]string // lower(username) -> account ID
	wallets    map[string]*Wallet
	walletKeys map[string]string // owner:currency -> wallet ID
	txs        map[string]*Transaction
	seq        map[string]int // insertion order, breaks timestamp ties
	idem       map[string]string
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		usernames:  make(map[string]string),
		wallets:    make(map[string]*Wallet),
		walletKeys: make(map[string]string),
		txs:        make(map[string]*Transaction),
		seq:        make(map[string]int),
		idem:       make(map[string]string),
	}
}

func walletKey(ownerID, currency string) string {
	return ownerID + ":" + strings.ToUpper(currency)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToLower(acct.Username)
	if _, ok := m.usernames[name]; ok {
		return ErrAccountExists
	}
	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	m.usernames[name] = acct.ID
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) FindAccountByUsername(ctx context.Context, username string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[w.OwnerID]; !ok {
		return ErrAccountNotFound
	}
	key := walletKey(w.OwnerID, w.Currency)
	if _, ok := m.walletKeys[key]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.walletKeys[key] = w.ID
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) FindWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.walletKeys[walletKey(ownerID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, s *Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[s.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return ErrInvalidTransition
	}

	// Validate everything before touching state so failure leaves no trace.
	var debit, credit *Wallet
	if s.Debit != nil {
		debit, ok = m.wallets[s.Debit.WalletID]
		if !ok {
			return ErrWalletNotFound
		}
		if debit.Balance < s.Debit.Amount {
			return ErrInsufficientFunds
		}
	}
	var newCredit money.Amount
	if s.Credit != nil {
		credit, ok = m.wallets[s.Credit.WalletID]
		if !ok {
			return ErrWalletNotFound
		}
		var err error
		if newCredit, err = money.Add(credit.Balance, s.Credit.Amount); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if debit != nil {
		debit.Balance -= s.Debit.Amount
		debit.UpdatedAt = now
	}
	if credit != nil {
		credit.Balance = newCredit
		credit.UpdatedAt = now
		tx.CreditedAmount = s.Credit.Amount
		tx.CreditedCurrency = credit.Currency
	}
	if s.Rate != "" {
		tx.Rate = s.Rate
	}
	if s.Notes != "" {
		tx.Notes = s.Notes
	}
	tx.Status = s.Status
	tx.FinalizedAt = now
	return nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (map[string]money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]money.Amount)
	for _, w := range m.wallets {
		sums[w.Currency] += w.Balance
	}
	return sums, nil
}

func (m *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, ok := m.idem[tx.IdempotencyKey]; ok {
			return ErrDuplicateIdempotencyKey
		}
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	m.seq[tx.ID] = len(m.seq)
	if tx.IdempotencyKey != "" {
		m.idem[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, notes string) error {
	if !status.Terminal() {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return ErrInvalidTransition
	}
	tx.Status = status
	if notes != "" {
		tx.Notes = notes
	}
	tx.FinalizedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return ErrInvalidTransition
	}
	if tx.IdempotencyKey != "" {
		delete(m.idem, tx.IdempotencyKey)
		tx.IdempotencyKey = ""
	}
	tx.Status = StatusRejected
	if notes != "" {
		tx.Notes = notes
	}
	tx.FinalizedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idem[key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter, order Order, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if matches(tx, f) {
			cp := *tx
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if order == OldestFirst {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if order == OldestFirst {
			return m.seq[a.ID] < m.seq[b.ID]
		}
		return m.seq[a.ID] > m.seq[b.ID]
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(tx *Transaction, f Filter) bool {
	if f.ActorID != "" && tx.SenderID != f.ActorID && tx.RecipientID != f.ActorID {
		return false
	}
	if f.SenderID != "" && tx.SenderID != f.SenderID {
		return false
	}
	if f.WalletID != "" && tx.SenderWalletID != f.WalletID && tx.RecipientWalletID != f.WalletID {
		return false
	}
	if f.Currency != "" && !strings.EqualFold(tx.Currency, f.Currency) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, tx.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, tx.Status) {
		return false
	}
	if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
