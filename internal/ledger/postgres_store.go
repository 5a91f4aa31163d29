package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/mbd888/walletguard/internal/money"
)

// PostgresStore implements Store with PostgreSQL. Balances are BIGINT minor
// units guarded by CHECK (balance >= 0); Apply locks the transaction row and
// every touched wallet row (ordered by id) inside one database transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var txColumns = []string{
	"id", "kind", "COALESCE(sender_id, '')", "COALESCE(sender_wallet_id, '')",
	"recipient_id", "COALESCE(recipient_wallet_id, '')", "amount", "currency",
	"credited_amount", "credited_currency", "rate", "status", "notes",
	"COALESCE(idempotency_key, '')", "created_at", "finalized_at",
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, created_at) VALUES ($1, $2, $3)
	`, acct.ID, acct.Username, acct.CreatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, created_at FROM accounts WHERE id = $1
	`, id).Scan(&acct.ID, &acct.Username, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) FindAccountByUsername(ctx context.Context, username string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, created_at FROM accounts WHERE LOWER(username) = LOWER($1)
	`, strings.TrimSpace(username)).Scan(&acct.ID, &acct.Username, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.OwnerID, strings.ToUpper(w.Currency), int64(w.Balance), w.CreatedAt, w.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, currency, balance, created_at, updated_at
		FROM wallets WHERE id = $1
	`, id))
}

func (p *PostgresStore) FindWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, currency, balance, created_at, updated_at
		FROM wallets WHERE owner_id = $1 AND currency = $2
	`, ownerID, strings.ToUpper(currency)))
}

func (p *PostgresStore) scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	var balance int64
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.Balance = money.Amount(balance)
	return w, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context, ownerID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, currency, balance, created_at, updated_at
		FROM wallets WHERE owner_id = $1
		ORDER BY currency
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Wallet
	for rows.Next() {
		w := &Wallet{}
		var balance int64
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Currency, &balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Balance = money.Amount(balance)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Apply runs the settlement in one database transaction. Any error rolls back
// every balance change together with the status write.
func (p *PostgresStore) Apply(ctx context.Context, s *Settlement) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM transactions WHERE id = $1 FOR UPDATE
	`, s.TransactionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock transaction: %w", err)
	}
	if Status(status) != StatusPending {
		return ErrInvalidTransition
	}

	var ids []string
	if s.Debit != nil {
		ids = append(ids, s.Debit.WalletID)
	}
	if s.Credit != nil {
		ids = append(ids, s.Credit.WalletID)
	}
	sort.Strings(ids)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, balance, currency FROM wallets
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to lock wallets: %w", err)
	}
	balances := make(map[string]int64, len(ids))
	currencies := make(map[string]string, len(ids))
	for rows.Next() {
		var id, cur string
		var bal int64
		if err := rows.Scan(&id, &bal, &cur); err != nil {
			_ = rows.Close()
			return err
		}
		balances[id] = bal
		currencies[id] = cur
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := balances[id]; !ok {
			return ErrWalletNotFound
		}
	}

	if s.Debit != nil {
		if balances[s.Debit.WalletID] < int64(s.Debit.Amount) {
			return ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance - $2, updated_at = NOW() WHERE id = $1
		`, s.Debit.WalletID, int64(s.Debit.Amount)); err != nil {
			return fmt.Errorf("failed to debit wallet: %w", mapPQError(err))
		}
	}

	update := psql.Update("transactions").
		Set("status", string(s.Status)).
		Set("finalized_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": s.TransactionID})

	if s.Credit != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1
		`, s.Credit.WalletID, int64(s.Credit.Amount)); err != nil {
			return fmt.Errorf("failed to credit wallet: %w", mapPQError(err))
		}
		update = update.
			Set("credited_amount", int64(s.Credit.Amount)).
			Set("credited_currency", currencies[s.Credit.WalletID])
	}
	if s.Rate != "" {
		update = update.Set("rate", s.Rate)
	}
	if s.Notes != "" {
		update = update.Set("notes", s.Notes)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) SumBalances(ctx context.Context) (map[string]money.Amount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(balance), 0)::BIGINT FROM wallets GROUP BY currency
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[string]money.Amount)
	for rows.Next() {
		var cur string
		var sum int64
		if err := rows.Scan(&cur, &sum); err != nil {
			return nil, err
		}
		sums[cur] = money.Amount(sum)
	}
	return sums, rows.Err()
}

func (p *PostgresStore) Insert(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, kind, sender_id, sender_wallet_id, recipient_id, recipient_wallet_id,
			amount, currency, credited_amount, credited_currency, rate,
			status, notes, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		t.ID, string(t.Kind), nullString(t.SenderID), nullString(t.SenderWalletID),
		t.RecipientID, nullString(t.RecipientWalletID),
		int64(t.Amount), strings.ToUpper(t.Currency), int64(t.CreditedAmount), t.CreditedCurrency, t.Rate,
		string(t.Status), t.Notes, nullString(t.IdempotencyKey), t.Timestamp,
	)
	return mapPQError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	txs, err := p.selectTransactions(ctx, psql.Select(txColumns...).From("transactions").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrTransactionNotFound
	}
	return txs[0], nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, notes string) error {
	if !status.Terminal() {
		return ErrInvalidTransition
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status       = $2,
			notes        = CASE WHEN $3 = '' THEN notes ELSE $3 END,
			finalized_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), notes)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, id string, notes string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status          = 'rejected',
			notes           = CASE WHEN $2 = '' THEN notes ELSE $2 END,
			idempotency_key = NULL,
			finalized_at    = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, notes)
	if err != nil {
		return fmt.Errorf("failed to release transaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	txs, err := p.selectTransactions(ctx, psql.Select(txColumns...).From("transactions").Where(sq.Eq{"idempotency_key": key}))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrTransactionNotFound
	}
	return txs[0], nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter, order Order, limit int) ([]*Transaction, error) {
	q := psql.Select(txColumns...).From("transactions")

	if f.ActorID != "" {
		q = q.Where(sq.Or{sq.Eq{"sender_id": f.ActorID}, sq.Eq{"recipient_id": f.ActorID}})
	}
	if f.SenderID != "" {
		q = q.Where(sq.Eq{"sender_id": f.SenderID})
	}
	if f.WalletID != "" {
		q = q.Where(sq.Or{sq.Eq{"sender_wallet_id": f.WalletID}, sq.Eq{"recipient_wallet_id": f.WalletID}})
	}
	if f.Currency != "" {
		q = q.Where(sq.Eq{"currency": strings.ToUpper(f.Currency)})
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where(sq.Eq{"kind": kinds})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if !f.Until.IsZero() {
		q = q.Where(sq.Lt{"created_at": f.Until})
	}

	if order == OldestFirst {
		q = q.OrderBy("created_at ASC", "id ASC")
	} else {
		q = q.OrderBy("created_at DESC", "id DESC")
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return p.selectTransactions(ctx, q)
}

func (p *PostgresStore) selectTransactions(ctx context.Context, q sq.SelectBuilder) ([]*Transaction, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var kind, status string
		var amount, credited int64
		var finalized sql.NullTime
		if err := rows.Scan(
			&t.ID, &kind, &t.SenderID, &t.SenderWalletID, &t.RecipientID, &t.RecipientWalletID,
			&amount, &t.Currency, &credited, &t.CreditedCurrency, &t.Rate,
			&status, &t.Notes, &t.IdempotencyKey, &t.Timestamp, &finalized,
		); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		t.Status = Status(status)
		t.Amount = money.Amount(amount)
		t.CreditedAmount = money.Amount(credited)
		if finalized.Valid {
			t.FinalizedAt = finalized.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapPQError translates constraint violations into ledger errors.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case "idx_transactions_idempotency":
			return ErrDuplicateIdempotencyKey
		case "uq_wallet_owner_currency":
			return ErrWalletExists
		case "idx_accounts_username", "accounts_pkey":
			return ErrAccountExists
		}
	case "23503": // foreign_key_violation
		if strings.HasPrefix(pqErr.Constraint, "wallets_owner_id") {
			return ErrAccountNotFound
		}
		return ErrWalletNotFound
	case "23514": // check_violation
		if pqErr.Constraint == "chk_balance_nonneg" {
			return ErrInsufficientFunds
		}
	}
	return err
}
