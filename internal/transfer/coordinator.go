package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletguard/internal/exchange"
	"github.com/mbd888/walletguard/internal/idgen"
	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/logging"
	"github.com/mbd888/walletguard/internal/metrics"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/notify"
	"github.com/mbd888/walletguard/internal/risk"
	"github.com/mbd888/walletguard/internal/traces"
)

// DefaultRateTimeout bounds a single exchange rate lookup.
const DefaultRateTimeout = 5 * time.Second

// StalePending is how long a pending record may hold its idempotency key
// before a retry with that key may release it.
const StalePending = time.Minute

// Screener scores a transfer before it commits.
type Screener interface {
	Screen(ctx context.Context, in risk.Input) (*risk.Result, error)
	Observe()
}

// Config wires a Coordinator. Rates and Notifier are optional: without
// Rates cross-currency transfers are rejected, without Notifier nothing is
// published.
type Config struct {
	Ledger      *ledger.Ledger
	Screener    Screener
	Rates       exchange.Provider
	Notifier    notify.Notifier
	RateTimeout time.Duration
	Logger      *slog.Logger
}

// Coordinator orchestrates transfers, deposits and conversion quotes.
type Coordinator struct {
	ledger      *ledger.Ledger
	screener    Screener
	rates       exchange.Provider
	notifier    notify.Notifier
	rateTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		ledger:      cfg.Ledger,
		screener:    cfg.Screener,
		rates:       cfg.Rates,
		notifier:    cfg.Notifier,
		rateTimeout: cfg.RateTimeout,
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if c.rateTimeout <= 0 {
		c.rateTimeout = DefaultRateTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Coordinator) log(ctx context.Context) *slog.Logger {
	if attrs := logging.Attrs(ctx); len(attrs) > 0 {
		return c.logger.With(attrs...)
	}
	return c.logger
}

// Ledger exposes the underlying ledger for read paths.
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// validated is a transfer that passed Initiated → Validated.
type validated struct {
	sender    *ledger.Wallet
	recipient *ledger.Account
	credit    *ledger.Wallet
}

// Transfer runs one transfer to a terminal state. Validation failures return
// a nil Outcome and leave no record. Every other failure returns an Outcome
// holding the rejected record together with the error.
func (c *Coordinator) Transfer(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "transfer",
		traces.ActorID(req.ActorID),
		traces.Amount(money.Format(req.Amount, req.Currency)),
		traces.Currency(req.Currency))
	defer func() {
		metrics.TransferDuration.Observe(time.Since(start).Seconds())
		c.count(out, err)
		if out != nil {
			span.SetAttributes(traces.Outcome(string(out.Status)))
		}
		traces.End(span, err)
	}()

	if req.IdempotencyKey != "" {
		if prior, err := c.replay(ctx, req); prior != nil || err != nil {
			return prior, err
		}
	}

	v, err := c.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	tx := &ledger.Transaction{
		ID:                idgen.WithPrefix(idgen.Transaction),
		Kind:              ledger.KindTransfer,
		SenderID:          v.sender.OwnerID,
		SenderWalletID:    v.sender.ID,
		RecipientID:       v.recipient.ID,
		RecipientWalletID: v.credit.ID,
		Amount:            req.Amount,
		Currency:          v.sender.Currency,
		CreditedAmount:    req.Amount,
		CreditedCurrency:  v.credit.Currency,
		Notes:             req.Notes,
		IdempotencyKey:    req.IdempotencyKey,
		Timestamp:         c.now(),
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.RecipientID(v.recipient.ID))

	// The pending record carries the converted figures. A failed lookup is
	// still recorded, then rejected.
	var rateErr error
	if v.sender.Currency != v.credit.Currency {
		tx.CreditedAmount = 0
		rate, credited, err := c.convert(ctx, req.Amount, v.sender.Currency, v.credit.Currency)
		switch {
		case err != nil:
			rateErr = err
		case credited <= 0:
			return nil, fmt.Errorf("%w: %s converts to nothing in %s",
				ErrInvalidAmount, money.Format(req.Amount, v.sender.Currency), v.credit.Currency)
		default:
			tx.CreditedAmount = credited
			tx.Rate = rate.String()
		}
	}

	if err := c.ledger.Begin(ctx, tx); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent request carrying the same key.
			prior, rerr := c.replay(ctx, req)
			if prior != nil || rerr != nil {
				return prior, rerr
			}
		}
		return nil, c.classify(ctx, err)
	}
	if rateErr != nil {
		return c.reject(ctx, tx, rateErr)
	}

	res, err := c.screen(ctx, tx)
	if err != nil {
		return c.reject(ctx, tx, c.classify(ctx, err))
	}

	if res.Verdict == risk.VerdictAnomalous {
		return c.flag(ctx, tx, res)
	}
	return c.commit(ctx, tx, res)
}

func (c *Coordinator) validate(ctx context.Context, req Request) (*validated, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCurrency, err)
	}
	recipientCur := cur
	if req.RecipientCurrency != "" {
		if recipientCur, err = money.NormalizeCurrency(req.RecipientCurrency); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCurrency, err)
		}
	}

	store := c.ledger.Store()
	sender, err := store.FindWallet(ctx, req.ActorID, cur)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, ErrSenderWalletMissing
	}
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	recipient, err := c.resolveRecipient(ctx, req.Recipient)
	if err != nil {
		return nil, err
	}

	credit, err := store.FindWallet(ctx, recipient.ID, recipientCur)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, ErrRecipientWalletMissing
	}
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	if credit.ID == sender.ID {
		return nil, ErrSameWallet
	}

	// Checked, not reserved; Settle re-checks under the wallet lock.
	if sender.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}
	return &validated{sender: sender, recipient: recipient, credit: credit}, nil
}

func (c *Coordinator) resolveRecipient(ctx context.Context, ref string) (*ledger.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrInvalidRecipient
	}
	store := c.ledger.Store()
	if strings.HasPrefix(ref, idgen.Account) {
		acct, err := store.GetAccount(ctx, ref)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, c.classify(ctx, err)
		}
	}
	acct, err := store.FindAccountByUsername(ctx, ref)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrInvalidRecipient
	}
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return acct, nil
}

func (c *Coordinator) rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if c.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: no provider configured", ErrExchangeRateUnavailable)
	}
	ctx, span := traces.StartSpan(ctx, "transfer.rate")
	rctx, cancel := context.WithTimeout(ctx, c.rateTimeout)
	defer cancel()

	rate, err := c.rates.Rate(rctx, from, to)
	if err != nil {
		if rctx.Err() != nil {
			err = fmt.Errorf("%w: rate lookup %s/%s: %w", ErrTimeout, from, to, rctx.Err())
		} else {
			err = fmt.Errorf("%w: %w", ErrExchangeRateUnavailable, err)
		}
	}
	traces.End(span, err)
	return rate, err
}

// convert prices amount in another currency at the provider's current rate.
func (c *Coordinator) convert(ctx context.Context, amount money.Amount, from, to string) (decimal.Decimal, money.Amount, error) {
	rate, err := c.rate(ctx, from, to)
	if err != nil {
		return rate, 0, err
	}
	credited, err := money.Convert(amount, from, to, rate)
	if err != nil {
		return rate, 0, fmt.Errorf("%w: %w", ErrExchangeRateUnavailable, err)
	}
	return rate, credited, nil
}

func (c *Coordinator) screen(ctx context.Context, tx *ledger.Transaction) (*risk.Result, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.screen")
	res, err := c.screener.Screen(ctx, risk.Input{
		TransactionID: tx.ID,
		ActorID:       tx.SenderID,
		RecipientID:   tx.RecipientID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Timestamp:     tx.Timestamp,
	})
	if res != nil {
		span.SetAttributes(
			traces.Verdict(string(res.Verdict)),
			traces.RiskScore(res.Score),
			traces.CacheHit(res.Cached),
			traces.Generation(res.Generation),
		)
	}
	traces.End(span, err)
	return res, err
}

func (c *Coordinator) flag(ctx context.Context, tx *ledger.Transaction, res *risk.Result) (*Outcome, error) {
	note := fmt.Sprintf("flagged for review: anomaly score %.4f", res.Score)
	if res.Untrained {
		note = "flagged for review: risk model untrained"
	}
	if err := c.ledger.Finalize(ctx, tx.ID, ledger.StatusFlagged, note); err != nil {
		return c.reject(ctx, tx, c.classify(ctx, err))
	}
	c.screener.Observe()

	tx.Status = ledger.StatusFlagged
	tx.Notes = note
	out := c.outcome(tx, res)
	out.Reason = note

	c.log(ctx).Info("transfer flagged",
		"transaction_id", tx.ID, "actor_id", tx.SenderID, "recipient_id", tx.RecipientID,
		"amount", money.Format(tx.Amount, tx.Currency), "currency", tx.Currency,
		"score", res.Score, "cached", res.Cached)
	c.publish(ctx, notify.EventTransferFlagged, tx, note)
	return out, nil
}

func (c *Coordinator) commit(ctx context.Context, tx *ledger.Transaction, res *risk.Result) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.settle")
	err := c.ledger.Settle(ctx, &ledger.Settlement{
		TransactionID: tx.ID,
		Debit:         &ledger.Posting{WalletID: tx.SenderWalletID, Amount: tx.Amount},
		Credit:        &ledger.Posting{WalletID: tx.RecipientWalletID, Amount: tx.CreditedAmount},
		Status:        ledger.StatusCompleted,
		Rate:          tx.Rate,
	})
	traces.End(span, err)
	if err != nil {
		return c.reject(ctx, tx, c.classify(ctx, err))
	}
	c.screener.Observe()

	if committed, err := c.ledger.Store().Get(ctx, tx.ID); err == nil {
		tx = committed
	} else {
		tx.Status = ledger.StatusCompleted
	}

	c.log(ctx).Info("transfer completed",
		"transaction_id", tx.ID, "actor_id", tx.SenderID, "recipient_id", tx.RecipientID,
		"amount", money.Format(tx.Amount, tx.Currency), "currency", tx.Currency,
		"credited", money.Format(tx.CreditedAmount, tx.CreditedCurrency), "credited_currency", tx.CreditedCurrency,
		"fail_open", res.FailOpen)
	c.publish(ctx, notify.EventTransferCompleted, tx, "")
	return c.outcome(tx, res), nil
}

// reject moves the pending record to rejected and returns cause. The record
// update survives caller cancellation. Failures that moved no money through
// no fault of the request free its idempotency key so a retry runs again.
func (c *Coordinator) reject(ctx context.Context, tx *ledger.Transaction, cause error) (*Outcome, error) {
	abandon := c.ledger.Abandon
	if tx.IdempotencyKey != "" && retryable(cause) {
		abandon = c.ledger.Release
	}
	if err := abandon(ctx, tx.ID, cause); err != nil {
		c.log(ctx).Error("failed to reject pending transfer",
			"transaction_id", tx.ID, "cause", cause, "error", err)
	} else if retryable(cause) {
		tx.IdempotencyKey = ""
	}
	tx.Status = ledger.StatusRejected
	tx.Notes = cause.Error()

	c.log(ctx).Warn("transfer rejected",
		"transaction_id", tx.ID, "actor_id", tx.SenderID, "reason", cause.Error())
	c.publish(ctx, notify.EventTransferRejected, tx, cause.Error())
	return &Outcome{Status: StatusRejected, Transaction: tx, Reason: cause.Error()}, cause
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransferFailed) || errors.Is(err, ErrTimeout)
}

// classify maps store and context failures onto transfer errors.
func (c *Coordinator) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrExchangeRateUnavailable),
		errors.Is(err, ErrInsufficientFunds),
		IsValidation(err):
		return err
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
}

// replay returns the outcome of a prior request with the same idempotency
// key, or (nil, nil) when the key is free. A pending record older than
// StalePending is taken to be an attempt whose rejection was never written;
// it is released and the key reused.
func (c *Coordinator) replay(ctx context.Context, req Request) (*Outcome, error) {
	prior, err := c.ledger.Store().FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	same, err := c.sameRequest(ctx, prior, req)
	if err != nil {
		return nil, err
	}
	if !same {
		return nil, ErrIdempotencyConflict
	}
	if prior.Status == ledger.StatusPending {
		if c.now().Sub(prior.Timestamp) < StalePending {
			return nil, ErrInProgress
		}
		err := c.ledger.Release(ctx, prior.ID, fmt.Errorf("%w: attempt abandoned", ErrTransferFailed))
		switch {
		case err == nil:
			c.log(ctx).Warn("released stale pending transfer", "transaction_id", prior.ID)
			return nil, nil
		case errors.Is(err, ledger.ErrInvalidTransition):
			// Finished or released concurrently; look again.
			return c.replay(ctx, req)
		default:
			return nil, c.classify(ctx, err)
		}
	}
	out := &Outcome{
		Status:      statusOf(prior.Status),
		Transaction: prior,
		Replayed:    true,
	}
	if prior.Status != ledger.StatusCompleted {
		out.Reason = prior.Notes
	}
	return out, nil
}

// sameRequest reports whether req asks for the transfer recorded in prior.
func (c *Coordinator) sameRequest(ctx context.Context, prior *ledger.Transaction, req Request) (bool, error) {
	if prior.Kind != ledger.KindTransfer || prior.SenderID != req.ActorID || prior.Amount != req.Amount {
		return false, nil
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil || cur != prior.Currency {
		return false, nil
	}
	credited := cur
	if req.RecipientCurrency != "" {
		if credited, err = money.NormalizeCurrency(req.RecipientCurrency); err != nil {
			return false, nil
		}
	}
	if credited != prior.CreditedCurrency {
		return false, nil
	}
	if strings.TrimSpace(req.Recipient) == prior.RecipientID {
		return true, nil
	}
	recipient, err := c.resolveRecipient(ctx, req.Recipient)
	if IsValidation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return recipient.ID == prior.RecipientID, nil
}

// Deposit credits the actor's wallet, creating it on first deposit.
func (c *Coordinator) Deposit(ctx context.Context, req DepositRequest) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "deposit",
		traces.ActorID(req.ActorID),
		traces.Amount(money.Format(req.Amount, req.Currency)),
		traces.Currency(req.Currency))
	defer func() { traces.End(span, err) }()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.IdempotencyKey != "" {
		prior, err := c.ledger.Store().FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if prior.Kind != ledger.KindDeposit || prior.RecipientID != req.ActorID || prior.Amount != req.Amount {
				return nil, ErrIdempotencyConflict
			}
			return &Outcome{Status: statusOf(prior.Status), Transaction: prior, Replayed: true}, nil
		case !errors.Is(err, ledger.ErrTransactionNotFound):
			return nil, c.classify(ctx, err)
		}
	}

	tx, err := c.ledger.Deposit(ctx, req.ActorID, req.Currency, req.Amount, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, money.ErrInvalidCurrency) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCurrency, err)
		}
		return nil, c.classify(ctx, err)
	}

	c.log(ctx).Info("deposit completed",
		"transaction_id", tx.ID, "actor_id", req.ActorID,
		"amount", money.Format(tx.Amount, tx.Currency), "currency", tx.Currency)
	c.publish(ctx, notify.EventDepositCompleted, tx, "")
	return &Outcome{Status: StatusCompleted, Transaction: tx}, nil
}

// Convert quotes amount of from in to at the current rate.
func (c *Coordinator) Convert(ctx context.Context, from, to string, amount money.Amount) (*Quote, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	f, err := money.NormalizeCurrency(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCurrency, err)
	}
	t, err := money.NormalizeCurrency(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCurrency, err)
	}

	rate := decimal.NewFromInt(1)
	if f != t {
		if rate, err = c.rate(ctx, f, t); err != nil {
			return nil, err
		}
	}
	converted, err := money.Convert(amount, f, t, rate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeRateUnavailable, err)
	}
	return &Quote{From: f, To: t, Amount: amount, Converted: converted, Rate: rate, QuotedAt: c.now()}, nil
}

func (c *Coordinator) outcome(tx *ledger.Transaction, res *risk.Result) *Outcome {
	return &Outcome{
		Status:      statusOf(tx.Status),
		Transaction: tx,
		Verdict:     res.Verdict,
		Score:       res.Score,
		FailOpen:    res.FailOpen,
		Cached:      res.Cached,
	}
}

// publish hands the outcome to the notifier. Notifier failures are logged
// and never affect the transfer.
func (c *Coordinator) publish(ctx context.Context, t notify.EventType, tx *ledger.Transaction, reason string) {
	if c.notifier == nil {
		return
	}
	e := notify.NewEvent(t)
	e.TransactionID = tx.ID
	e.ActorID = tx.SenderID
	e.RecipientID = tx.RecipientID
	e.Amount = tx.Amount
	e.Currency = tx.Currency
	e.CreditedAmount = tx.CreditedAmount
	e.CreditedCurrency = tx.CreditedCurrency
	e.Reason = reason
	if err := c.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		c.log(ctx).Warn("notification failed", "type", t, "transaction_id", tx.ID, "error", err)
	}
}

func (c *Coordinator) count(out *Outcome, err error) {
	switch {
	case out != nil && out.Replayed:
		metrics.TransfersTotal.WithLabelValues("replayed").Inc()
	case out != nil:
		metrics.TransfersTotal.WithLabelValues(string(out.Status)).Inc()
		if out.Status == StatusRejected {
			metrics.TransferRejectionsTotal.WithLabelValues(reasonLabel(err)).Inc()
		}
	case err != nil:
		metrics.TransfersTotal.WithLabelValues("invalid").Inc()
		metrics.TransferRejectionsTotal.WithLabelValues(reasonLabel(err)).Inc()
	}
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrExchangeRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrInProgress):
		return "idempotency"
	case IsValidation(err):
		return "validation"
	default:
		return "failed"
	}
}
