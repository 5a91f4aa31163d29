// Package transfer coordinates screened value transfers between wallets.
//
// Each transfer moves through Initiated → Validated → Scored and ends in
// exactly one of Completed, Flagged or Rejected:
//
//   - validation failures (unknown recipient, missing wallet, short balance)
//     return before any record exists
//   - once validated and priced, a pending record is written; a failed rate
//     lookup, screening error or settlement failure rejects it
//   - a rejection that moved no money for reasons outside the request frees
//     its idempotency key, so a retry with the same key runs again
//   - an anomalous verdict flags it without touching balances
//   - otherwise debit, credit and the completed status commit together
package transfer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/risk"
)

var (
	ErrInvalidRecipient        = errors.New("recipient not found")
	ErrRecipientWalletMissing  = errors.New("recipient has no wallet for this currency")
	ErrSenderWalletMissing     = errors.New("sender has no wallet for this currency")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrSameWallet              = errors.New("sender and recipient wallet are the same")
	ErrInsufficientFunds       = ledger.ErrInsufficientFunds
	ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")
	ErrTimeout                 = errors.New("transfer timed out")
	ErrTransferFailed          = errors.New("transfer failed")
	ErrIdempotencyConflict     = errors.New("idempotency key belongs to a different request")
	ErrInProgress              = errors.New("transfer with this idempotency key is still in progress")
)

// IsValidation reports whether err is a caller input problem that left no
// state behind.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidRecipient,
		ErrRecipientWalletMissing,
		ErrSenderWalletMissing,
		ErrInvalidAmount,
		ErrInvalidCurrency,
		ErrSameWallet,
		ledger.ErrAccountNotFound,
		ledger.ErrWalletNotFound,
		money.ErrInvalidCurrency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Status is the terminal state of a transfer attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFlagged   Status = "flagged"
	StatusRejected  Status = "rejected"
)

// Request asks to move Amount of Currency from the actor's wallet to the
// recipient. Recipient is an account ID or username. RecipientCurrency
// defaults to Currency; a different value converts at the provider's rate.
type Request struct {
	ActorID           string
	Recipient         string
	Amount            money.Amount
	Currency          string
	RecipientCurrency string
	Notes             string
	IdempotencyKey    string
}

// Outcome is the result of a transfer that produced a ledger record.
type Outcome struct {
	Status      Status              `json:"status"`
	Transaction *ledger.Transaction `json:"transaction"`
	Verdict     risk.Verdict        `json:"verdict,omitempty"`
	Score       float64             `json:"score,omitempty"`
	FailOpen    bool                `json:"failOpen,omitempty"`
	Cached      bool                `json:"cached,omitempty"`
	Replayed    bool                `json:"replayed,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// DepositRequest credits the actor's wallet in Currency.
type DepositRequest struct {
	ActorID        string
	Amount         money.Amount
	Currency       string
	IdempotencyKey string
}

// Quote is a conversion preview. It moves no money.
type Quote struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    money.Amount    `json:"amount"`
	Converted money.Amount    `json:"converted"`
	Rate      decimal.Decimal `json:"rate"`
	QuotedAt  time.Time       `json:"quotedAt"`
}

func statusOf(s ledger.Status) Status {
	switch s {
	case ledger.StatusCompleted:
		return StatusCompleted
	case ledger.StatusFlagged:
		return StatusFlagged
	default:
		return StatusRejected
	}
}
