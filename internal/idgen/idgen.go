// Package idgen generates identifiers for ledger entities.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the ledger.
const (
	Account     = "acct_"
	Wallet      = "wal_"
	Transaction = "tx_"
	Assessment  = "risk_"
	Event       = "evt_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
