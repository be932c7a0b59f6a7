package models

import "time"

// Currency enumerates the three reward types. ExternalPoints live in the
// external loyalty provider and are never ledgered locally, only mirrored
// through external_sync_logs; the internal currencies are ledgered and
// materialized in balances.
type Currency string

const (
	ExternalPoints  Currency = "EXTERNAL_POINTS"
	InternalCoins   Currency = "COINS"
	InternalTickets Currency = "TICKETS"
)

// Internal reports whether the currency is backed by the local ledger.
func (c Currency) Internal() bool {
	return c == InternalCoins || c == InternalTickets
}

// Valid reports whether the currency is one of the known reward types.
func (c Currency) Valid() bool {
	return c == ExternalPoints || c.Internal()
}

// InternalCurrencies lists the locally ledgered currencies in a stable order.
var InternalCurrencies = []Currency{InternalCoins, InternalTickets}

// Source identifies what produced a ledger entry.
type Source string

const (
	SourceDailyReward    Source = "DAILY_REWARD"
	SourceGame           Source = "GAME"
	SourceAdmin          Source = "ADMIN"
	SourceRaffle         Source = "RAFFLE"
	SourceReconciliation Source = "RECONCILIATION"
	SourceMerge          Source = "MERGE"
	SourceReversal       Source = "REVERSAL"
)

// Valid reports whether the source is a known producer.
func (s Source) Valid() bool {
	switch s {
	case SourceDailyReward, SourceGame, SourceAdmin, SourceRaffle,
		SourceReconciliation, SourceMerge, SourceReversal:
		return true
	}
	return false
}

// AllowsDebit reports whether entries from this source may carry negative
// deltas. Organic reward sources only ever credit; corrections come from
// operator-controlled sources.
func (s Source) AllowsDebit() bool {
	switch s {
	case SourceAdmin, SourceReversal, SourceReconciliation, SourceMerge:
		return true
	}
	return false
}

// Entry statuses. The idempotency key is unique only across CONFIRMED
// entries, so failed attempts never block a retry with the same key.
const (
	EntryStatusPending   = "PENDING"
	EntryStatusConfirmed = "CONFIRMED"
	EntryStatusFailed    = "FAILED"
)

// LedgerEntry is an immutable row in the append-only transaction log.
// The sum of deltas over CONFIRMED entries for an (account, currency) is
// the ground-truth balance the materialized row must match.
type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	AccountID      string    `json:"accountId" db:"account_id"`
	Currency       Currency  `json:"currency" db:"currency"`
	Delta          int64     `json:"delta" db:"delta"`
	Reason         string    `json:"reason" db:"reason"`
	Source         Source    `json:"source" db:"source"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	Status         string    `json:"status" db:"status"`
	ReferenceID    string    `json:"referenceId,omitempty" db:"reference_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Balance is the materialized current amount for one (account, currency).
// Mutated only by the reward and reconciliation services.
type Balance struct {
	AccountID string    `json:"accountId" db:"account_id"`
	Currency  Currency  `json:"currency" db:"currency"`
	Amount    int64     `json:"amount" db:"amount"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
