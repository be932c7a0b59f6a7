package models

import "time"

// CurrencyReconciliation is the per-currency outcome of one reconciliation
// run: stored balance before, ledger-calculated balance, stored balance
// after, and whether a correction was written.
type CurrencyReconciliation struct {
	Currency   Currency `json:"currency"`
	Before     int64    `json:"before"`
	Calculated int64    `json:"calculated"`
	After      int64    `json:"after"`
	Divergence int64    `json:"divergence"`
	Corrected  bool     `json:"corrected"`
}

// ReconciliationAudit is one row per reconciliation run per account.
// "No divergence found" is a valid, recorded outcome. Details holds the
// per-currency breakdown as JSON.
type ReconciliationAudit struct {
	ID                 string    `json:"id" db:"id"`
	AccountID          string    `json:"accountId" db:"account_id"`
	PerformedBy        string    `json:"performedBy" db:"performed_by"`
	CorrectionsApplied bool      `json:"correctionsApplied" db:"corrections_applied"`
	DryRun             bool      `json:"dryRun" db:"dry_run"`
	Details            string    `json:"details" db:"details"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
}

// CurrencyMerge is the per-currency balance movement of one merge.
type CurrencyMerge struct {
	Currency        Currency `json:"currency"`
	CanonicalBefore int64    `json:"canonicalBefore"`
	DuplicateBefore int64    `json:"duplicateBefore"`
	CanonicalAfter  int64    `json:"canonicalAfter"`
}

// MergeAudit is one row per executed merge. The duplicate account is never
// deleted; this row plus its merged_into pointer is the trail back.
type MergeAudit struct {
	ID                 string    `json:"id" db:"id"`
	CanonicalAccountID string    `json:"canonicalAccountId" db:"canonical_account_id"`
	DuplicateAccountID string    `json:"duplicateAccountId" db:"duplicate_account_id"`
	PerformedBy        string    `json:"performedBy" db:"performed_by"`
	Details            string    `json:"details" db:"details"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
}
