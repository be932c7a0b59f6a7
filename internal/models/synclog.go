package models

import "time"

// ExternalSyncLog records one attempt to mutate the external provider's
// points balance. The provider is eventually consistent and offers no
// transactions, so verification is done by comparing balance reads around
// the write. Logs with RequiresReprocessing form the operator-drained
// retry queue; reprocessing is idempotent on ReferenceID.
type ExternalSyncLog struct {
	ID                   string    `json:"id" db:"id"`
	ExternalUsername     string    `json:"externalUsername" db:"external_username"`
	PointsDelta          int64     `json:"pointsDelta" db:"points_delta"`
	Success              bool      `json:"success" db:"success"`
	BalanceBefore        int64     `json:"balanceBefore" db:"balance_before"`
	BalanceAfter         int64     `json:"balanceAfter" db:"balance_after"`
	Verified             bool      `json:"verified" db:"verified"`
	Attempts             int       `json:"attempts" db:"attempts"`
	RequiresReprocessing bool      `json:"requiresReprocessing" db:"requires_reprocessing"`
	OperationType        string    `json:"operationType" db:"operation_type"`
	ReferenceID          string    `json:"referenceId" db:"reference_id"`
	ReversalOfLogID      *string   `json:"reversalOfLogId,omitempty" db:"reversal_of_log_id"`
	ErrorMessage         string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
}
