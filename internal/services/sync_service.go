package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/clubpoints/backend/internal/config"
	"github.com/clubpoints/backend/internal/models"
	"github.com/clubpoints/backend/internal/provider"
	"github.com/google/uuid"
)

// SyncRequest is one intent to mutate the external provider's points
// balance. ReferenceID is the idempotency anchor: a verified log for the
// same reference means the mutation already took effect.
type SyncRequest struct {
	ExternalUsername string
	Delta            int64
	OperationType    string
	ReferenceID      string
	ReversalOfLogID  *string
}

// SyncResult reports the outcome of a sync. Verified means the balance
// delta was observed; RequiresReprocessing means all attempts were
// exhausted and the log was queued for operator-triggered reprocessing.
type SyncResult struct {
	Verified             bool   `json:"verified"`
	BalanceBefore        int64  `json:"balanceBefore"`
	BalanceAfter         int64  `json:"balanceAfter"`
	Attempts             int    `json:"attempts"`
	LogID                string `json:"logId,omitempty"`
	Duplicate            bool   `json:"duplicate,omitempty"`
	Skipped              bool   `json:"skipped,omitempty"`
	RequiresReprocessing bool   `json:"requiresReprocessing,omitempty"`
}

// ReprocessResult summarizes one drain of the reprocessing queue.
type ReprocessResult struct {
	Reprocessed int      `json:"reprocessed"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncService is the adapter to the external, eventually consistent
// loyalty-points provider. Every write is verified by comparing balance
// reads around it; each retry attempt performs a fresh before/write/after
// cycle because external state can move out-of-band between attempts.
type SyncService struct {
	db       *sql.DB
	provider provider.Client
	cfg      *config.EngineConfig
	audit    *AuditLogger
	sleep    func(time.Duration)
}

func NewSyncService(db *sql.DB, client provider.Client, cfg *config.EngineConfig) *SyncService {
	return &SyncService{
		db:       db,
		provider: client,
		cfg:      cfg,
		audit:    NewAuditLogger(),
		sleep:    time.Sleep,
	}
}

// SyncPoints performs a verified additive write against the provider.
// Idempotent on ReferenceID. After exhausting attempts without
// verification it persists a log with requires_reprocessing set and
// returns ErrVerificationFailed.
func (s *SyncService) SyncPoints(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	if req.ExternalUsername == "" {
		return nil, fmt.Errorf("%w: external username is required", ErrInvalidRequest)
	}
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidRequest)
	}
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: reference id is required", ErrInvalidRequest)
	}

	if prior, err := s.verifiedByReference(req.ReferenceID); err != nil {
		return nil, err
	} else if prior != nil {
		log.Printf("[SYNC] Reference %s already verified by log %s", req.ReferenceID, prior.ID)
		return &SyncResult{
			Verified:      true,
			BalanceBefore: prior.BalanceBefore,
			BalanceAfter:  prior.BalanceAfter,
			Attempts:      prior.Attempts,
			LogID:         prior.ID,
			Duplicate:     true,
		}, nil
	}

	var before, after int64
	var lastErr error

	for attempt := 1; attempt <= s.cfg.SyncMaxAttempts; attempt++ {
		result, done, err := s.attempt(ctx, req, attempt, &before, &after)
		if done {
			return result, err
		}
		lastErr = err

		if attempt < s.cfg.SyncMaxAttempts {
			s.sleep(time.Duration(attempt) * s.cfg.SyncBaseDelay)
		}
	}

	logRow, logErr := s.insertLog(req, &models.ExternalSyncLog{
		Success:              false,
		Verified:             false,
		BalanceBefore:        before,
		BalanceAfter:         after,
		Attempts:             s.cfg.SyncMaxAttempts,
		RequiresReprocessing: true,
		ErrorMessage:         errString(lastErr),
	})
	if logErr != nil {
		return nil, logErr
	}

	s.audit.LogSync(req.ReferenceID, req.ExternalUsername, req.Delta, "UNVERIFIED", s.cfg.SyncMaxAttempts)
	s.audit.LogError(req.ReferenceID, "", lastErr)
	result := &SyncResult{
		Verified:             false,
		BalanceBefore:        before,
		BalanceAfter:         after,
		Attempts:             s.cfg.SyncMaxAttempts,
		LogID:                logRow.ID,
		RequiresReprocessing: true,
	}
	return result, fmt.Errorf("%w: reference %s after %d attempts", ErrVerificationFailed, req.ReferenceID, s.cfg.SyncMaxAttempts)
}

// attempt runs one before/write/settle/after/verify cycle. done=true means
// the overall call is decided (verified, or a terminal business rejection).
func (s *SyncService) attempt(ctx context.Context, req *SyncRequest, attempt int, before, after *int64) (*SyncResult, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncAttemptTimeout)
	defer cancel()

	b, err := s.provider.Balance(attemptCtx, req.ExternalUsername)
	if err != nil {
		log.Printf("[SYNC] Attempt %d: balance-before read failed for %s: %v", attempt, req.ExternalUsername, err)
		return nil, false, err
	}
	*before = b

	// A debit the provider will reject is not worth attempting.
	if req.Delta < 0 && b < -req.Delta {
		logRow, logErr := s.insertLog(req, &models.ExternalSyncLog{
			Success:       false,
			Verified:      false,
			BalanceBefore: b,
			BalanceAfter:  b,
			Attempts:      attempt,
			ErrorMessage:  "insufficient external balance",
		})
		if logErr != nil {
			return nil, true, logErr
		}
		result := &SyncResult{BalanceBefore: b, BalanceAfter: b, Attempts: attempt, LogID: logRow.ID}
		return result, true, fmt.Errorf("%w: external balance %d, debit %d", ErrInsufficientBalance, b, -req.Delta)
	}

	if err := s.provider.AddPoints(attemptCtx, req.ExternalUsername, req.Delta); err != nil {
		// The write may still have landed; the next attempt re-reads.
		log.Printf("[SYNC] Attempt %d: write failed for %s: %v", attempt, req.ExternalUsername, err)
		return nil, false, err
	}

	s.sleep(s.cfg.SyncSettleDelay)

	a, err := s.provider.Balance(attemptCtx, req.ExternalUsername)
	if err != nil {
		log.Printf("[SYNC] Attempt %d: balance-after read failed for %s: %v", attempt, req.ExternalUsername, err)
		return nil, false, err
	}
	*after = a

	if a-b != req.Delta {
		log.Printf("[SYNC] Attempt %d: verification mismatch for %s: before=%d after=%d delta=%d",
			attempt, req.ExternalUsername, b, a, req.Delta)
		return nil, false, fmt.Errorf("verification mismatch: before=%d after=%d delta=%d", b, a, req.Delta)
	}

	logRow, logErr := s.insertLog(req, &models.ExternalSyncLog{
		Success:       true,
		Verified:      true,
		BalanceBefore: b,
		BalanceAfter:  a,
		Attempts:      attempt,
	})
	if logErr != nil {
		return nil, true, logErr
	}

	s.audit.LogSync(req.ReferenceID, req.ExternalUsername, req.Delta, "VERIFIED", attempt)
	return &SyncResult{
		Verified:      true,
		BalanceBefore: b,
		BalanceAfter:  a,
		Attempts:      attempt,
		LogID:         logRow.ID,
	}, true, nil
}

// Reverse undoes a previously verified sync: same mechanics with a negated
// delta and a fresh reference id so idempotency does not collide with the
// original grant. Skipped when the member has no debitable external
// username.
func (s *SyncService) Reverse(ctx context.Context, originalLogID string) (*SyncResult, error) {
	original, err := s.logByID(originalLogID)
	if err != nil {
		return nil, err
	}
	if !original.Verified {
		return nil, fmt.Errorf("%w: log %s was never verified, nothing to reverse", ErrInvalidRequest, originalLogID)
	}

	if anonymousUsername(original.ExternalUsername) {
		log.Printf("[SYNC] Skipping reversal of log %s: anonymous external username", originalLogID)
		return &SyncResult{Skipped: true}, nil
	}

	return s.SyncPoints(ctx, &SyncRequest{
		ExternalUsername: original.ExternalUsername,
		Delta:            -original.PointsDelta,
		OperationType:    original.OperationType + "_reversal",
		ReferenceID:      uuid.NewString(),
		ReversalOfLogID:  &original.ID,
	})
}

// Reprocess drains the requires_reprocessing queue. Idempotent on
// reference id: entries whose reference has since been verified are
// cleared without touching the provider.
func (s *SyncService) Reprocess(ctx context.Context, performedBy string) (*ReprocessResult, error) {
	pending, err := s.PendingReprocessing()
	if err != nil {
		return nil, err
	}

	result := &ReprocessResult{}
	for i := range pending {
		entry := &pending[i]

		verified, err := s.verifiedByReference(entry.ReferenceID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ReferenceID, err))
			continue
		}
		if verified != nil {
			if err := s.clearReprocessing(entry.ID); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ReferenceID, err))
				continue
			}
			result.Skipped++
			continue
		}

		_, err = s.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: entry.ExternalUsername,
			Delta:            entry.PointsDelta,
			OperationType:    entry.OperationType,
			ReferenceID:      entry.ReferenceID,
			ReversalOfLogID:  entry.ReversalOfLogID,
		})
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ReferenceID, err))
			continue
		}

		if err := s.clearReprocessing(entry.ID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ReferenceID, err))
			continue
		}
		result.Reprocessed++
	}

	s.audit.LogOperation(uuid.NewString(), "", "SYNC_REPROCESS",
		fmt.Sprintf("by=%s reprocessed=%d skipped=%d failed=%d", performedBy, result.Reprocessed, result.Skipped, result.Failed))
	return result, nil
}

// PendingReprocessing lists sync logs awaiting reprocessing, oldest first.
func (s *SyncService) PendingReprocessing() ([]models.ExternalSyncLog, error) {
	rows, err := s.db.Query(`
		SELECT id, external_username, points_delta, success, balance_before, balance_after,
		       verified, attempts, requires_reprocessing, operation_type, reference_id,
		       reversal_of_log_id, COALESCE(error_message, ''), created_at
		FROM external_sync_logs
		WHERE requires_reprocessing
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	logs := []models.ExternalSyncLog{}
	for rows.Next() {
		entry, err := scanSyncLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *entry)
	}

	return logs, rows.Err()
}

func (s *SyncService) insertLog(req *SyncRequest, outcome *models.ExternalSyncLog) (*models.ExternalSyncLog, error) {
	entry := outcome
	entry.ID = uuid.NewString()
	entry.ExternalUsername = req.ExternalUsername
	entry.PointsDelta = req.Delta
	entry.OperationType = req.OperationType
	entry.ReferenceID = req.ReferenceID
	entry.ReversalOfLogID = req.ReversalOfLogID
	entry.CreatedAt = time.Now()

	_, err := s.db.Exec(`
		INSERT INTO external_sync_logs
		(id, external_username, points_delta, success, balance_before, balance_after,
		 verified, attempts, requires_reprocessing, operation_type, reference_id,
		 reversal_of_log_id, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14)`,
		entry.ID, entry.ExternalUsername, entry.PointsDelta, entry.Success,
		entry.BalanceBefore, entry.BalanceAfter, entry.Verified, entry.Attempts,
		entry.RequiresReprocessing, entry.OperationType, entry.ReferenceID,
		entry.ReversalOfLogID, entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return entry, nil
}

func (s *SyncService) verifiedByReference(referenceID string) (*models.ExternalSyncLog, error) {
	row := s.db.QueryRow(`
		SELECT id, external_username, points_delta, success, balance_before, balance_after,
		       verified, attempts, requires_reprocessing, operation_type, reference_id,
		       reversal_of_log_id, COALESCE(error_message, ''), created_at
		FROM external_sync_logs
		WHERE reference_id = $1 AND verified
		LIMIT 1`, referenceID)

	entry, err := scanSyncLog(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *SyncService) logByID(logID string) (*models.ExternalSyncLog, error) {
	row := s.db.QueryRow(`
		SELECT id, external_username, points_delta, success, balance_before, balance_after,
		       verified, attempts, requires_reprocessing, operation_type, reference_id,
		       reversal_of_log_id, COALESCE(error_message, ''), created_at
		FROM external_sync_logs
		WHERE id = $1`, logID)

	entry, err := scanSyncLog(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: sync log %s not found", ErrInvalidRequest, logID)
	}
	return entry, err
}

func (s *SyncService) clearReprocessing(logID string) error {
	_, err := s.db.Exec(`
		UPDATE external_sync_logs SET requires_reprocessing = FALSE WHERE id = $1`, logID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func scanSyncLog(scan func(...any) error) (*models.ExternalSyncLog, error) {
	entry := &models.ExternalSyncLog{}
	var reversalOf sql.NullString
	err := scan(&entry.ID, &entry.ExternalUsername, &entry.PointsDelta, &entry.Success,
		&entry.BalanceBefore, &entry.BalanceAfter, &entry.Verified, &entry.Attempts,
		&entry.RequiresReprocessing, &entry.OperationType, &entry.ReferenceID,
		&reversalOf, &entry.ErrorMessage, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if reversalOf.Valid {
		entry.ReversalOfLogID = &reversalOf.String
	}
	return entry, nil
}

func anonymousUsername(username string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(username))
	return trimmed == "" || trimmed == "anonymous"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
