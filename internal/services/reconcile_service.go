package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clubpoints/backend/internal/config"
	"github.com/clubpoints/backend/internal/models"
	"github.com/google/uuid"
)

// ReconcileResult is the per-account outcome of one reconciliation run.
type ReconcileResult struct {
	AccountID          string                          `json:"accountId"`
	DryRun             bool                            `json:"dryRun"`
	CorrectionsApplied bool                            `json:"correctionsApplied"`
	Currencies         []models.CurrencyReconciliation `json:"currencies"`
	AuditID            string                          `json:"auditId"`
}

// ReconcileAllResult collects a batch run. Per-account failures are
// reported, not fatal.
type ReconcileAllResult struct {
	Accounts  int               `json:"accounts"`
	Corrected int               `json:"corrected"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ReconcileService recomputes materialized balances from the confirmed
// ledger and corrects drift. The confirmed ledger is ground truth: a
// correction rewrites the stored balance to the calculated sum and leaves
// that sum untouched, so running twice with no intervening activity finds
// zero divergence the second time.
type ReconcileService struct {
	db     *sql.DB
	ledger *LedgerStore
	locker AccountLocker
	cfg    *config.EngineConfig
	audit  *AuditLogger
}

func NewReconcileService(db *sql.DB, ledger *LedgerStore, locker AccountLocker, cfg *config.EngineConfig) *ReconcileService {
	return &ReconcileService{
		db:     db,
		ledger: ledger,
		locker: locker,
		cfg:    cfg,
		audit:  NewAuditLogger(),
	}
}

// Reconcile recomputes every internal currency for one account.
// performedBy is the already-authenticated operator identity; this service
// does not re-check authorization.
func (s *ReconcileService) Reconcile(ctx context.Context, accountID, performedBy string, dryRun bool) (*ReconcileResult, error) {
	release, err := s.locker.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	result := &ReconcileResult{AccountID: accountID, DryRun: dryRun}

	for _, currency := range models.InternalCurrencies {
		stored, err := s.ledger.lockBalanceTx(tx, accountID, currency)
		if err != nil {
			return nil, err
		}
		calculated, err := s.ledger.confirmedSumTx(tx, accountID, currency)
		if err != nil {
			return nil, err
		}

		divergence := stored - calculated
		entry := models.CurrencyReconciliation{
			Currency:   currency,
			Before:     stored,
			Calculated: calculated,
			After:      stored,
			Divergence: divergence,
		}

		if divergence != 0 && !dryRun {
			// Only the materialized row drifted; the confirmed sum is the
			// target. The correction is recorded as a zero-net marker pair
			// so it is visible in the ledger without shifting the sum the
			// balance was just corrected to. Same scheme as the merge
			// markers.
			reason := fmt.Sprintf("reconciliation by %s: divergence %d", performedBy, divergence)
			marker := &models.LedgerEntry{
				AccountID: accountID,
				Currency:  currency,
				Delta:     -divergence,
				Reason:    reason,
				Source:    models.SourceReconciliation,
				Status:    models.EntryStatusConfirmed,
			}
			offset := &models.LedgerEntry{
				AccountID: accountID,
				Currency:  currency,
				Delta:     divergence,
				Reason:    reason,
				Source:    models.SourceReconciliation,
				Status:    models.EntryStatusConfirmed,
			}
			if err := s.ledger.insertEntryTx(tx, marker); err != nil {
				return nil, err
			}
			if err := s.ledger.insertEntryTx(tx, offset); err != nil {
				return nil, err
			}
			if err := s.ledger.updateBalanceTx(tx, accountID, currency, calculated); err != nil {
				return nil, err
			}
			entry.After = calculated
			entry.Corrected = true
			result.CorrectionsApplied = true
			log.Printf("[RECONCILE] Corrected %s/%s: stored=%d calculated=%d", accountID, currency, stored, calculated)
		}

		result.Currencies = append(result.Currencies, entry)
	}

	// One audit row per run, divergence or not.
	auditID, err := s.insertAuditTx(tx, accountID, performedBy, dryRun, result)
	if err != nil {
		return nil, err
	}
	result.AuditID = auditID

	// Dry runs wrote no corrections, but the audit row still commits.
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return result, nil
}

// ReconcileAll iterates every account with a balance row in bounded
// batches so no single run holds locks across the whole store.
func (s *ReconcileService) ReconcileAll(ctx context.Context, performedBy string, dryRun bool) (*ReconcileAllResult, error) {
	result := &ReconcileAllResult{Errors: map[string]string{}}
	lastID := ""

	for {
		batch, err := s.accountBatch(lastID)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, accountID := range batch {
			runResult, err := s.Reconcile(ctx, accountID, performedBy, dryRun)
			result.Accounts++
			if err != nil {
				result.Failed++
				result.Errors[accountID] = err.Error()
				continue
			}
			if runResult.CorrectionsApplied {
				result.Corrected++
			}
		}

		lastID = batch[len(batch)-1]
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	log.Printf("[RECONCILE] Batch run by %s: accounts=%d corrected=%d failed=%d (dryRun=%v)",
		performedBy, result.Accounts, result.Corrected, result.Failed, dryRun)
	return result, nil
}

func (s *ReconcileService) accountBatch(afterID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT account_id FROM balances
		WHERE account_id > $1
		ORDER BY account_id
		LIMIT $2`, afterID, s.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *ReconcileService) insertAuditTx(tx *sql.Tx, accountID, performedBy string, dryRun bool, result *ReconcileResult) (string, error) {
	details, err := json.Marshal(result.Currencies)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	auditID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO reconciliation_audits
		(id, account_id, performed_by, corrections_applied, dry_run, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		auditID, accountID, performedBy, result.CorrectionsApplied, dryRun, details, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return auditID, nil
}
