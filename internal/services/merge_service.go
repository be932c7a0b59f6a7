package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/clubpoints/backend/internal/models"
	"github.com/google/uuid"
)

// MergeResult reports an executed or previewed merge.
type MergeResult struct {
	CanonicalAccountID string                 `json:"canonicalAccountId"`
	DuplicateAccountID string                 `json:"duplicateAccountId"`
	DryRun             bool                   `json:"dryRun"`
	Currencies         []models.CurrencyMerge `json:"currencies"`
	AuditID            string                 `json:"auditId,omitempty"`
}

// DuplicateCandidate is one pair flagged by the duplicate scan: an active
// claimed account and an active unclaimed account sharing a normalized
// external username. Zero-balance duplicates are flagged but not suggested
// for automatic consolidation.
type DuplicateCandidate struct {
	CanonicalAccountID string `json:"canonicalAccountId"`
	DuplicateAccountID string `json:"duplicateAccountId"`
	ExternalUsername   string `json:"externalUsername"`
	DuplicateTotal     int64  `json:"duplicateTotal"`
	AutoMergeable      bool   `json:"autoMergeable"`
}

// MergeService consolidates duplicate member identities. The duplicate
// account and its entries are never deleted: balances move, history is
// re-pointed under the canonical id, and the duplicate is deactivated with
// a merged_into pointer.
type MergeService struct {
	db       *sql.DB
	ledger   *LedgerStore
	accounts *AccountService
	locker   AccountLocker
	audit    *AuditLogger
}

func NewMergeService(db *sql.DB, ledger *LedgerStore, accounts *AccountService, locker AccountLocker) *MergeService {
	return &MergeService{
		db:       db,
		ledger:   ledger,
		accounts: accounts,
		locker:   locker,
		audit:    NewAuditLogger(),
	}
}

// historyTables are the collaborator tables whose rows follow the member
// to the canonical account on merge, keeping one unambiguous timeline.
var historyTables = []string{"ledger_entries", "game_history", "chat_messages", "raffle_winners"}

// Merge consolidates duplicate into canonical. Holds both account locks
// for the critical section so concurrent awards against either account
// cannot interleave.
func (s *MergeService) Merge(ctx context.Context, canonicalID, duplicateID, performedBy string, dryRun bool) (*MergeResult, error) {
	if canonicalID == duplicateID {
		return nil, fmt.Errorf("%w: cannot merge an account into itself", ErrInvalidRequest)
	}

	canonical, err := s.accounts.GetByID(canonicalID)
	if err != nil {
		return nil, err
	}
	duplicate, err := s.accounts.GetByID(duplicateID)
	if err != nil {
		return nil, err
	}
	if !canonical.Active {
		return nil, fmt.Errorf("%w: canonical account %s is not active", ErrInvalidRequest, canonicalID)
	}
	if !duplicate.Active || duplicate.MergedInto != nil {
		return nil, fmt.Errorf("%w: duplicate account %s is not active", ErrInvalidRequest, duplicateID)
	}

	release, err := s.locker.LockMany(ctx, canonicalID, duplicateID)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	result := &MergeResult{
		CanonicalAccountID: canonicalID,
		DuplicateAccountID: duplicateID,
		DryRun:             dryRun,
	}

	// Row locks in sorted account order, matching every other path that
	// locks these rows, so two merges over overlapping accounts cannot
	// deadlock.
	lockOrder := []string{canonicalID, duplicateID}
	sort.Strings(lockOrder)

	balances := map[string]map[models.Currency]int64{canonicalID: {}, duplicateID: {}}
	for _, currency := range models.InternalCurrencies {
		for _, accountID := range lockOrder {
			amount, err := s.ledger.lockBalanceTx(tx, accountID, currency)
			if err != nil {
				return nil, err
			}
			balances[accountID][currency] = amount
		}
		result.Currencies = append(result.Currencies, models.CurrencyMerge{
			Currency:        currency,
			CanonicalBefore: balances[canonicalID][currency],
			DuplicateBefore: balances[duplicateID][currency],
			CanonicalAfter:  balances[canonicalID][currency] + balances[duplicateID][currency],
		})
	}

	if dryRun {
		return result, nil
	}

	for _, movement := range result.Currencies {
		if err := s.ledger.updateBalanceTx(tx, canonicalID, movement.Currency, movement.CanonicalAfter); err != nil {
			return nil, err
		}
		if err := s.ledger.updateBalanceTx(tx, duplicateID, movement.Currency, 0); err != nil {
			return nil, err
		}
	}

	// Re-point history first: the duplicate's confirmed entries now count
	// toward the canonical ledger sum, which is exactly the balance that
	// moved.
	for _, table := range historyTables {
		query := fmt.Sprintf("UPDATE %s SET account_id = $1 WHERE account_id = $2", table)
		if _, err := tx.Exec(query, canonicalID, duplicateID); err != nil {
			return nil, fmt.Errorf("%w: re-pointing %s: %v", ErrStorageFailure, table, err)
		}
	}

	// Merge marker entries: a +duplicateBalance credit and its offset, so
	// the movement is visible in the ledger without double-counting the
	// re-pointed history.
	for _, movement := range result.Currencies {
		if movement.DuplicateBefore == 0 {
			continue
		}
		reason := fmt.Sprintf("merged balance from account %s by %s", duplicateID, performedBy)
		credit := &models.LedgerEntry{
			AccountID:      canonicalID,
			Currency:       movement.Currency,
			Delta:          movement.DuplicateBefore,
			Reason:         reason,
			Source:         models.SourceMerge,
			IdempotencyKey: fmt.Sprintf("merge:%s:%s:%s:in", duplicateID, canonicalID, movement.Currency),
			Status:         models.EntryStatusConfirmed,
		}
		offset := &models.LedgerEntry{
			AccountID:      canonicalID,
			Currency:       movement.Currency,
			Delta:          -movement.DuplicateBefore,
			Reason:         reason,
			Source:         models.SourceMerge,
			IdempotencyKey: fmt.Sprintf("merge:%s:%s:%s:out", duplicateID, canonicalID, movement.Currency),
			Status:         models.EntryStatusConfirmed,
		}
		if err := s.ledger.insertEntryTx(tx, credit); err != nil {
			return nil, err
		}
		if err := s.ledger.insertEntryTx(tx, offset); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		UPDATE accounts SET active = FALSE, merged_into = $1, updated_at = $2 WHERE id = $3`,
		canonicalID, time.Now(), duplicateID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	auditID, err := s.insertAuditTx(tx, canonicalID, duplicateID, performedBy, result)
	if err != nil {
		return nil, err
	}
	result.AuditID = auditID

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.audit.LogOperation(auditID, canonicalID, "MERGE",
		fmt.Sprintf("absorbed account %s by %s", duplicateID, performedBy))
	log.Printf("[MERGE] Merged account %s into %s (audit %s)", duplicateID, canonicalID, auditID)
	return result, nil
}

// ScanDuplicates flags active account pairs sharing a normalized external
// username where exactly one side has been claimed by the identity
// provider. Read-only; pairs with two different identities are deliberately
// never flagged.
func (s *MergeService) ScanDuplicates() ([]DuplicateCandidate, error) {
	rows, err := s.db.Query(`
		SELECT a.id, b.id, LOWER(b.external_username), COALESCE(SUM(bal.amount), 0)
		FROM accounts a
		JOIN accounts b
		  ON LOWER(a.external_username) = LOWER(b.external_username)
		 AND a.id <> b.id
		LEFT JOIN balances bal ON bal.account_id = b.id
		WHERE a.active AND b.active
		  AND a.external_identity_id IS NOT NULL
		  AND b.external_identity_id IS NULL
		GROUP BY a.id, b.id, LOWER(b.external_username)
		ORDER BY LOWER(b.external_username)`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	candidates := []DuplicateCandidate{}
	for rows.Next() {
		var c DuplicateCandidate
		if err := rows.Scan(&c.CanonicalAccountID, &c.DuplicateAccountID, &c.ExternalUsername, &c.DuplicateTotal); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		c.AutoMergeable = c.DuplicateTotal != 0
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

func (s *MergeService) insertAuditTx(tx *sql.Tx, canonicalID, duplicateID, performedBy string, result *MergeResult) (string, error) {
	details, err := json.Marshal(result.Currencies)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	auditID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO merge_audits
		(id, canonical_account_id, duplicate_account_id, performed_by, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		auditID, canonicalID, duplicateID, performedBy, details, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return auditID, nil
}
