package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/clubpoints/backend/internal/models"
)

// Award outcome statuses. UI layers must branch on these, never on the
// absence of an error.
const (
	AwardStatusApplied   = "APPLIED"
	AwardStatusDuplicate = "DUPLICATE"
	AwardStatusRejected  = "REJECTED"
)

// AwardRequest is a reward intent. The idempotency key is caller-generated
// and globally unique per logical reward event, typically
// "<source>:<accountId>:<eventId>".
type AwardRequest struct {
	AccountID      string          `json:"accountId" validate:"required"`
	Currency       models.Currency `json:"currency" validate:"required"`
	Amount         int64           `json:"amount" validate:"required"`
	Source         models.Source   `json:"source" validate:"required"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required"`
	Reason         string          `json:"reason"`
}

// AwardResult distinguishes applied, already-applied and rejected
// outcomes. NewBalance is set for internal currencies, Sync for external
// points.
type AwardResult struct {
	Status     string          `json:"status"`
	AccountID  string          `json:"accountId"`
	Currency   models.Currency `json:"currency"`
	NewBalance int64           `json:"newBalance,omitempty"`
	EntryID    string          `json:"entryId,omitempty"`
	Sync       *SyncResult     `json:"sync,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// RewardService is the single entry point for reward settlement. It routes
// intents to the ledger store (internal currencies) or the external sync
// adapter (external points) and enforces at-most-once application.
type RewardService struct {
	db       *sql.DB
	ledger   *LedgerStore
	accounts *AccountService
	sync     *SyncService
	locker   AccountLocker
	audit    *AuditLogger
}

func NewRewardService(db *sql.DB, ledger *LedgerStore, accounts *AccountService, sync *SyncService, locker AccountLocker) *RewardService {
	return &RewardService{
		db:       db,
		ledger:   ledger,
		accounts: accounts,
		sync:     sync,
		locker:   locker,
		audit:    NewAuditLogger(),
	}
}

// Award applies one reward intent at most once. Safe to retry with the
// same idempotency key after any error.
func (s *RewardService) Award(ctx context.Context, req *AwardRequest) (*AwardResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	// A write aimed at a superseded account lands on its canonical account.
	account, err := s.accounts.ResolveCanonical(req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.ID != req.AccountID {
		log.Printf("[REWARD] Redirecting award from merged account %s to %s", req.AccountID, account.ID)
	}

	if req.Currency == models.ExternalPoints {
		return s.awardExternal(ctx, account, req)
	}
	return s.awardInternal(ctx, account, req)
}

func (s *RewardService) validate(req *AwardRequest) error {
	if req.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidRequest)
	}
	if !req.Currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", ErrInvalidRequest, req.Currency)
	}
	if !req.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, req.Source)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if req.Amount < 0 && !req.Source.AllowsDebit() {
		return fmt.Errorf("%w: source %s may not debit", ErrInvalidRequest, req.Source)
	}
	return nil
}

func (s *RewardService) awardInternal(ctx context.Context, account *models.Account, req *AwardRequest) (*AwardResult, error) {
	// Resolution happened before the lock, so a merge can land in between
	// and deactivate the account we resolved to. Re-check under the lock
	// and chase the new canonical account if it did; a merge holds both
	// account locks, so once this check passes no merge can supersede the
	// account for the rest of the critical section.
	for hops := 0; ; hops++ {
		release, err := s.locker.Lock(ctx, account.ID)
		if err != nil {
			return nil, err
		}

		fresh, err := s.accounts.GetByID(account.ID)
		if err != nil {
			release()
			return nil, err
		}
		if fresh.Active && fresh.MergedInto == nil {
			defer release()
			account = fresh
			break
		}

		release()
		if hops >= maxMergeHops {
			return nil, fmt.Errorf("%w: account %s kept moving during award", ErrConcurrencyConflict, req.AccountID)
		}
		log.Printf("[REWARD] Account %s was merged mid-award, re-resolving", account.ID)
		account, err = s.accounts.ResolveCanonical(account.ID)
		if err != nil {
			return nil, err
		}
	}

	// Fast path: the key was already applied.
	if prior, err := s.ledger.ConfirmedByIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return s.duplicateResult(account.ID, req.Currency, prior)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	current, err := s.ledger.lockBalanceTx(tx, account.ID, req.Currency)
	if err != nil {
		return nil, err
	}

	newAmount := current + req.Amount
	if newAmount < 0 {
		tx.Rollback()
		// The rejection itself is durable, outside the rolled-back tx.
		failed := &models.LedgerEntry{
			AccountID:      account.ID,
			Currency:       req.Currency,
			Delta:          req.Amount,
			Reason:         "insufficient balance",
			Source:         req.Source,
			IdempotencyKey: req.IdempotencyKey,
			Status:         models.EntryStatusFailed,
			ReferenceID:    req.IdempotencyKey,
		}
		if insErr := s.ledger.InsertEntry(failed); insErr != nil {
			log.Printf("[REWARD] Failed to record rejected award %s: %v", req.IdempotencyKey, insErr)
			s.audit.LogError(req.IdempotencyKey, account.ID, insErr)
		}
		s.audit.LogAward(req.IdempotencyKey, account.ID, string(req.Currency), req.Amount, AwardStatusRejected)
		result := &AwardResult{
			Status:     AwardStatusRejected,
			AccountID:  account.ID,
			Currency:   req.Currency,
			NewBalance: current,
			Message:    "insufficient balance",
		}
		return result, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, current, req.Amount)
	}

	entry := &models.LedgerEntry{
		AccountID:      account.ID,
		Currency:       req.Currency,
		Delta:          req.Amount,
		Reason:         req.Reason,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.EntryStatusConfirmed,
		ReferenceID:    req.IdempotencyKey,
	}
	if err := s.ledger.insertEntryTx(tx, entry); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			// Lost the race against a concurrent duplicate submission.
			tx.Rollback()
			prior, lookupErr := s.ledger.ConfirmedByIdempotencyKey(req.IdempotencyKey)
			if lookupErr != nil || prior == nil {
				return nil, fmt.Errorf("%w: duplicate entry vanished for key %s", ErrConcurrencyConflict, req.IdempotencyKey)
			}
			return s.duplicateResult(account.ID, req.Currency, prior)
		}
		return nil, err
	}

	if err := s.ledger.updateBalanceTx(tx, account.ID, req.Currency, newAmount); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.audit.LogAward(req.IdempotencyKey, account.ID, string(req.Currency), req.Amount, AwardStatusApplied)
	return &AwardResult{
		Status:     AwardStatusApplied,
		AccountID:  account.ID,
		Currency:   req.Currency,
		NewBalance: newAmount,
		EntryID:    entry.ID,
	}, nil
}

func (s *RewardService) awardExternal(ctx context.Context, account *models.Account, req *AwardRequest) (*AwardResult, error) {
	if account.ExternalUsername == "" {
		return nil, fmt.Errorf("%w: account %s has no external username", ErrInvalidRequest, account.ID)
	}

	result, err := s.sync.SyncPoints(ctx, &SyncRequest{
		ExternalUsername: account.ExternalUsername,
		Delta:            req.Amount,
		OperationType:    string(req.Source),
		ReferenceID:      req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	status := AwardStatusApplied
	if result.Duplicate {
		status = AwardStatusDuplicate
	}
	s.audit.LogAward(req.IdempotencyKey, account.ID, string(req.Currency), req.Amount, status)
	return &AwardResult{
		Status:    status,
		AccountID: account.ID,
		Currency:  req.Currency,
		Sync:      result,
	}, nil
}

func (s *RewardService) duplicateResult(accountID string, currency models.Currency, prior *models.LedgerEntry) (*AwardResult, error) {
	balance, err := s.ledger.Balance(accountID, currency)
	if err != nil {
		return nil, err
	}
	return &AwardResult{
		Status:     AwardStatusDuplicate,
		AccountID:  accountID,
		Currency:   currency,
		NewBalance: balance,
		EntryID:    prior.ID,
		Message:    "reward already applied",
	}, nil
}
