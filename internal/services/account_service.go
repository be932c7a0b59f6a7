package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clubpoints/backend/internal/models"
	"github.com/google/uuid"
)

// maxMergeHops bounds merged_into chain traversal; chains longer than this
// indicate corrupted data, not legitimate merges.
const maxMergeHops = 5

// AccountService owns the member identity records: creation on first
// activity, identity claims, and canonical resolution for merged accounts.
type AccountService struct {
	db *sql.DB
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db}
}

// GetByID loads one account.
func (s *AccountService) GetByID(accountID string) (*models.Account, error) {
	return s.scanAccount(s.db.QueryRow(`
		SELECT id, external_identity_id, external_username, display_name, active, merged_into, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID))
}

// ResolveCanonical loads the account and follows merged_into pointers to
// the active canonical account. The reward router calls this so writes to
// a superseded account transparently land on the canonical one.
func (s *AccountService) ResolveCanonical(accountID string) (*models.Account, error) {
	account, err := s.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	for hops := 0; account.MergedInto != nil && *account.MergedInto != ""; hops++ {
		if hops >= maxMergeHops {
			return nil, fmt.Errorf("%w: merge chain too long for account %s", ErrStorageFailure, accountID)
		}
		next, err := s.GetByID(*account.MergedInto)
		if err != nil {
			return nil, err
		}
		account = next
	}

	if !account.Active {
		return nil, fmt.Errorf("%w: account %s is inactive", ErrAccountNotFound, account.ID)
	}

	return account, nil
}

// GetOrCreate finds the account for an observed activity, creating one if
// needed. Lookup prefers the external identity id when present, falling
// back to the normalized external username.
func (s *AccountService) GetOrCreate(externalIdentityID *string, externalUsername, displayName string) (*models.Account, error) {
	var row *sql.Row
	if externalIdentityID != nil && *externalIdentityID != "" {
		row = s.db.QueryRow(`
			SELECT id, external_identity_id, external_username, display_name, active, merged_into, created_at, updated_at
			FROM accounts WHERE external_identity_id = $1 AND active`, *externalIdentityID)
	} else {
		row = s.db.QueryRow(`
			SELECT id, external_identity_id, external_username, display_name, active, merged_into, created_at, updated_at
			FROM accounts WHERE LOWER(external_username) = LOWER($1) AND active`, externalUsername)
	}

	account, err := s.scanAccount(row)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	account = &models.Account{
		ID:                 uuid.NewString(),
		ExternalIdentityID: externalIdentityID,
		ExternalUsername:   externalUsername,
		DisplayName:        displayName,
		Active:             true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, external_identity_id, external_username, display_name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		account.ID, account.ExternalIdentityID, account.ExternalUsername,
		account.DisplayName, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a create race; the winner's row is the account.
			return s.GetOrCreate(externalIdentityID, externalUsername, displayName)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	log.Printf("[ACCOUNT] Created account %s for %s", account.ID, externalUsername)
	return account, nil
}

// ClaimIdentity links an external identity to an account after the member
// logs in. The partial unique index on active accounts enforces the
// one-active-account-per-identity invariant; a violation means another
// active account already holds it, which is the duplicate situation the
// merge engine exists for.
func (s *AccountService) ClaimIdentity(accountID, externalIdentityID, externalUsername string) error {
	account, err := s.GetByID(accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return fmt.Errorf("%w: account %s is inactive", ErrInvalidRequest, accountID)
	}
	if account.Claimed() && *account.ExternalIdentityID != externalIdentityID {
		return fmt.Errorf("%w: account already linked to a different identity", ErrInvalidRequest)
	}

	_, err = s.db.Exec(`
		UPDATE accounts
		SET external_identity_id = $1, external_username = $2, updated_at = $3
		WHERE id = $4`,
		externalIdentityID, externalUsername, time.Now(), accountID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: identity already held by another active account", ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	log.Printf("[ACCOUNT] Account %s claimed identity %s (%s)", accountID, externalIdentityID, externalUsername)
	return nil
}

func (s *AccountService) scanAccount(row *sql.Row) (*models.Account, error) {
	account := &models.Account{}
	var identityID, mergedInto sql.NullString
	err := row.Scan(&account.ID, &identityID, &account.ExternalUsername,
		&account.DisplayName, &account.Active, &mergedInto,
		&account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if identityID.Valid {
		account.ExternalIdentityID = &identityID.String
	}
	if mergedInto.Valid {
		account.MergedInto = &mergedInto.String
	}
	return account, nil
}
