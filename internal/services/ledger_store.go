package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clubpoints/backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// LedgerStore holds the row-level primitives for the append-only ledger
// and the materialized balances. All mutating methods run inside a caller
// supplied *sql.Tx so a ledger insert and its balance upsert commit or
// roll back together.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// isUniqueViolation reports whether err is a postgres unique-constraint
// violation (SQLSTATE 23505). The partial unique index on
// ledger_entries(idempotency_key) WHERE status = 'CONFIRMED' turns a
// concurrent duplicate insert into this error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// lockBalanceTx returns the current amount for (accountID, currency) with
// the row locked FOR UPDATE, creating a zero row first if none exists.
func (s *LedgerStore) lockBalanceTx(tx *sql.Tx, accountID string, currency models.Currency) (int64, error) {
	_, err := tx.Exec(`
		INSERT INTO balances (account_id, currency, amount, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (account_id, currency) DO NOTHING`,
		accountID, currency, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	var amount int64
	err = tx.QueryRow(`
		SELECT amount FROM balances
		WHERE account_id = $1 AND currency = $2
		FOR UPDATE`,
		accountID, currency).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return amount, nil
}

// updateBalanceTx overwrites the locked balance row.
func (s *LedgerStore) updateBalanceTx(tx *sql.Tx, accountID string, currency models.Currency, amount int64) error {
	_, err := tx.Exec(`
		UPDATE balances SET amount = $1, updated_at = $2
		WHERE account_id = $3 AND currency = $4`,
		amount, time.Now(), accountID, currency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// insertEntryTx appends a ledger entry. A unique violation on the
// confirmed idempotency key surfaces as ErrDuplicateRequest.
func (s *LedgerStore) insertEntryTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := tx.Exec(`
		INSERT INTO ledger_entries
		(id, account_id, currency, delta, reason, source, idempotency_key, status, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10)`,
		entry.ID, entry.AccountID, entry.Currency, entry.Delta, entry.Reason,
		entry.Source, entry.IdempotencyKey, entry.Status, entry.ReferenceID, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return nil
}

// InsertEntry appends a ledger entry outside any caller transaction.
// Used for durable FAILED records, which must survive the rollback of the
// operation they describe.
func (s *LedgerStore) InsertEntry(entry *models.LedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if err := s.insertEntryTx(tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// ConfirmedByIdempotencyKey returns the confirmed entry recorded for key,
// or nil when the key has not been applied.
func (s *LedgerStore) ConfirmedByIdempotencyKey(key string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var idemKey, refID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, account_id, currency, delta, reason, source, idempotency_key, status, reference_id, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1 AND status = $2`,
		key, models.EntryStatusConfirmed).Scan(
		&entry.ID, &entry.AccountID, &entry.Currency, &entry.Delta, &entry.Reason,
		&entry.Source, &idemKey, &entry.Status, &refID, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	entry.IdempotencyKey = idemKey.String
	entry.ReferenceID = refID.String
	return entry, nil
}

// confirmedSumTx computes the ledger ground truth for (accountID,
// currency): the sum of deltas over confirmed entries.
func (s *LedgerStore) confirmedSumTx(tx *sql.Tx, accountID string, currency models.Currency) (int64, error) {
	var sum int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
		WHERE account_id = $1 AND currency = $2 AND status = $3`,
		accountID, currency, models.EntryStatusConfirmed).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return sum, nil
}

// Balance reads the materialized amount, defaulting to 0 when no row
// exists yet.
func (s *LedgerStore) Balance(accountID string, currency models.Currency) (int64, error) {
	var amount int64
	err := s.db.QueryRow(`
		SELECT amount FROM balances
		WHERE account_id = $1 AND currency = $2`,
		accountID, currency).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return amount, nil
}

// Entries returns the newest ledger entries for an account.
func (s *LedgerStore) Entries(accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, currency, delta, reason, source, idempotency_key, status, reference_id, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		var idemKey, refID sql.NullString
		err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Currency, &entry.Delta,
			&entry.Reason, &entry.Source, &idemKey, &entry.Status, &refID, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		entry.IdempotencyKey = idemKey.String
		entry.ReferenceID = refID.String
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
