package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/clubpoints/backend/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func newRewardService(db *sql.DB) *RewardService {
	ledger := NewLedgerStore(db)
	accounts := NewAccountService(db)
	return NewRewardService(db, ledger, accounts, nil, NewAccountLocker(nil, time.Second, time.Second))
}

func accountRows(id string, identityID *string, username string, active bool, mergedInto *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_identity_id", "external_username", "display_name", "active", "merged_into", "created_at", "updated_at"}).
		AddRow(id, identityID, username, "Member", active, mergedInto, time.Now(), time.Now())
}

func entryRows(id, accountID string, currency models.Currency, delta int64, key string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_id", "currency", "delta", "reason", "source", "idempotency_key", "status", "reference_id", "created_at"}).
		AddRow(id, accountID, string(currency), delta, "reason", "DAILY_REWARD", key, models.EntryStatusConfirmed, key, time.Now())
}

func expectAccountLookup(mock sqlmock.Sqlmock, accountID string) {
	mock.ExpectQuery("SELECT id, external_identity_id, external_username").
		WithArgs(accountID).
		WillReturnRows(accountRows(accountID, nil, "member1", true, nil))
}

func TestRewardService_Award(t *testing.T) {
	ctx := context.Background()

	t.Run("applies internal credit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		expectAccountLookup(mock, "acct-1")
		expectAccountLookup(mock, "acct-1")
		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k1", models.EntryStatusConfirmed).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO balances").
			WithArgs("acct-1", "COINS", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-1", "COINS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(0))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", "COINS", int64(25), "daily login", "DAILY_REWARD", "k1", models.EntryStatusConfirmed, "k1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE balances SET amount").
			WithArgs(int64(25), sqlmock.AnyArg(), "acct-1", "COINS").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalCoins,
			Amount:         25,
			Source:         models.SourceDailyReward,
			IdempotencyKey: "k1",
			Reason:         "daily login",
		})

		assert.NoError(t, err)
		assert.Equal(t, AwardStatusApplied, result.Status)
		assert.Equal(t, int64(25), result.NewBalance)
		assert.NotEmpty(t, result.EntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects debit below zero and records it", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		expectAccountLookup(mock, "acct-1")
		expectAccountLookup(mock, "acct-1")
		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k2", models.EntryStatusConfirmed).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO balances").
			WithArgs("acct-1", "TICKETS", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-1", "TICKETS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(10))
		mock.ExpectRollback()

		// The rejection is durable: a FAILED entry commits on its own.
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", "TICKETS", int64(-15), "insufficient balance", "ADMIN", "k2", models.EntryStatusFailed, "k2", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalTickets,
			Amount:         -15,
			Source:         models.SourceAdmin,
			IdempotencyKey: "k2",
		})

		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, AwardStatusRejected, result.Status)
		assert.Equal(t, int64(10), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns prior result on duplicate key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		expectAccountLookup(mock, "acct-1")
		expectAccountLookup(mock, "acct-1")
		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k1", models.EntryStatusConfirmed).
			WillReturnRows(entryRows("entry-1", "acct-1", models.InternalCoins, 25, "k1"))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-1", "COINS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(25))

		result, err := service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalCoins,
			Amount:         25,
			Source:         models.SourceDailyReward,
			IdempotencyKey: "k1",
		})

		assert.NoError(t, err)
		assert.Equal(t, AwardStatusDuplicate, result.Status)
		assert.Equal(t, int64(25), result.NewBalance)
		assert.Equal(t, "entry-1", result.EntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resolves concurrent duplicate through unique constraint", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		expectAccountLookup(mock, "acct-1")
		expectAccountLookup(mock, "acct-1")
		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k1", models.EntryStatusConfirmed).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO balances").
			WithArgs("acct-1", "COINS", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-1", "COINS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(0))
		// A concurrent request with the same key won the insert race.
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k1", models.EntryStatusConfirmed).
			WillReturnRows(entryRows("entry-9", "acct-1", models.InternalCoins, 25, "k1"))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-1", "COINS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(25))

		result, err := service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalCoins,
			Amount:         25,
			Source:         models.SourceDailyReward,
			IdempotencyKey: "k1",
		})

		assert.NoError(t, err)
		assert.Equal(t, AwardStatusDuplicate, result.Status)
		assert.Equal(t, int64(25), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-resolves when a merge lands before the lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		mergedInto := "acct-new"
		// Resolution sees the account still active.
		expectAccountLookup(mock, "acct-old")
		// Under the lock it has been merged away; the award must follow.
		mock.ExpectQuery("SELECT id, external_identity_id, external_username").
			WithArgs("acct-old").
			WillReturnRows(accountRows("acct-old", nil, "member1", false, &mergedInto))
		mock.ExpectQuery("SELECT id, external_identity_id, external_username").
			WithArgs("acct-old").
			WillReturnRows(accountRows("acct-old", nil, "member1", false, &mergedInto))
		mock.ExpectQuery("SELECT id, external_identity_id, external_username").
			WithArgs("acct-new").
			WillReturnRows(accountRows("acct-new", nil, "member1", true, nil))
		// Re-check under the canonical account's lock.
		expectAccountLookup(mock, "acct-new")
		mock.ExpectQuery("SELECT id, account_id, currency, delta").
			WithArgs("k1", models.EntryStatusConfirmed).
			WillReturnRows(entryRows("entry-1", "acct-new", models.InternalCoins, 25, "k1"))
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs("acct-new", "COINS").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(25))

		result, err := service.Award(ctx, &AwardRequest{
			AccountID:      "acct-old",
			Currency:       models.InternalCoins,
			Amount:         25,
			Source:         models.SourceDailyReward,
			IdempotencyKey: "k1",
		})

		assert.NoError(t, err)
		assert.Equal(t, "acct-new", result.AccountID)
		assert.Equal(t, AwardStatusDuplicate, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects debit from organic source", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		_, err = service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalCoins,
			Amount:         -5,
			Source:         models.SourceGame,
			IdempotencyKey: "k3",
		})

		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newRewardService(db)

		_, err = service.Award(ctx, &AwardRequest{
			AccountID:      "acct-1",
			Currency:       models.InternalCoins,
			Amount:         0,
			Source:         models.SourceGame,
			IdempotencyKey: "k4",
		})

		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}
