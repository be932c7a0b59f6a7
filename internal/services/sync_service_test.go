package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/clubpoints/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Balance(ctx context.Context, username string) (int64, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockProvider) AddPoints(ctx context.Context, username string, delta int64) error {
	return m.Called(ctx, username, delta).Error(0)
}

func newSyncService(db *sql.DB, p *mockProvider) *SyncService {
	service := NewSyncService(db, p, &config.EngineConfig{
		SyncMaxAttempts:    3,
		SyncBaseDelay:      time.Millisecond,
		SyncSettleDelay:    time.Millisecond,
		SyncAttemptTimeout: time.Second,
	})
	service.sleep = func(time.Duration) {}
	return service
}

func syncLogRows(id, username string, delta int64, verified, reprocess bool, referenceID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_username", "points_delta", "success", "balance_before", "balance_after",
		"verified", "attempts", "requires_reprocessing", "operation_type", "reference_id",
		"reversal_of_log_id", "error_message", "created_at"}).
		AddRow(id, username, delta, verified, 100, 100+delta, verified, 1, reprocess, "GAME", referenceID, nil, "", time.Now())
}

func expectNoVerifiedReference(m sqlmock.Sqlmock, referenceID string) {
	m.ExpectQuery("SELECT id, external_username, points_delta").
		WithArgs(referenceID).
		WillReturnError(sql.ErrNoRows)
}

func TestSyncService_SyncPoints(t *testing.T) {
	ctx := context.Background()

	t.Run("verifies on first attempt", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		expectNoVerifiedReference(dbMock, "ref-1")
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		p.On("AddPoints", mock.Anything, "alice", int64(50)).Return(nil).Once()
		p.On("Balance", mock.Anything, "alice").Return(int64(150), nil).Once()
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WithArgs(sqlmock.AnyArg(), "alice", int64(50), true, int64(100), int64(150),
				true, 1, false, "GAME", "ref-1", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: "alice",
			Delta:            50,
			OperationType:    "GAME",
			ReferenceID:      "ref-1",
		})

		assert.NoError(t, err)
		assert.True(t, result.Verified)
		assert.Equal(t, 1, result.Attempts)
		assert.Equal(t, int64(100), result.BalanceBefore)
		assert.Equal(t, int64(150), result.BalanceAfter)
		p.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("retries with fresh reads after an unverified write", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		expectNoVerifiedReference(dbMock, "ref-2")
		// Attempt 1: the provider accepts the write but the balance never moves.
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		p.On("AddPoints", mock.Anything, "alice", int64(50)).Return(nil).Once()
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		// Attempt 2: fresh cycle, this time the delta is observed.
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		p.On("AddPoints", mock.Anything, "alice", int64(50)).Return(nil).Once()
		p.On("Balance", mock.Anything, "alice").Return(int64(150), nil).Once()
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WithArgs(sqlmock.AnyArg(), "alice", int64(50), true, int64(100), int64(150),
				true, 2, false, "GAME", "ref-2", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: "alice",
			Delta:            50,
			OperationType:    "GAME",
			ReferenceID:      "ref-2",
		})

		assert.NoError(t, err)
		assert.True(t, result.Verified)
		assert.Equal(t, 2, result.Attempts)
		p.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("queues for reprocessing after exhausting attempts", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		expectNoVerifiedReference(dbMock, "ref-3")
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil)
		p.On("AddPoints", mock.Anything, "alice", int64(50)).Return(nil)
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WithArgs(sqlmock.AnyArg(), "alice", int64(50), false, int64(100), int64(100),
				false, 3, true, "GAME", "ref-3", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: "alice",
			Delta:            50,
			OperationType:    "GAME",
			ReferenceID:      "ref-3",
		})

		assert.ErrorIs(t, err, ErrVerificationFailed)
		assert.False(t, result.Verified)
		assert.Equal(t, 3, result.Attempts)
		assert.True(t, result.RequiresReprocessing)
		p.AssertNumberOfCalls(t, "AddPoints", 3)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejects debit beyond the external balance without writing", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		expectNoVerifiedReference(dbMock, "ref-4")
		p.On("Balance", mock.Anything, "alice").Return(int64(30), nil).Once()
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WithArgs(sqlmock.AnyArg(), "alice", int64(-50), false, int64(30), int64(30),
				false, 1, false, "REVERSAL", "ref-4", nil, "insufficient external balance", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: "alice",
			Delta:            -50,
			OperationType:    "REVERSAL",
			ReferenceID:      "ref-4",
		})

		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, 1, result.Attempts)
		p.AssertNotCalled(t, "AddPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("returns prior outcome for an already verified reference", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("ref-5").
			WillReturnRows(syncLogRows("log-1", "alice", 50, true, false, "ref-5"))

		result, err := service.SyncPoints(ctx, &SyncRequest{
			ExternalUsername: "alice",
			Delta:            50,
			OperationType:    "GAME",
			ReferenceID:      "ref-5",
		})

		assert.NoError(t, err)
		assert.True(t, result.Verified)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "log-1", result.LogID)
		p.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejects empty username", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newSyncService(db, new(mockProvider))

		_, err = service.SyncPoints(ctx, &SyncRequest{Delta: 10, ReferenceID: "ref-6"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestSyncService_Reverse(t *testing.T) {
	ctx := context.Background()

	t.Run("skips reversal for anonymous members", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("log-1").
			WillReturnRows(syncLogRows("log-1", "Anonymous", 50, true, false, "ref-1"))

		result, err := service.Reverse(ctx, "log-1")

		assert.NoError(t, err)
		assert.True(t, result.Skipped)
		p.AssertNotCalled(t, "AddPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("refuses to reverse an unverified log", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := newSyncService(db, new(mockProvider))

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("log-2").
			WillReturnRows(syncLogRows("log-2", "alice", 50, false, false, "ref-2"))

		_, err = service.Reverse(ctx, "log-2")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("reverses with negated delta and fresh reference", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("log-3").
			WillReturnRows(syncLogRows("log-3", "alice", 50, true, false, "ref-3"))
		// The reversal runs as a normal verified sync under a new reference.
		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WillReturnError(sql.ErrNoRows)
		p.On("Balance", mock.Anything, "alice").Return(int64(150), nil).Once()
		p.On("AddPoints", mock.Anything, "alice", int64(-50)).Return(nil).Once()
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WithArgs(sqlmock.AnyArg(), "alice", int64(-50), true, int64(150), int64(100),
				true, 1, false, "GAME_reversal", sqlmock.AnyArg(), "log-3", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.Reverse(ctx, "log-3")

		assert.NoError(t, err)
		assert.True(t, result.Verified)
		p.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestSyncService_Reprocess(t *testing.T) {
	ctx := context.Background()

	t.Run("clears entries whose reference has since verified", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WillReturnRows(syncLogRows("log-1", "alice", 50, false, true, "ref-1"))
		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("ref-1").
			WillReturnRows(syncLogRows("log-2", "alice", 50, true, false, "ref-1"))
		dbMock.ExpectExec("UPDATE external_sync_logs SET requires_reprocessing").
			WithArgs("log-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.Reprocess(ctx, "operator-1")

		assert.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 0, result.Reprocessed)
		p.AssertNotCalled(t, "AddPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("re-runs the verified cycle for still-pending entries", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		p := new(mockProvider)
		service := newSyncService(db, p)

		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WillReturnRows(syncLogRows("log-1", "alice", 50, false, true, "ref-1"))
		// Checked twice: once by the drain loop, once inside SyncPoints.
		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("ref-1").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectQuery("SELECT id, external_username, points_delta").
			WithArgs("ref-1").
			WillReturnError(sql.ErrNoRows)
		p.On("Balance", mock.Anything, "alice").Return(int64(100), nil).Once()
		p.On("AddPoints", mock.Anything, "alice", int64(50)).Return(nil).Once()
		p.On("Balance", mock.Anything, "alice").Return(int64(150), nil).Once()
		dbMock.ExpectExec("INSERT INTO external_sync_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("UPDATE external_sync_logs SET requires_reprocessing").
			WithArgs("log-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.Reprocess(ctx, "operator-1")

		assert.NoError(t, err)
		assert.Equal(t, 1, result.Reprocessed)
		assert.Equal(t, 0, result.Failed)
		p.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
