package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestReservationService_Reserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)
	service := NewReservationService(db, store, 2*time.Minute, 2)

	t.Run("successful reservation debits and records the hold", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(20, 1))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-5), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(15, 2))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct-1", "DEBIT", int64(-5), int64(15), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO reservations").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(5), "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		res, err := service.Reserve(context.Background(), "acct-1", 5)
		assert.NoError(t, err)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, "acct-1", res.AccountID)
		assert.Equal(t, int64(5), res.Amount)
		assert.Equal(t, "PENDING", res.State)
		assert.True(t, res.ExpiresAt.After(res.CreatedAt))
	})

	t.Run("insufficient balance has no side effects", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(3, 1))

		_, err := service.Reserve(context.Background(), "acct-1", 5)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("stale read retries against the fresh balance", func(t *testing.T) {
		// First cycle reads a balance that a concurrent debit invalidates
		// before our write lands.
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(5, 1))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-5), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))
		mock.ExpectRollback()

		// Retry sees the post-debit balance and fails cleanly rather than
		// double-spending the stale one.
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(0, 2))

		_, err := service.Reserve(context.Background(), "acct-1", 5)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("sustained conflicts surface as contention", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("SELECT balance, version FROM accounts").
				WithArgs("acct-1").
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(20, i+1))
			mock.ExpectBegin()
			mock.ExpectQuery("UPDATE accounts").
				WithArgs(int64(-5), sqlmock.AnyArg(), "acct-1", i+1).
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))
			mock.ExpectRollback()
		}

		_, err := service.Reserve(context.Background(), "acct-1", 5)
		assert.ErrorIs(t, err, ErrContention)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := service.Reserve(context.Background(), "acct-1", 0)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationService_GetReservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)
	service := NewReservationService(db, store, 2*time.Minute, 0)

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, account_id, amount, state, created_at, expires_at").
			WithArgs("res-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "state", "created_at", "expires_at"}).
				AddRow("res-1", "acct-1", 5, "PENDING", now, now.Add(2*time.Minute)))

		res, err := service.GetReservation(context.Background(), "res-1")
		assert.NoError(t, err)
		assert.Equal(t, "PENDING", res.State)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, account_id, amount, state, created_at, expires_at").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "state", "created_at", "expires_at"}))

		_, err := service.GetReservation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrReservationNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
