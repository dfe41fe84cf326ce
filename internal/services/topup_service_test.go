package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestTopUpService_Credit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)
	service := NewTopUpService(db, store, nil, 2)

	t.Run("first delivery credits the account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(5, 1))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO top_ups").
			WithArgs("acct-1", int64(20), "purchase-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(20), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(25, 2))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct-1", "TOP_UP", int64(20), int64(25), "purchase-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE top_ups SET new_balance = \\$1").
			WithArgs(int64(25), "purchase-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		balance, err := service.Credit(context.Background(), "acct-1", 20, "purchase-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(25), balance)
	})

	t.Run("replayed delivery returns the recorded balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(25, 2))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO top_ups").
			WithArgs("acct-1", int64(20), "purchase-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		mock.ExpectQuery("SELECT new_balance FROM top_ups WHERE purchase_ref = \\$1").
			WithArgs("purchase-1").
			WillReturnRows(sqlmock.NewRows([]string{"new_balance"}).AddRow(25))

		balance, err := service.Credit(context.Background(), "acct-1", 20, "purchase-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(25), balance)
	})

	t.Run("exhausted retries escalate instead of dropping the credit", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("SELECT balance, version FROM accounts").
				WithArgs("acct-1").
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(25, 2))
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO top_ups").
				WithArgs("acct-1", int64(20), "purchase-2", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectQuery("UPDATE accounts").
				WithArgs(int64(20), sqlmock.AnyArg(), "acct-1", 2).
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))
			mock.ExpectRollback()
		}

		_, err := service.Credit(context.Background(), "acct-1", 20, "purchase-2")
		assert.ErrorIs(t, err, ErrTopUpWriteFailure)
	})

	t.Run("exhausted retries preserve the underlying cause", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("SELECT balance, version FROM accounts").
				WithArgs("acct-1").
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(25, 2))
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO top_ups").
				WithArgs("acct-1", int64(20), "purchase-4", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectQuery("UPDATE accounts").
				WithArgs(int64(20), sqlmock.AnyArg(), "acct-1", 2).
				WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))
			mock.ExpectRollback()
		}

		_, err := service.Credit(context.Background(), "acct-1", 20, "purchase-4")
		assert.ErrorIs(t, err, ErrTopUpWriteFailure)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("unknown account fails on the first attempt", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-ghost").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))

		_, err := service.Credit(context.Background(), "acct-ghost", 20, "purchase-5")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := service.Credit(context.Background(), "acct-1", 0, "purchase-3")
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopUpService_Credit_CachedOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	store := NewBalanceStore(db)
	service := NewTopUpService(db, store, redisClient, 2)

	t.Run("hot replay is served from cache without touching the database", func(t *testing.T) {
		redisMock.ExpectGet("topup:purchase-1").SetVal("25")

		balance, err := service.Credit(context.Background(), "acct-1", 20, "purchase-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(25), balance)
	})

	t.Run("cache miss falls through to the database", func(t *testing.T) {
		redisMock.ExpectGet("topup:purchase-4").RedisNil()
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(25, 2))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO top_ups").
			WithArgs("acct-1", int64(10), "purchase-4", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(10), sqlmock.AnyArg(), "acct-1", 2).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(35, 3))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct-1", "TOP_UP", int64(10), int64(35), "purchase-4", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE top_ups SET new_balance = \\$1").
			WithArgs(int64(35), "purchase-4").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		redisMock.ExpectSet("topup:purchase-4", int64(35), 24*time.Hour).SetVal("OK")

		balance, err := service.Credit(context.Background(), "acct-1", 10, "purchase-4")
		assert.NoError(t, err)
		assert.Equal(t, int64(35), balance)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestTopUpService_ListTopUps(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)
	service := NewTopUpService(db, store, nil, 0)

	t.Run("returns purchase history", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, account_id, amount, purchase_ref, new_balance, created_at").
			WithArgs("acct-1", 50).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "purchase_ref", "new_balance", "created_at"}).
				AddRow(2, "acct-1", 20, "purchase-2", 45, now).
				AddRow(1, "acct-1", 20, "purchase-1", 25, now))

		topUps, err := service.ListTopUps(context.Background(), "acct-1", 0)
		assert.NoError(t, err)
		assert.Len(t, topUps, 2)
		assert.Equal(t, "purchase-2", topUps[0].PurchaseRef)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
