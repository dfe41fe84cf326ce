package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestBalanceStore_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)

	t.Run("returns balance and version", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts WHERE id = \\$1").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(42, 7))

		balance, version, err := store.GetBalance(context.Background(), "acct-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(42), balance)
		assert.Equal(t, 7, version)
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts WHERE id = \\$1").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))

		_, _, err := store.GetBalance(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceStore_ApplyDeltaTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)

	t.Run("debit succeeds and appends ledger entry", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-5), sqlmock.AnyArg(), "acct-1", 3).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(15, 4))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct-1", "DEBIT", int64(-5), int64(15), "res-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		tx, err := db.Begin()
		assert.NoError(t, err)

		newBalance, newVersion, err := store.ApplyDeltaTx(context.Background(), tx, "acct-1", -5, 3, "DEBIT", "res-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(15), newBalance)
		assert.Equal(t, 4, newVersion)
		assert.NoError(t, tx.Commit())
	})

	t.Run("stale version returns conflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-5), sqlmock.AnyArg(), "acct-1", 3).
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}))
		mock.ExpectRollback()

		tx, err := db.Begin()
		assert.NoError(t, err)

		_, _, err = store.ApplyDeltaTx(context.Background(), tx, "acct-1", -5, 3, "DEBIT", "res-1")
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, tx.Rollback())
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceStore_Reconcile(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)

	t.Run("ledger agrees with stored balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(30, 9))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\) FROM ledger_entries").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(30))

		stored, derived, err := store.Reconcile(context.Background(), "acct-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(30), stored)
		assert.Equal(t, int64(30), derived)
	})

	t.Run("divergence is reported", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, version FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(30, 9))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\) FROM ledger_entries").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(25))

		stored, derived, err := store.Reconcile(context.Background(), "acct-1")
		assert.ErrorIs(t, err, ErrBalanceLedgerDivergence)
		assert.Equal(t, int64(30), stored)
		assert.Equal(t, int64(25), derived)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceStore_ListEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewBalanceStore(db)

	t.Run("returns newest entries first", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "account_id", "entry_type", "delta", "balance_after", "reference", "created_at"}).
			AddRow(2, "acct-1", "TOP_UP", 20, 35, "purchase-1", now).
			AddRow(1, "acct-1", "DEBIT", -5, 15, "res-1", now)
		mock.ExpectQuery("SELECT id, account_id, entry_type, delta, balance_after, reference, created_at").
			WithArgs("acct-1", 50).
			WillReturnRows(rows)

		entries, err := store.ListEntries(context.Background(), "acct-1", 0)
		assert.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, "TOP_UP", entries[0].EntryType)
		assert.Equal(t, int64(-5), entries[1].Delta)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
