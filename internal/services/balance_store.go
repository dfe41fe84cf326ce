package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leafguard/backend/internal/models"
)

// ReserveLedger is the slice of the balance store that reservation placement
// depends on: a versioned balance read and a compare-and-swap debit that
// records the reservation atomically with the balance change.
type ReserveLedger interface {
	GetBalance(ctx context.Context, accountID string) (int64, int, error)
	ReserveDebit(ctx context.Context, res *models.Reservation, expectedVersion int) error
}

// BalanceStore is the single write path for account balances. Every mutation
// goes through ApplyDeltaTx, which performs an optimistic compare-and-swap on
// the account version and appends the matching ledger entry in the same
// database transaction. No other code writes accounts.balance.
type BalanceStore struct {
	db *sql.DB
}

func NewBalanceStore(db *sql.DB) *BalanceStore {
	return &BalanceStore{db: db}
}

// GetBalance returns the current balance and version for an account.
func (s *BalanceStore) GetBalance(ctx context.Context, accountID string) (int64, int, error) {
	var balance int64
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, version FROM accounts WHERE id = $1`,
		accountID).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return 0, 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return balance, version, nil
}

// ApplyDeltaTx applies a signed delta to the account balance inside tx. The
// write succeeds only if the stored version still matches expectedVersion;
// otherwise ErrVersionConflict is returned and the caller must re-read and
// retry. The balance >= 0 predicate backstops the non-negativity invariant,
// sufficiency checks belong to the caller.
func (s *BalanceStore) ApplyDeltaTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, expectedVersion int, entryType, reference string) (int64, int, error) {
	var newBalance int64
	var newVersion int
	err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND balance + $1 >= 0
		RETURNING balance, version`,
		delta, time.Now(), accountID, expectedVersion).Scan(&newBalance, &newVersion)
	if err == sql.ErrNoRows {
		return 0, 0, ErrVersionConflict
	}
	if err != nil {
		return 0, 0, err
	}

	if err := s.appendEntryTx(ctx, tx, accountID, entryType, delta, newBalance, reference); err != nil {
		return 0, 0, err
	}

	return newBalance, newVersion, nil
}

// ReserveDebit debits res.Amount from res.AccountID and inserts the PENDING
// reservation row in one transaction, guarded by expectedVersion. A version
// conflict or a balance that cannot cover the amount surfaces as
// ErrVersionConflict; the caller re-reads and decides.
func (s *BalanceStore) ReserveDebit(ctx context.Context, res *models.Reservation, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, _, err := s.ApplyDeltaTx(ctx, tx, res.AccountID, -res.Amount, expectedVersion, models.EntryDebit, res.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, amount, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.AccountID, res.Amount, res.State, res.CreatedAt, res.ExpiresAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *BalanceStore) appendEntryTx(ctx context.Context, tx *sql.Tx, accountID, entryType string, delta, balanceAfter int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, entry_type, delta, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, entryType, delta, balanceAfter, reference, time.Now())
	return err
}

// Reconcile recomputes the balance from the ledger and compares it with the
// stored value. The two must always agree for an account with no in-flight
// transaction.
func (s *BalanceStore) Reconcile(ctx context.Context, accountID string) (stored int64, derived int64, err error) {
	stored, _, err = s.GetBalance(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&derived)
	if err != nil {
		return 0, 0, err
	}

	if stored != derived {
		return stored, derived, fmt.Errorf("%w: account %s stored=%d derived=%d",
			ErrBalanceLedgerDivergence, accountID, stored, derived)
	}
	return stored, derived, nil
}

// ListEntries returns the most recent ledger entries for an account, newest first.
func (s *BalanceStore) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, entry_type, delta, balance_after, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Delta, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
