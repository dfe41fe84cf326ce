package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/leafguard/backend/internal/audit"
	"github.com/leafguard/backend/internal/models"
)

const defaultReserveRetries = 3

// ReservationService atomically debits an account before a metered operation
// is attempted. The debit, the PENDING reservation row and the DEBIT ledger
// entry are written in one database transaction; concurrent reservations
// against the same account are serialized by the balance store's
// compare-and-swap, not by locks held across the external call.
type ReservationService struct {
	db         *sql.DB
	store      ReserveLedger
	audit      *audit.Logger
	ttl        time.Duration
	maxRetries int
}

func NewReservationService(db *sql.DB, store ReserveLedger, ttl time.Duration, maxRetries int) *ReservationService {
	if maxRetries <= 0 {
		maxRetries = defaultReserveRetries
	}
	return &ReservationService{
		db:         db,
		store:      store,
		audit:      audit.NewLogger(),
		ttl:        ttl,
		maxRetries: maxRetries,
	}
}

// Reserve places a hold of amount credits against the account. It returns
// ErrInsufficientBalance without side effects when the balance cannot cover
// the amount, and ErrContention once version-conflict retries are exhausted.
// The caller owns the obligation to settle the returned reservation.
func (s *ReservationService) Reserve(ctx context.Context, accountID string, amount int64) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}

	for attempt := 0; ; attempt++ {
		res, err := s.tryReserve(ctx, accountID, amount)
		if err == nil {
			s.audit.LogReservation(res.ID, accountID, amount, models.ReservationPending)
			return res, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if attempt >= s.maxRetries-1 {
			log.Printf("[RESERVE] contention on account %s after %d attempts", accountID, s.maxRetries)
			return nil, ErrContention
		}
		if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
			return nil, err
		}
	}
}

// tryReserve performs one read-check-write cycle.
func (s *ReservationService) tryReserve(ctx context.Context, accountID string, amount int64) (*models.Reservation, error) {
	balance, version, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, ErrInsufficientBalance
	}

	res := &models.Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		State:     models.ReservationPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.ttl),
	}

	if err := s.store.ReserveDebit(ctx, res, version); err != nil {
		return nil, err
	}
	return res, nil
}

// GetReservation loads a reservation by id.
func (s *ReservationService) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	var res models.Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, state, created_at, expires_at
		FROM reservations WHERE id = $1`,
		reservationID).Scan(&res.ID, &res.AccountID, &res.Amount, &res.State, &res.CreatedAt, &res.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
