package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/leafguard/backend/internal/audit"
	"github.com/leafguard/backend/internal/models"
)

const defaultSettleRetries = 3

// SettlementService finalizes reservations. Commit keeps the debit that was
// applied at reserve time; Rollback reverses it with a CREDIT_REVERSAL entry.
// Both are idempotent for their own terminal state. A background sweep rolls
// back PENDING reservations past their expiry so a crashed caller cannot
// strand a hold forever.
type SettlementService struct {
	db           *sql.DB
	store        *BalanceStore
	reservations *ReservationService
	audit        *audit.Logger
	maxRetries   int
}

func NewSettlementService(db *sql.DB, store *BalanceStore, reservations *ReservationService) *SettlementService {
	return &SettlementService{
		db:           db,
		store:        store,
		reservations: reservations,
		audit:        audit.NewLogger(),
		maxRetries:   defaultSettleRetries,
	}
}

// Commit transitions PENDING -> COMMITTED. Committing an already-committed
// reservation is a no-op; committing a rolled-back one is a caller bug and
// returns ErrInvalidStateTransition.
func (s *SettlementService) Commit(ctx context.Context, reservationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET state = $1 WHERE id = $2 AND state = $3`,
		models.ReservationCommitted, reservationID, models.ReservationPending)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		res, err := s.reservations.GetReservation(ctx, reservationID)
		if err == nil {
			s.audit.LogSettlement(reservationID, res.AccountID, models.ReservationCommitted)
		}
		return nil
	}

	// Nothing was PENDING: decide between idempotent no-op and misuse.
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	switch res.State {
	case models.ReservationCommitted:
		return nil
	case models.ReservationRolledBack:
		log.Printf("[SETTLE] commit on rolled-back reservation %s", reservationID)
		return ErrInvalidStateTransition
	default:
		return ErrInvalidStateTransition
	}
}

// Rollback transitions PENDING -> ROLLED_BACK and credits the amount back,
// restoring the balance to its pre-reservation value. The reversal and the
// state change commit in one database transaction.
func (s *SettlementService) Rollback(ctx context.Context, reservationID string) error {
	for attempt := 0; ; attempt++ {
		err := s.tryRollback(ctx, reservationID)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt >= s.maxRetries-1 {
			return ErrContention
		}
		if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
			return err
		}
	}
}

func (s *SettlementService) tryRollback(ctx context.Context, reservationID string) error {
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	switch res.State {
	case models.ReservationRolledBack:
		return nil
	case models.ReservationCommitted:
		log.Printf("[SETTLE] rollback on committed reservation %s", reservationID)
		return ErrInvalidStateTransition
	}

	_, version, err := s.store.GetBalance(ctx, res.AccountID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// State guard in the WHERE clause: a concurrent rollback or the sweep may
	// have settled this reservation since the read above.
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations SET state = $1 WHERE id = $2 AND state = $3`,
		models.ReservationRolledBack, reservationID, models.ReservationPending)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Lost the race; re-read on the next attempt resolves idempotently.
		return ErrVersionConflict
	}

	if _, _, err := s.store.ApplyDeltaTx(ctx, tx, res.AccountID, res.Amount, version, models.EntryCreditReversal, reservationID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.audit.LogSettlement(reservationID, res.AccountID, models.ReservationRolledBack)
	return nil
}

// SweepExpired rolls back every PENDING reservation past its expiry and
// returns how many were reclaimed.
func (s *SettlementService) SweepExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM reservations WHERE state = $1 AND expires_at < $2`,
		models.ReservationPending, time.Now())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		if err := s.Rollback(ctx, id); err != nil {
			log.Printf("[SWEEP] failed to roll back expired reservation %s: %v", id, err)
			continue
		}
		swept++
	}
	return swept, nil
}

// StartSweeper runs SweepExpired on a fixed interval until ctx is cancelled.
func (s *SettlementService) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.SweepExpired(ctx)
				if err != nil {
					log.Printf("[SWEEP] sweep failed: %v", err)
					continue
				}
				if swept > 0 {
					log.Printf("[SWEEP] reclaimed %d expired reservations", swept)
				}
			}
		}
	}()
}
