package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/leafguard/backend/internal/audit"
	"github.com/leafguard/backend/internal/models"
)

const defaultTopUpRetries = 5

// TopUpService credits purchased credits to an account. Payment webhooks are
// delivered at least once, so Credit is idempotent keyed by purchase_ref: a
// replay returns the originally recorded balance without crediting again.
// The worst failure here is silently dropping a paid top-up, so write failures
// are retried and then escalated for manual reconciliation.
type TopUpService struct {
	db         *sql.DB
	store      *BalanceStore
	redis      *redis.Client
	audit      *audit.Logger
	maxRetries int
}

func NewTopUpService(db *sql.DB, store *BalanceStore, redisClient *redis.Client, maxRetries int) *TopUpService {
	if maxRetries <= 0 {
		maxRetries = defaultTopUpRetries
	}
	return &TopUpService{
		db:         db,
		store:      store,
		redis:      redisClient,
		audit:      audit.NewLogger(),
		maxRetries: maxRetries,
	}
}

// Credit adds amount credits to the account, recording the purchase. Returns
// the balance after the credit (for a replay, the balance recorded when the
// purchase was first applied).
func (s *TopUpService) Credit(ctx context.Context, accountID string, amount int64, purchaseRef string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	// Fast-path dedup for hot webhook replays; the unique index on
	// purchase_ref remains the source of truth.
	if balance, ok := s.cachedOutcome(ctx, purchaseRef); ok {
		return balance, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		newBalance, err := s.tryCredit(ctx, accountID, amount, purchaseRef)
		if err == nil {
			s.cacheOutcome(ctx, purchaseRef, newBalance)
			s.audit.LogTopUp(purchaseRef, accountID, amount, "CREDITED")
			return newBalance, nil
		}
		if errors.Is(err, ErrDuplicatePurchaseRef) {
			balance, derr := s.recordedBalance(ctx, purchaseRef)
			if derr != nil {
				return 0, derr
			}
			s.audit.LogTopUp(purchaseRef, accountID, amount, "REPLAYED")
			return balance, nil
		}
		if errors.Is(err, ErrAccountNotFound) {
			// Retrying an unknown account cannot make it exist.
			return 0, err
		}
		lastErr = err
		if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
			return 0, err
		}
	}

	// Money was captured but not credited. This must not vanish silently.
	s.audit.LogEscalation(purchaseRef, accountID, amount, lastErr)
	return 0, fmt.Errorf("%w: %w", ErrTopUpWriteFailure, lastErr)
}

func (s *TopUpService) tryCredit(ctx context.Context, accountID string, amount int64, purchaseRef string) (int64, error) {
	_, version, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Claim the purchase ref first: a replay aborts before touching the balance.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO top_ups (account_id, amount, purchase_ref, new_balance, created_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (purchase_ref) DO NOTHING`,
		accountID, amount, purchaseRef, time.Now())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrDuplicatePurchaseRef
	}

	newBalance, _, err := s.store.ApplyDeltaTx(ctx, tx, accountID, amount, version, models.EntryTopUp, purchaseRef)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE top_ups SET new_balance = $1 WHERE purchase_ref = $2`,
		newBalance, purchaseRef); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (s *TopUpService) recordedBalance(ctx context.Context, purchaseRef string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT new_balance FROM top_ups WHERE purchase_ref = $1`,
		purchaseRef).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *TopUpService) cachedOutcome(ctx context.Context, purchaseRef string) (int64, bool) {
	if s.redis == nil {
		return 0, false
	}
	balance, err := s.redis.Get(ctx, topUpKey(purchaseRef)).Int64()
	if err != nil {
		return 0, false
	}
	return balance, true
}

func (s *TopUpService) cacheOutcome(ctx context.Context, purchaseRef string, balance int64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, topUpKey(purchaseRef), balance, 24*time.Hour).Err(); err != nil {
		log.Printf("[TOPUP] failed to cache outcome for %s: %v", purchaseRef, err)
	}
}

func topUpKey(purchaseRef string) string {
	return fmt.Sprintf("topup:%s", purchaseRef)
}

// ListTopUps returns the purchase history for an account, newest first.
func (s *TopUpService) ListTopUps(ctx context.Context, accountID string, limit int) ([]models.TopUp, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, purchase_ref, new_balance, created_at
		FROM top_ups
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topUps []models.TopUp
	for rows.Next() {
		var t models.TopUp
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.PurchaseRef, &t.NewBalance, &t.CreatedAt); err != nil {
			return nil, err
		}
		topUps = append(topUps, t)
	}
	return topUps, rows.Err()
}
