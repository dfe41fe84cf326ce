package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/leafguard/backend/internal/models"
)

// AccountService owns account onboarding and read-side balance endpoints.
// Authentication itself is external: the identity provider supplies a stable
// principal id, and the first authenticated call to EnsureAccount creates the
// ledger account for it.
type AccountService struct {
	db          *sql.DB
	store       *BalanceStore
	topUps      *TopUpService
	signupBonus int64
}

func NewAccountService(db *sql.DB, store *BalanceStore, topUps *TopUpService, signupBonus int64) *AccountService {
	return &AccountService{
		db:          db,
		store:       store,
		topUps:      topUps,
		signupBonus: signupBonus,
	}
}

// EnsureAccount creates the ledger account for the authenticated principal if
// it does not exist yet and grants the signup bonus exactly once. Safe to call
// on every sign-in.
func (s *AccountService) EnsureAccount(ctx context.Context, accountID string) (*models.Account, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING`,
		accountID, time.Now())
	if err != nil {
		return nil, err
	}
	created, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if created == 1 && s.signupBonus > 0 {
		// The bonus rides the top-up path so it lands in the ledger and stays
		// idempotent even if two first requests race past the insert.
		if _, err := s.topUps.Credit(ctx, accountID, s.signupBonus, "signup:"+accountID); err != nil {
			log.Printf("[ACCOUNT] signup bonus failed for %s: %v", accountID, err)
		}
	}

	return s.getAccount(ctx, accountID)
}

func (s *AccountService) getAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var acc models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID).Scan(&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// Onboard ensures the caller's account exists
// @Summary Ensure the caller's ledger account
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Account
// @Router /accounts/ensure [post]
func (s *AccountService) Onboard(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	acc, err := s.EnsureAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("[ACCOUNT] onboarding failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to prepare account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"account": acc})
}

// BalanceEnquiry returns the caller's current credit balance
// @Summary Balance enquiry
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance [get]
func (s *AccountService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, _, err := s.store.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balance": balance})
}

// LedgerHistory returns the caller's recent ledger entries
// @Summary Ledger history
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max entries (default 50)"
// @Success 200 {array} models.LedgerEntry
// @Router /accounts/ledger [get]
func (s *AccountService) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := s.store.ListEntries(r.Context(), accountID, limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}

// TopUpHistory returns the caller's purchases
// @Summary Top-up history
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.TopUp
// @Router /accounts/top-ups [get]
func (s *AccountService) TopUpHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	topUps, err := s.topUps.ListTopUps(r.Context(), accountID, 50)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch top-ups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"topUps": topUps})
}

// Reconcile checks the stored balance against the ledger sum
// @Summary Reconcile the caller's balance against the ledger
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{stored=int64,derived=int64,consistent=bool}
// @Router /accounts/reconcile [get]
func (s *AccountService) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	stored, derived, err := s.store.Reconcile(r.Context(), accountID)
	if err != nil && !errors.Is(err, ErrBalanceLedgerDivergence) {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Reconciliation failed", http.StatusInternalServerError, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"stored":     stored,
		"derived":    derived,
		"consistent": err == nil,
	})
}
