package models

import (
	"time"
)

// Account holds the spendable credit balance for one principal.
// The principal identifier comes from the external identity provider.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // credits, never negative
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Ledger entry types. One row is appended for every committed balance change.
const (
	EntryDebit          = "DEBIT"
	EntryCreditReversal = "CREDIT_REVERSAL"
	EntryTopUp          = "TOP_UP"
)

type LedgerEntry struct {
	ID           int       `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	EntryType    string    `json:"entry_type" db:"entry_type"` // DEBIT, CREDIT_REVERSAL or TOP_UP
	Delta        int64     `json:"delta" db:"delta"`           // signed credit change
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Reference    string    `json:"reference" db:"reference"` // reservation id or purchase ref
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Reservation states. A reservation reaches exactly one terminal state.
const (
	ReservationPending    = "PENDING"
	ReservationCommitted  = "COMMITTED"
	ReservationRolledBack = "ROLLED_BACK"
)

// Reservation is an in-flight hold against an account's balance. The debit is
// applied when the reservation is created and reversed if it is rolled back.
type Reservation struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Amount    int64     `json:"amount" db:"amount"`
	State     string    `json:"state" db:"state"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// TopUp records one completed purchase credit. PurchaseRef is unique so that
// replayed payment webhooks cannot credit twice.
type TopUp struct {
	ID          int       `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	Amount      int64     `json:"amount" db:"amount"`
	PurchaseRef string    `json:"purchase_ref" db:"purchase_ref"`
	NewBalance  int64     `json:"new_balance" db:"new_balance"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
