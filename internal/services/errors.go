package services

import "errors"

// Errors surfaced by the ledger core. Version conflicts are retried internally
// and only escape as ErrContention once the retry budget is spent.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrVersionConflict         = errors.New("version conflict")
	ErrContention              = errors.New("account contention, retry later")
	ErrInvalidStateTransition  = errors.New("invalid reservation state transition")
	ErrExternalOperation       = errors.New("external operation failed, no charge applied")
	ErrTopUpWriteFailure       = errors.New("top-up captured but not credited")
	ErrAccountNotFound         = errors.New("account not found")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrScanNotFound            = errors.New("scan not found")
	ErrTeamNotFound            = errors.New("team not found")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrDuplicatePurchaseRef    = errors.New("purchase reference already credited")
	ErrBalanceLedgerDivergence = errors.New("stored balance diverges from ledger sum")
)
