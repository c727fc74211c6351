package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies settlement errors for callers.
type Kind string

// Error kinds
const (
	KindValidation           Kind = "validation"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindInsufficientHoldings Kind = "insufficient_holdings"
	KindInsufficientReserve  Kind = "insufficient_reserve"
	KindSlippageExceeded     Kind = "slippage_exceeded"
	KindTokenAlreadyExists   Kind = "token_already_exists"
	KindNotFound             Kind = "not_found"
	KindConcurrencyConflict  Kind = "concurrency_conflict"
	KindInternal             Kind = "internal"
)

// Kind sentinels, matched with errors.Is.
var (
	ErrValidation           = errors.New(string(KindValidation))
	ErrInsufficientBalance  = errors.New(string(KindInsufficientBalance))
	ErrInsufficientHoldings = errors.New(string(KindInsufficientHoldings))
	ErrInsufficientReserve  = errors.New(string(KindInsufficientReserve))
	ErrSlippageExceeded     = errors.New(string(KindSlippageExceeded))
	ErrTokenAlreadyExists   = errors.New(string(KindTokenAlreadyExists))
	ErrNotFound             = errors.New(string(KindNotFound))
	ErrConcurrencyConflict  = errors.New(string(KindConcurrencyConflict))
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports that an agent cannot fund a buy.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InsufficientHoldingsError reports a sell larger than the position.
type InsufficientHoldingsError struct {
	Requested int64
	Held      int64
}

func (e *InsufficientHoldingsError) Error() string {
	return fmt.Sprintf("insufficient holdings: requested %d, held %d", e.Requested, e.Held)
}

func (e *InsufficientHoldingsError) Unwrap() error { return ErrInsufficientHoldings }

// InsufficientReserveError reports proceeds larger than the reserve.
// The backing invariant makes this unreachable; seeing it means ledger corruption.
type InsufficientReserveError struct {
	Required  int64
	Available int64
}

func (e *InsufficientReserveError) Error() string {
	return fmt.Sprintf("insufficient reserve: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientReserveError) Unwrap() error { return ErrInsufficientReserve }

// SlippageExceededError reports that the executed average price deviates
// from the pre-trade spot price by more than the caller allowed.
type SlippageExceededError struct {
	SpotPrice     int64
	ExecutedPrice decimal.Decimal
	MaxPercent    decimal.Decimal
	ActualPercent decimal.Decimal
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("slippage exceeded: executed %s vs spot %d is %s%%, max %s%%",
		e.ExecutedPrice.StringFixed(4), e.SpotPrice, e.ActualPercent.StringFixed(4), e.MaxPercent.String())
}

func (e *SlippageExceededError) Unwrap() error { return ErrSlippageExceeded }

// TokenAlreadyExistsError reports a symbol or address collision.
type TokenAlreadyExistsError struct {
	Symbol  string
	Address string
}

func (e *TokenAlreadyExistsError) Error() string {
	return fmt.Sprintf("token %s already exists at %s", e.Symbol, e.Address)
}

func (e *TokenAlreadyExistsError) Unwrap() error { return ErrTokenAlreadyExists }

// NotFoundError reports an absent token, agent or position.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports that the store kept rejecting the transaction
// after all retry attempts.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConcurrencyConflict, e.Err} }

// KindOf maps an error returned by the Engine to its kind.
// Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInsufficientHoldings):
		return KindInsufficientHoldings
	case errors.Is(err, ErrInsufficientReserve):
		return KindInsufficientReserve
	case errors.Is(err, ErrSlippageExceeded):
		return KindSlippageExceeded
	case errors.Is(err, ErrTokenAlreadyExists):
		return KindTokenAlreadyExists
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	default:
		return KindInternal
	}
}
