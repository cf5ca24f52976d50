package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrConflict        = errors.New("ledger: too many concurrent updates")
	ErrInvalidUnits    = errors.New("ledger: units must be positive")
	ErrInvalidPool     = errors.New("ledger: unknown quota pool")
	ErrInvalidCycle    = errors.New("ledger: cycle end must be after cycle start")
	ErrInvalidTopUpRef = errors.New("ledger: top-up reference must not contain commas")
)

// QuotaExceededError rejects a consumption that would overdraw a pool. It is
// surfaced to end users as an upgrade prompt, not as a system failure.
type QuotaExceededError struct {
	AccountID string
	Pool      string
	Requested int64
	Available int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("ledger: %s quota exceeded for %s (requested %d, available %d)", e.Pool, e.AccountID, e.Requested, e.Available)
}

// IsQuotaExceeded unwraps err looking for a QuotaExceededError.
func IsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
