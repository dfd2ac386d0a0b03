package service

import (
	"errors"
	"fmt"

	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
)

var (
	// ErrInputValidation is wrapped by *ValidationError.
	ErrInputValidation = errors.New("input validation failed")

	ErrStoreUnavailable  = errors.New("report store unavailable")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerRejected    = errors.New("ledger rejected transaction")
	ErrNotFound          = errors.New("not found")
)

// ValidationError names the required field that was missing or invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *ValidationError) Unwrap() error { return ErrInputValidation }

func storeErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func ledgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrContractRejected):
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	default:
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
}
