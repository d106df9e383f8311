package wallet

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLedgerUnreachable means the request never reached the ledger; retrying is safe.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	// ErrInvalidAmount rejects zero or negative transfers.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
)

// LedgerError carries a ledger-side rejection verbatim.
type LedgerError struct {
	Reason string
	Err    error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger error: %s: %v", e.Reason, e.Err)
	}
	return "ledger error: " + e.Reason
}

func (e *LedgerError) Unwrap() error { return e.Err }

// SettlementUnknownError is returned when a transfer timed out. The transfer
// may still settle; its status must be queried before any retry.
type SettlementUnknownError struct {
	TransferID string
	Err        error
}

func (e *SettlementUnknownError) Error() string {
	return fmt.Sprintf("settlement of transfer %s unknown: %v", e.TransferID, e.Err)
}

func (e *SettlementUnknownError) Unwrap() error { return e.Err }

// TransferError attaches the attempted movement to a failed transfer.
type TransferError struct {
	TransferID string
	From       Account
	To         Account
	Amount     int64
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (%s -> %s, %d): %v", e.TransferID, e.From, e.To, e.Amount, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsUnknownSettlement reports whether err leaves a transfer's outcome undetermined.
func IsUnknownSettlement(err error) bool {
	var unknown *SettlementUnknownError
	return errors.As(err, &unknown)
}

// classify maps a raw ledger error onto the wallet taxonomy.
func classify(transferID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrLedgerUnreachable),
		errors.Is(err, ErrInvalidAmount):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &SettlementUnknownError{TransferID: transferID, Err: err}
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	var su *SettlementUnknownError
	if errors.As(err, &su) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &SettlementUnknownError{TransferID: transferID, Err: err}
		}
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	return &LedgerError{Reason: err.Error(), Err: err}
}
