package marketplace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrWrongState        = errors.New("job is in the wrong state")
	ErrJobClosed         = errors.New("job is not open for applications")
	ErrAlreadyApplied    = errors.New("already applied to this job")
	ErrSelfApply         = errors.New("owners cannot apply to their own job")
	ErrCapacityExceeded  = errors.New("job has no free slots")
	ErrNoAcceptedWorkers = errors.New("job has no accepted workers")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidScore      = errors.New("score must be between 1 and 5")

	// ErrConflict is a lost compare-and-set; the caller may re-read and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate is returned by inserts whose key already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrSettlementPending means a transfer for this purpose is still in
	// flight or unsettled on the ledger; retry later.
	ErrSettlementPending = errors.New("transfer settlement pending")
)

// InsufficientFundsError reports how much a start was short by.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d, shortfall %d", e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientFundsError) Shortfall() int64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

func (e *InsufficientFundsError) Unwrap() error { return wallet.ErrInsufficientFunds }

// PartialFailureError lists rating ids whose submission failed while others
// in the same batch were finalized.
type PartialFailureError struct {
	RatingIDs []string
}

func (e *PartialFailureError) Error() string {
	return "rating submission failed for: " + strings.Join(e.RatingIDs, ", ")
}

// OpError attaches the acting job, user and amount to a failed operation.
type OpError struct {
	Op     string
	JobID  string
	UserID string
	Amount int64
	Err    error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.JobID != "" {
		b.WriteString(" job=" + e.JobID)
	}
	if e.UserID != "" {
		b.WriteString(" user=" + e.UserID)
	}
	if e.Amount != 0 {
		fmt.Fprintf(&b, " amount=%d", e.Amount)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, jobID, userID string, amount int64, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op {
		return err
	}
	return &OpError{Op: op, JobID: jobID, UserID: userID, Amount: amount, Err: err}
}

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is never retried and is shown verbatim.
	KindValidation
	// KindResource is correctable by the caller, e.g. by topping up.
	KindResource
	// KindTransient may be retried once settlement status is confirmed.
	KindTransient
	// KindPartialBatch means some items of a batch failed.
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindTransient:
		return "transient"
	case KindPartialBatch:
		return "partial_batch"
	}
	return "internal"
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return KindPartialBatch
	}
	var funds *InsufficientFundsError
	if errors.As(err, &funds) || errors.Is(err, wallet.ErrInsufficientFunds) {
		return KindResource
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return KindValidation
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrWrongState),
		errors.Is(err, ErrJobClosed),
		errors.Is(err, ErrAlreadyApplied),
		errors.Is(err, ErrSelfApply),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrNoAcceptedWorkers),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidScore),
		errors.Is(err, wallet.ErrInvalidAmount):
		return KindValidation
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrSettlementPending),
		errors.Is(err, wallet.ErrLedgerUnreachable),
		wallet.IsUnknownSettlement(err):
		return KindTransient
	}
	var le *wallet.LedgerError
	if errors.As(err, &le) {
		return KindTransient
	}
	return KindInternal
}
