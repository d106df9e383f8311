package marketplace

import (
	"fmt"
	"time"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	StatusOpen      JobStatus = "open"
	StatusOngoing   JobStatus = "ongoing"
	StatusFinished  JobStatus = "finished"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no transition leaves the status.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// CanTransition reports whether s -> next is a legal lifecycle edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusOngoing || next == StatusCancelled
	case StatusOngoing:
		return next == StatusFinished
	}
	return false
}

// SalaryBasis says what Job.Salary pays for.
type SalaryBasis string

const (
	// BasisTotal treats Salary as the whole budget, split across accepted workers.
	BasisTotal SalaryBasis = "total"
	// BasisPerWorker treats Salary as the pay of each accepted worker.
	BasisPerWorker SalaryBasis = "per_worker"
)

func ParseSalaryBasis(s string) (SalaryBasis, error) {
	switch SalaryBasis(s) {
	case "", BasisTotal:
		return BasisTotal, nil
	case BasisPerWorker:
		return BasisPerWorker, nil
	}
	return "", fmt.Errorf("unknown salary basis %q", s)
}

// EscrowTotal is the deposit required to start a job with accepted workers.
func (b SalaryBasis) EscrowTotal(salary int64, accepted int) int64 {
	if b == BasisPerWorker {
		return salary * int64(accepted)
	}
	return salary
}

// Job is a posted piece of work
type Job struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Salary        int64          `json:"salary"`
	Slots         int            `json:"slots"`
	Status        JobStatus      `json:"status"`
	EscrowAccount wallet.Account `json:"escrow_account"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Applicant is one user's application to a job. Rejection clears Accepted;
// the row itself is never removed.
type Applicant struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Accepted  bool      `json:"accepted"`
	AppliedAt time.Time `json:"applied_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RatingRecord is the owner's rating of one worker on a finished job
type RatingRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id"`
	Score     *int      `json:"score,omitempty"`
	Finalized bool      `json:"finalized"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateJobRequest is the payload for posting a job
type CreateJobRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Salary      int64    `json:"salary" validate:"required,gt=0"`
	Slots       int      `json:"slots" validate:"required,min=1,max=100"`
	Tags        []string `json:"tags" validate:"max=10,dive,required,max=40"`
}

// IntentKind is the purpose of a journaled transfer
type IntentKind string

const (
	KindDeposit IntentKind = "deposit"
	KindPayout  IntentKind = "payout"
	KindRefund  IntentKind = "refund"
)

// IntentStatus is what is known about a journaled transfer
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentUnknown   IntentStatus = "unknown"
)

// TransferIntent records a transfer before it is sent and its outcome after.
// At most one intent exists per (job, kind, user); inserting it is the claim
// that lets exactly one session move those funds.
type TransferIntent struct {
	ID         string       `json:"id"`
	TransferID string       `json:"transfer_id"`
	JobID      string       `json:"job_id"`
	UserID     string       `json:"user_id"`
	Kind       IntentKind   `json:"kind"`
	Amount     int64        `json:"amount"`
	Status     IntentStatus `json:"status"`
	Attempt    int          `json:"attempt"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AcceptResult is the applicant after acceptance with the job's fresh capacity.
type AcceptResult struct {
	Applicant     Applicant `json:"applicant"`
	AcceptedCount int       `json:"accepted_count"`
	Slots         int       `json:"slots"`
}

// StartResult is the job after start with the deposit that funded it.
type StartResult struct {
	Job     Job             `json:"job"`
	Deposit TransferIntent  `json:"deposit"`
	Receipt *wallet.Receipt `json:"receipt,omitempty"`
}

// FinishResult is the job after finish with one payout outcome per worker.
type FinishResult struct {
	Job       Job                      `json:"job"`
	PerWorker int64                    `json:"per_worker"`
	Remainder int64                    `json:"remainder"`
	Payouts   wallet.PayoutBatchResult `json:"payouts"`
	Ratings   []RatingRecord           `json:"ratings"`
}

// SubmitResult reports a rating batch item by item.
type SubmitResult struct {
	Submitted []RatingRecord    `json:"submitted"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func acceptedOf(applicants []Applicant) []Applicant {
	var out []Applicant
	for _, a := range applicants {
		if a.Accepted {
			out = append(out, a)
		}
	}
	return out
}
