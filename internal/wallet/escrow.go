package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Ledger is the external funds-transfer service.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	BalanceOf(ctx context.Context, account Account) (int64, error)
	TransferStatus(ctx context.Context, transferID string) (TransferStatus, error)
}

// DefaultTimeout bounds a single ledger call when none is configured.
const DefaultTimeout = 10 * time.Second

// EscrowAgent moves funds between user wallets, job escrow subaccounts and
// worker wallets. Every call carries a timeout; a timed-out transfer is
// reported as SettlementUnknownError and must be status-checked before retry.
// The agent never retries on its own.
type EscrowAgent struct {
	ledger  Ledger
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// AgentOption configures an EscrowAgent.
type AgentOption func(*EscrowAgent)

// WithTimeout sets the per-call ledger timeout.
func WithTimeout(d time.Duration) AgentOption {
	return func(a *EscrowAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the agent's logger.
func WithLogger(l logrus.FieldLogger) AgentOption {
	return func(a *EscrowAgent) {
		if l != nil {
			a.log = l
		}
	}
}

// NewEscrowAgent wraps ledger. Calls go through a circuit breaker that opens
// after repeated network-class failures; while open, transfers fail fast with
// ErrLedgerUnreachable and nothing reaches the ledger.
func NewEscrowAgent(ledger Ledger, opts ...AgentOption) *EscrowAgent {
	a := &EscrowAgent{
		ledger:  ledger,
		timeout: DefaultTimeout,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, ErrLedgerUnreachable) || IsUnknownSettlement(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("ledger circuit breaker state changed")
		},
	})
	return a
}

// TransferOption customises a single transfer.
type TransferOption func(*TransferRequest)

// WithTransferID pins the transfer id, typically one already journaled.
func WithTransferID(id string) TransferOption {
	return func(r *TransferRequest) { r.ID = id }
}

// WithMemo attaches a memo to the transfer.
func WithMemo(memo string) TransferOption {
	return func(r *TransferRequest) { r.Memo = memo }
}

// NewTransferID returns a fresh transfer id.
func NewTransferID() string {
	return uuid.NewString()
}

// DepositToEscrow moves amount from the user's wallet into the job's escrow
// subaccount. The ledger does not deduplicate, so callers must not invoke it
// again after a confirmed success.
func (a *EscrowAgent) DepositToEscrow(ctx context.Context, userID, jobID string, amount int64, opts ...TransferOption) (Receipt, error) {
	req := buildRequest(UserAccount(userID), EscrowAccount(jobID), amount, "escrow deposit for job "+jobID, opts)
	return a.transfer(ctx, req)
}

// Payout moves amount from the job's escrow subaccount to a worker's wallet.
func (a *EscrowAgent) Payout(ctx context.Context, jobID, workerID string, amount int64, opts ...TransferOption) (Receipt, error) {
	req := buildRequest(EscrowAccount(jobID), UserAccount(workerID), amount, "payout for job "+jobID, opts)
	return a.transfer(ctx, req)
}

// Refund returns amount from the job's escrow subaccount to the owner.
func (a *EscrowAgent) Refund(ctx context.Context, jobID, ownerID string, amount int64, opts ...TransferOption) (Receipt, error) {
	req := buildRequest(EscrowAccount(jobID), UserAccount(ownerID), amount, "escrow refund for job "+jobID, opts)
	return a.transfer(ctx, req)
}

// PayoutAll attempts every payout exactly once, in order. A failure does not
// roll back earlier payouts nor stop later ones; the result has one outcome
// per instruction.
func (a *EscrowAgent) PayoutAll(ctx context.Context, jobID string, payouts []Payout) PayoutBatchResult {
	result := make(PayoutBatchResult, 0, len(payouts))
	for _, p := range payouts {
		transferID := p.TransferID
		if transferID == "" {
			transferID = NewTransferID()
		}
		outcome := PayoutOutcome{WorkerID: p.WorkerID, Amount: p.Amount, TransferID: transferID}
		receipt, err := a.Payout(ctx, jobID, p.WorkerID, p.Amount, WithTransferID(transferID))
		if err != nil {
			outcome.Err = err
			outcome.Reason = err.Error()
			a.log.WithFields(logrus.Fields{
				"job_id":      jobID,
				"worker_id":   p.WorkerID,
				"amount":      p.Amount,
				"transfer_id": transferID,
			}).WithError(err).Warn("payout failed")
		} else {
			r := receipt
			outcome.Receipt = &r
		}
		result = append(result, outcome)
	}
	return result
}

// Balance returns the user's wallet balance.
func (a *EscrowAgent) Balance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.breaker.Execute(func() (interface{}, error) {
		bal, err := a.ledger.BalanceOf(ctx, UserAccount(userID))
		return bal, classify("", err)
	})
	if err != nil {
		return 0, breakerErr(err)
	}
	return out.(int64), nil
}

// TransferStatus asks the ledger whether a transfer settled. It is the
// required step before retrying a transfer whose settlement is unknown.
func (a *EscrowAgent) TransferStatus(ctx context.Context, transferID string) (TransferStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.breaker.Execute(func() (interface{}, error) {
		st, err := a.ledger.TransferStatus(ctx, transferID)
		return st, classify(transferID, err)
	})
	if err != nil {
		return "", breakerErr(err)
	}
	return out.(TransferStatus), nil
}

func (a *EscrowAgent) transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if req.Amount <= 0 {
		return Receipt{}, &TransferError{TransferID: req.ID, From: req.From, To: req.To, Amount: req.Amount, Err: ErrInvalidAmount}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.breaker.Execute(func() (interface{}, error) {
		receipt, err := a.ledger.Transfer(ctx, req)
		return receipt, classify(req.ID, err)
	})
	if err != nil {
		return Receipt{}, &TransferError{TransferID: req.ID, From: req.From, To: req.To, Amount: req.Amount, Err: breakerErr(err)}
	}
	return out.(Receipt), nil
}

func buildRequest(from, to Account, amount int64, memo string, opts []TransferOption) TransferRequest {
	req := TransferRequest{From: from, To: to, Amount: amount, Memo: memo}
	for _, opt := range opts {
		opt(&req)
	}
	if req.ID == "" {
		req.ID = NewTransferID()
	}
	return req
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	return err
}
