package wallet

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Account identifies a balance on the ledger. User wallets and job escrow
// subaccounts share one namespace, distinguished by prefix.
type Account string

const (
	userPrefix   = "user:"
	escrowPrefix = "escrow:"
)

// UserAccount returns the wallet account of a user.
func UserAccount(userID string) Account {
	return Account(userPrefix + userID)
}

// EscrowAccount derives the escrow subaccount of a job. The identifier is the
// hex blake2b-256 digest of the job id, so it is stable across sessions and
// never collides with a user wallet.
func EscrowAccount(jobID string) Account {
	sum := blake2b.Sum256([]byte("gighub/escrow/" + jobID))
	return Account(escrowPrefix + hex.EncodeToString(sum[:]))
}

// IsEscrow reports whether the account is a job escrow subaccount.
func (a Account) IsEscrow() bool {
	return strings.HasPrefix(string(a), escrowPrefix)
}

// TransferStatus is the settlement state the ledger reports for a transfer id.
type TransferStatus string

const (
	StatusPending  TransferStatus = "pending"
	StatusSettled  TransferStatus = "settled"
	StatusNotFound TransferStatus = "not_found"
)

// TransferRequest is a single ledger movement. ID is chosen by the caller
// before the call so a timed-out transfer can be looked up afterwards.
type TransferRequest struct {
	ID     string
	From   Account
	To     Account
	Amount int64
	Memo   string
}

// Receipt confirms a settled transfer.
type Receipt struct {
	TransferID string    `json:"transfer_id"`
	From       Account   `json:"from"`
	To         Account   `json:"to"`
	Amount     int64     `json:"amount"`
	Memo       string    `json:"memo,omitempty"`
	SettledAt  time.Time `json:"settled_at"`
}

// Transaction is a ledger history row as seen from one account.
type Transaction struct {
	ID        string    `json:"id"`
	From      Account   `json:"from"`
	To        Account   `json:"to"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Payout instructs one escrow-to-worker transfer inside a batch.
type Payout struct {
	WorkerID   string
	Amount     int64
	TransferID string
}

// PayoutOutcome is the result for one worker of a payout batch.
type PayoutOutcome struct {
	WorkerID   string   `json:"worker_id"`
	Amount     int64    `json:"amount"`
	TransferID string   `json:"transfer_id,omitempty"`
	Receipt    *Receipt `json:"receipt,omitempty"`
	Err        error    `json:"-"`
	Reason     string   `json:"reason,omitempty"`
}

// OK reports whether the worker was paid.
func (o PayoutOutcome) OK() bool { return o.Err == nil }

// PayoutBatchResult holds one outcome per worker, in instruction order.
type PayoutBatchResult []PayoutOutcome

// Failed returns the outcomes that did not settle.
func (r PayoutBatchResult) Failed() PayoutBatchResult {
	var out PayoutBatchResult
	for _, o := range r {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded returns the outcomes that settled.
func (r PayoutBatchResult) Succeeded() PayoutBatchResult {
	var out PayoutBatchResult
	for _, o := range r {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}
