package wallet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MintAccount is the source of operator top-ups.
const MintAccount Account = "mint"

// MemoryLedger is an in-process ledger used for local runs and tests.
// Transfers are atomic and keyed by transfer id: replaying an id returns the
// original receipt without moving funds twice.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[Account]int64
	transfers map[string]Receipt
	history   []Transaction
	now       func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[Account]int64),
		transfers: make(map[string]Receipt),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if req.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.transfers[req.ID]; ok {
		return r, nil
	}
	if req.From != MintAccount && m.balances[req.From] < req.Amount {
		return Receipt{}, ErrInsufficientFunds
	}
	if req.From != MintAccount {
		m.balances[req.From] -= req.Amount
	}
	m.balances[req.To] += req.Amount
	r := Receipt{TransferID: req.ID, From: req.From, To: req.To, Amount: req.Amount, Memo: req.Memo, SettledAt: m.now()}
	m.transfers[req.ID] = r
	m.history = append(m.history, Transaction{
		ID: req.ID, From: req.From, To: req.To, Amount: req.Amount, Memo: req.Memo,
		Status: string(StatusSettled), CreatedAt: r.SettledAt,
	})
	return r, nil
}

func (m *MemoryLedger) BalanceOf(ctx context.Context, account Account) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *MemoryLedger) TransferStatus(ctx context.Context, transferID string) (TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[transferID]; ok {
		return StatusSettled, nil
	}
	return StatusNotFound, nil
}

// Credit tops up an account from the mint.
func (m *MemoryLedger) Credit(ctx context.Context, account Account, amount int64, memo string) (Receipt, error) {
	return m.Transfer(ctx, TransferRequest{ID: NewTransferID(), From: MintAccount, To: account, Amount: amount, Memo: memo})
}

// History returns the newest transactions touching account, up to limit.
func (m *MemoryLedger) History(ctx context.Context, account Account, limit int) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.history {
		if t.From == account || t.To == account {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
