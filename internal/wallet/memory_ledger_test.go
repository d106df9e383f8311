package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerReplayDoesNotMoveFundsTwice(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, UserAccount("a"), 100)

	req := TransferRequest{ID: "t-1", From: UserAccount("a"), To: UserAccount("b"), Amount: 30}
	first, err := l.Transfer(ctx, req)
	require.NoError(t, err)
	second, err := l.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	a, _ := l.BalanceOf(ctx, UserAccount("a"))
	b, _ := l.BalanceOf(ctx, UserAccount("b"))
	assert.EqualValues(t, 70, a)
	assert.EqualValues(t, 30, b)
}

func TestMemoryLedgerTransferStatus(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, UserAccount("a"), 10)

	st, err := l.TransferStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)

	_, err = l.Transfer(ctx, TransferRequest{ID: "t-1", From: UserAccount("a"), To: UserAccount("b"), Amount: 10})
	require.NoError(t, err)
	st, err = l.TransferStatus(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, st)
}

func TestMemoryLedgerRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, UserAccount("a"), 10)

	_, err := l.Transfer(ctx, TransferRequest{ID: "t-1", From: UserAccount("a"), To: UserAccount("b"), Amount: 11})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	st, _ := l.TransferStatus(ctx, "t-1")
	assert.Equal(t, StatusNotFound, st)
}

func TestMemoryLedgerHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	_, err := l.Credit(ctx, UserAccount("a"), 100, "seed")
	require.NoError(t, err)
	_, err = l.Transfer(ctx, TransferRequest{ID: "t-2", From: UserAccount("a"), To: UserAccount("b"), Amount: 5, Memo: "tip"})
	require.NoError(t, err)
	_, err = l.Credit(ctx, UserAccount("c"), 1, "unrelated")
	require.NoError(t, err)

	txs, err := l.History(ctx, UserAccount("a"), 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "t-2", txs[0].ID)
	assert.Equal(t, MintAccount, txs[1].From)

	txs, err = l.History(ctx, UserAccount("a"), 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
