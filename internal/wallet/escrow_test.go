package wallet

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// flakyLedger fails transfers to the listed accounts and counts calls.
type flakyLedger struct {
	*MemoryLedger
	failTo map[Account]error
	calls  atomic.Int32
}

func (f *flakyLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	f.calls.Add(1)
	if err, ok := f.failTo[req.To]; ok {
		return Receipt{}, err
	}
	return f.MemoryLedger.Transfer(ctx, req)
}

// stallingLedger never answers until the context gives up.
type stallingLedger struct {
	*MemoryLedger
}

func (s stallingLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	<-ctx.Done()
	return Receipt{}, ctx.Err()
}

func fundedLedger(t *testing.T, account Account, amount int64) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	_, err := l.Credit(context.Background(), account, amount, "seed")
	require.NoError(t, err)
	return l
}

func TestDepositToEscrowMovesFunds(t *testing.T) {
	ctx := context.Background()
	ledger := fundedLedger(t, UserAccount("owner"), 150)
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	receipt, err := agent.DepositToEscrow(ctx, "owner", "job-1", 100)
	require.NoError(t, err)
	assert.Equal(t, EscrowAccount("job-1"), receipt.To)
	assert.NotEmpty(t, receipt.TransferID)

	owner, _ := ledger.BalanceOf(ctx, UserAccount("owner"))
	escrow, _ := ledger.BalanceOf(ctx, EscrowAccount("job-1"))
	assert.EqualValues(t, 50, owner)
	assert.EqualValues(t, 100, escrow)
}

func TestDepositToEscrowInsufficientFunds(t *testing.T) {
	ledger := fundedLedger(t, UserAccount("owner"), 40)
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	_, err := agent.DepositToEscrow(context.Background(), "owner", "job-1", 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.EqualValues(t, 100, te.Amount)
	assert.Equal(t, UserAccount("owner"), te.From)
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	agent := NewEscrowAgent(NewMemoryLedger(), WithLogger(quietLogger()))
	_, err := agent.Payout(context.Background(), "job-1", "w1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPayoutAllAttemptsEveryWorker(t *testing.T) {
	ctx := context.Background()
	base := fundedLedger(t, EscrowAccount("job-1"), 150)
	ledger := &flakyLedger{
		MemoryLedger: base,
		failTo:       map[Account]error{UserAccount("w2"): errors.New("account frozen")},
	}
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	result := agent.PayoutAll(ctx, "job-1", []Payout{
		{WorkerID: "w1", Amount: 50},
		{WorkerID: "w2", Amount: 50},
		{WorkerID: "w3", Amount: 50},
	})

	require.Len(t, result, 3)
	assert.True(t, result[0].OK())
	assert.False(t, result[1].OK())
	assert.True(t, result[2].OK())
	assert.Contains(t, result[1].Reason, "account frozen")
	assert.Len(t, result.Failed(), 1)
	assert.Len(t, result.Succeeded(), 2)
	assert.EqualValues(t, 3, ledger.calls.Load())

	var le *LedgerError
	assert.ErrorAs(t, result[1].Err, &le)

	w3, _ := base.BalanceOf(ctx, UserAccount("w3"))
	assert.EqualValues(t, 50, w3)
}

func TestPayoutAllKeepsProvidedTransferIDs(t *testing.T) {
	ledger := fundedLedger(t, EscrowAccount("job-1"), 100)
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	result := agent.PayoutAll(context.Background(), "job-1", []Payout{{WorkerID: "w1", Amount: 60, TransferID: "t-1"}})
	require.Len(t, result, 1)
	assert.Equal(t, "t-1", result[0].TransferID)

	st, err := agent.TransferStatus(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, st)
}

func TestTimedOutTransferIsUnknown(t *testing.T) {
	agent := NewEscrowAgent(stallingLedger{NewMemoryLedger()}, WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))

	_, err := agent.Payout(context.Background(), "job-1", "w1", 10, WithTransferID("t-slow"))
	require.Error(t, err)
	assert.True(t, IsUnknownSettlement(err))

	var su *SettlementUnknownError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "t-slow", su.TransferID)
	assert.NotErrorIs(t, err, ErrLedgerUnreachable)
}

func TestBreakerOpensOnUnreachableLedger(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	ledger := &flakyLedger{
		MemoryLedger: NewMemoryLedger(),
		failTo:       map[Account]error{UserAccount("w1"): refused},
	}
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	for i := 0; i < 5; i++ {
		_, err := agent.Payout(context.Background(), "job-1", "w1", 10)
		assert.ErrorIs(t, err, ErrLedgerUnreachable)
	}
	require.EqualValues(t, 5, ledger.calls.Load())

	_, err := agent.Payout(context.Background(), "job-1", "w1", 10)
	assert.ErrorIs(t, err, ErrLedgerUnreachable)
	assert.EqualValues(t, 5, ledger.calls.Load(), "open breaker must not reach the ledger")
}

func TestBusinessErrorsDoNotTripBreaker(t *testing.T) {
	ledger := NewMemoryLedger()
	agent := NewEscrowAgent(ledger, WithLogger(quietLogger()))

	for i := 0; i < 10; i++ {
		_, err := agent.DepositToEscrow(context.Background(), "broke", "job-1", 10)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	}

	_, err := ledger.Credit(context.Background(), UserAccount("broke"), 10, "seed")
	require.NoError(t, err)
	_, err = agent.DepositToEscrow(context.Background(), "broke", "job-1", 10)
	assert.NoError(t, err)
}

func TestEscrowAccountIsStable(t *testing.T) {
	a := EscrowAccount("job-1")
	assert.Equal(t, a, EscrowAccount("job-1"))
	assert.NotEqual(t, a, EscrowAccount("job-2"))
	assert.True(t, a.IsEscrow())
	assert.False(t, UserAccount("job-1").IsEscrow())
}
