package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLedger keeps wallet balances and transfers in Postgres. Each transfer is
// one database transaction: debit guarded by balance >= amount, credit by
// upsert, and a transactions row keyed by the transfer id.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if req.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		return Receipt{}, fmt.Errorf("%w: begin: %v", ErrLedgerUnreachable, err)
	}
	defer tx.Rollback(ctx)

	// Replaying a settled transfer id returns the original receipt
	existing, err := scanReceipt(tx.QueryRow(ctx,
		`SELECT id, from_account, to_account, amount, memo, created_at
		 FROM transactions WHERE id = $1`, req.ID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, err
	}

	if req.From != MintAccount {
		ct, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = balance - $1 WHERE account = $2 AND balance >= $1`,
			req.Amount, string(req.From),
		)
		if err != nil {
			return Receipt{}, err
		}
		if ct.RowsAffected() == 0 {
			return Receipt{}, ErrInsufficientFunds
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
		string(req.To), req.Amount,
	)
	if err != nil {
		return Receipt{}, err
	}

	settledAt := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, from_account, to_account, amount, memo, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'settled', $6)`,
		req.ID, string(req.From), string(req.To), req.Amount, req.Memo, settledAt,
	)
	if err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		// The commit may have reached the server before the connection dropped
		return Receipt{}, &SettlementUnknownError{TransferID: req.ID, Err: err}
	}
	return Receipt{
		TransferID: req.ID,
		From:       req.From,
		To:         req.To,
		Amount:     req.Amount,
		Memo:       req.Memo,
		SettledAt:  settledAt,
	}, nil
}

func (l *PGLedger) BalanceOf(ctx context.Context, account Account) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE account = $1`, string(account)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (l *PGLedger) TransferStatus(ctx context.Context, transferID string) (TransferStatus, error) {
	var status string
	err := l.pool.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, transferID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return TransferStatus(status), nil
}

// Credit tops up an account from the mint.
func (l *PGLedger) Credit(ctx context.Context, account Account, amount int64, memo string) (Receipt, error) {
	return l.Transfer(ctx, TransferRequest{ID: NewTransferID(), From: MintAccount, To: account, Amount: amount, Memo: memo})
}

// History returns the newest transactions touching account, up to limit.
func (l *PGLedger) History(ctx context.Context, account Account, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, from_account, to_account, amount, memo, status, created_at
		 FROM transactions
		 WHERE from_account = $1 OR to_account = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(account), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		var from, to string
		if err := rows.Scan(&t.ID, &from, &to, &t.Amount, &t.Memo, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.From, t.To = Account(from), Account(to)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanReceipt(row pgx.Row) (Receipt, error) {
	var r Receipt
	var from, to string
	if err := row.Scan(&r.TransferID, &from, &to, &r.Amount, &r.Memo, &r.SettledAt); err != nil {
		return Receipt{}, err
	}
	r.From, r.To = Account(from), Account(to)
	return r, nil
}
