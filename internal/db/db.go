package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Connect opens a pool to Postgres and pings it
func Connect(ctx context.Context, dsn string, log logrus.FieldLogger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	log.Info("Connected to Postgres successfully")
	return pool, nil
}

// EnsureSchema creates the tables the marketplace, ledger and inbox use.
// Every step is idempotent; the first failure is returned.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, log logrus.FieldLogger) error {
	steps := []struct {
		name string
		fn   func(context.Context, *pgxpool.Pool) error
	}{
		{"jobs", ensureJobsTable},
		{"applicants", ensureApplicantsTable},
		{"rating_records", ensureRatingRecordsTable},
		{"transfer_intents", ensureTransferIntentsTable},
		{"wallets", ensureWalletsTable},
		{"transactions", ensureTransactionsTable},
		{"notifications", ensureNotificationsTable},
	}
	for _, s := range steps {
		if err := s.fn(ctx, pool); err != nil {
			log.WithField("table", s.name).WithError(err).Error("schema step failed")
			return fmt.Errorf("ensure %s: %w", s.name, err)
		}
		log.WithField("table", s.name).Debug("table ensured")
	}
	return nil
}

// ensureJobsTable creates jobs with its status constraint
func ensureJobsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			salary BIGINT NOT NULL CHECK (salary > 0),
			slots INTEGER NOT NULL CHECK (slots > 0),
			status TEXT NOT NULL DEFAULT 'open',
			escrow_account TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`)
	if err != nil {
		return err
	}

	// Drop and re-add the status constraint so it matches the current states
	_, _ = pool.Exec(ctx, `ALTER TABLE jobs DROP CONSTRAINT IF EXISTS jobs_status_check`)
	_, err = pool.Exec(ctx, `
		ALTER TABLE jobs
		ADD CONSTRAINT jobs_status_check
		CHECK (status IN ('open', 'ongoing', 'finished', 'cancelled'))`)
	return err
}

func ensureApplicantsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS applicants (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			accepted BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_applicants_job_accepted ON applicants(job_id) WHERE accepted;
	`)
	return err
}

// ensureRatingRecordsTable has no uniqueness on (job_id, worker_id); readers
// keep the first row per worker by seq.
func ensureRatingRecordsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rating_records (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			worker_id TEXT NOT NULL,
			score INTEGER NULL CHECK (score BETWEEN 1 AND 5),
			finalized BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rating_records_job ON rating_records(job_id, seq);
	`)
	return err
}

func ensureTransferIntentsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transfer_intents (
			id TEXT PRIMARY KEY,
			transfer_id TEXT NOT NULL,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('deposit', 'payout', 'refund')),
			amount BIGINT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed', 'unknown')),
			attempt INTEGER NOT NULL DEFAULT 1,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (job_id, kind, user_id)
		);
	`)
	return err
}

// ensureWalletsTable keys balances by ledger account, so escrow subaccounts
// live next to user wallets
func ensureWalletsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			account TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func ensureTransactionsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			from_account TEXT NOT NULL,
			to_account TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			memo TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'settled',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account, created_at);
		CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_account, created_at);
	`)
	return err
}

// ensureNotificationsTable creates the in-app inbox
func ensureNotificationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			job_id TEXT NULL,
			amount BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			read_at TIMESTAMP WITH TIME ZONE NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE read_at IS NULL;
	`)
	return err
}
