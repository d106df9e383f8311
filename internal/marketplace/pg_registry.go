package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

// PGRegistry is the Postgres Store. Conditional writes are single UPDATEs
// guarded by a WHERE clause, or a transaction holding the job row lock.
type PGRegistry struct {
	pool *pgxpool.Pool
}

func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

const jobColumns = `id, owner_id, title, description, salary, slots, status, escrow_account, tags, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var status, escrow string
	err := row.Scan(&j.ID, &j.OwnerID, &j.Title, &j.Description, &j.Salary, &j.Slots, &status, &escrow, &j.Tags, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.EscrowAccount = wallet.Account(escrow)
	return j, nil
}

func (r *PGRegistry) CreateJob(ctx context.Context, job Job) error {
	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}
	ct, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, title, description, salary, slots, status, escrow_account, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.OwnerID, job.Title, job.Description, job.Salary, job.Slots,
		string(job.Status), string(job.EscrowAccount), tags, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *PGRegistry) GetJob(ctx context.Context, jobID string) (Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

func (r *PGRegistry) SetJobStatus(ctx context.Context, jobID string, expected, next JobStatus) (Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2
		 RETURNING `+jobColumns,
		jobID, string(expected), string(next),
	))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return Job{}, err
		}
		if exists {
			return Job{}, ErrConflict
		}
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	if next == StatusFinished {
		rows, err := tx.Query(ctx,
			`SELECT user_id FROM applicants WHERE job_id = $1 AND accepted ORDER BY applied_at, user_id`, jobID)
		if err != nil {
			return Job{}, err
		}
		workers, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return Job{}, err
		}
		for _, w := range workers {
			if _, err := tx.Exec(ctx,
				`INSERT INTO rating_records (id, job_id, worker_id, finalized, updated_at)
				 VALUES ($1, $2, $3, FALSE, NOW())`,
				uuid.NewString(), jobID, w,
			); err != nil {
				return Job{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, err
	}
	return job, nil
}

const applicantColumns = `job_id, user_id, accepted, applied_at, updated_at`

func scanApplicant(row pgx.Row) (Applicant, error) {
	var a Applicant
	err := row.Scan(&a.JobID, &a.UserID, &a.Accepted, &a.AppliedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Applicant{}, ErrNotFound
	}
	return a, err
}

func (r *PGRegistry) ListApplicants(ctx context.Context, jobID string) ([]Applicant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+applicantColumns+` FROM applicants WHERE job_id = $1 ORDER BY applied_at, user_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRegistry) InsertApplicant(ctx context.Context, a Applicant) (Applicant, error) {
	if a.AppliedAt.IsZero() {
		a.AppliedAt = time.Now().UTC()
	}
	out, err := scanApplicant(r.pool.QueryRow(ctx,
		`INSERT INTO applicants (job_id, user_id, accepted, applied_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (job_id, user_id) DO NOTHING
		 RETURNING `+applicantColumns,
		a.JobID, a.UserID, a.Accepted, a.AppliedAt,
	))
	if errors.Is(err, ErrNotFound) {
		return Applicant{}, ErrDuplicate
	}
	return out, err
}

func (r *PGRegistry) UpsertApplicant(ctx context.Context, jobID, userID string, accepted bool, expectedAccepted int) (Applicant, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Applicant{}, err
	}
	defer tx.Rollback(ctx)

	// The job row lock serializes every acceptance change for this job
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Applicant{}, ErrNotFound
	}
	if err != nil {
		return Applicant{}, err
	}
	if JobStatus(status) != StatusOpen {
		return Applicant{}, ErrConflict
	}

	if expectedAccepted >= 0 {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM applicants WHERE job_id = $1 AND accepted`, jobID,
		).Scan(&count); err != nil {
			return Applicant{}, err
		}
		if count != expectedAccepted {
			return Applicant{}, ErrConflict
		}
	}

	a, err := scanApplicant(tx.QueryRow(ctx,
		`UPDATE applicants SET accepted = $3, updated_at = NOW()
		 WHERE job_id = $1 AND user_id = $2
		 RETURNING `+applicantColumns,
		jobID, userID, accepted,
	))
	if err != nil {
		return Applicant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Applicant{}, err
	}
	return a, nil
}

const ratingColumns = `id, job_id, worker_id, score, finalized, updated_at`

func scanRating(row pgx.Row) (RatingRecord, error) {
	var rr RatingRecord
	err := row.Scan(&rr.ID, &rr.JobID, &rr.WorkerID, &rr.Score, &rr.Finalized, &rr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RatingRecord{}, ErrNotFound
	}
	return rr, err
}

func (r *PGRegistry) ListRatingRecords(ctx context.Context, jobID string) ([]RatingRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ratingColumns+` FROM rating_records WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RatingRecord
	for rows.Next() {
		rr, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *PGRegistry) SubmitRating(ctx context.Context, ratingID string, score int) (RatingRecord, error) {
	return scanRating(r.pool.QueryRow(ctx,
		`UPDATE rating_records SET score = $2, finalized = TRUE, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+ratingColumns,
		ratingID, score,
	))
}

const intentColumns = `id, transfer_id, job_id, user_id, kind, amount, status, attempt, reason, created_at, updated_at`

func scanIntent(row pgx.Row) (TransferIntent, error) {
	var in TransferIntent
	var kind, status string
	err := row.Scan(&in.ID, &in.TransferID, &in.JobID, &in.UserID, &kind, &in.Amount, &status, &in.Attempt, &in.Reason, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransferIntent{}, ErrNotFound
	}
	if err != nil {
		return TransferIntent{}, err
	}
	in.Kind = IntentKind(kind)
	in.Status = IntentStatus(status)
	return in, nil
}

func (r *PGRegistry) RecordIntent(ctx context.Context, in TransferIntent) (TransferIntent, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = IntentPending
	}
	if in.Attempt == 0 {
		in.Attempt = 1
	}
	out, err := scanIntent(r.pool.QueryRow(ctx,
		`INSERT INTO transfer_intents (id, transfer_id, job_id, user_id, kind, amount, status, attempt, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (job_id, kind, user_id) DO NOTHING
		 RETURNING `+intentColumns,
		in.ID, in.TransferID, in.JobID, in.UserID, string(in.Kind), in.Amount, string(in.Status), in.Attempt, in.Reason,
	))
	if errors.Is(err, ErrNotFound) {
		return TransferIntent{}, ErrDuplicate
	}
	return out, err
}

func (r *PGRegistry) GetIntent(ctx context.Context, jobID string, kind IntentKind, userID string) (TransferIntent, error) {
	return scanIntent(r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM transfer_intents WHERE job_id = $1 AND kind = $2 AND user_id = $3`,
		jobID, string(kind), userID,
	))
}

func (r *PGRegistry) ResolveIntent(ctx context.Context, intentID string, status IntentStatus, reason string) (TransferIntent, error) {
	return scanIntent(r.pool.QueryRow(ctx,
		`UPDATE transfer_intents SET status = $2, reason = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+intentColumns,
		intentID, string(status), reason,
	))
}

func (r *PGRegistry) ReopenIntent(ctx context.Context, intentID string, from IntentStatus, transferID string, amount int64) (TransferIntent, error) {
	in, err := scanIntent(r.pool.QueryRow(ctx,
		`UPDATE transfer_intents
		 SET status = 'pending', transfer_id = $3, amount = $4, attempt = attempt + 1, reason = '', updated_at = NOW()
		 WHERE id = $1 AND status = $2
		 RETURNING `+intentColumns,
		intentID, string(from), transferID, amount,
	))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transfer_intents WHERE id = $1)`, intentID).Scan(&exists); err != nil {
			return TransferIntent{}, err
		}
		if exists {
			return TransferIntent{}, ErrConflict
		}
		return TransferIntent{}, ErrNotFound
	}
	return in, err
}

func (r *PGRegistry) ListIntents(ctx context.Context, jobID string) ([]TransferIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM transfer_intents WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
