package marketplace

import "context"

// Registry is the record store for jobs, applicants and ratings. Writes that
// guard an invariant are conditional and report ErrConflict when the
// condition no longer holds at commit time.
type Registry interface {
	CreateJob(ctx context.Context, job Job) error
	// GetJob returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// SetJobStatus moves the job from expected to next, or returns
	// ErrConflict if the stored status is not expected. Moving to
	// StatusFinished also creates one rating record per accepted worker.
	SetJobStatus(ctx context.Context, jobID string, expected, next JobStatus) (Job, error)

	ListApplicants(ctx context.Context, jobID string) ([]Applicant, error)
	// InsertApplicant returns ErrDuplicate if the (job, user) pair exists.
	InsertApplicant(ctx context.Context, a Applicant) (Applicant, error)
	// UpsertApplicant sets the acceptance flag of an existing applicant. It
	// returns ErrConflict if the job is no longer open or, when
	// expectedAccepted >= 0, if the job's accepted count differs from it.
	// A negative expectedAccepted skips the count check.
	UpsertApplicant(ctx context.Context, jobID, userID string, accepted bool, expectedAccepted int) (Applicant, error)

	// ListRatingRecords may return several records for one worker.
	ListRatingRecords(ctx context.Context, jobID string) ([]RatingRecord, error)
	SubmitRating(ctx context.Context, ratingID string, score int) (RatingRecord, error)
}

// Journal persists transfer intents and outcomes so retries never pay twice.
type Journal interface {
	// RecordIntent inserts a new intent, or returns ErrDuplicate if one
	// exists for the same (job, kind, user).
	RecordIntent(ctx context.Context, in TransferIntent) (TransferIntent, error)
	GetIntent(ctx context.Context, jobID string, kind IntentKind, userID string) (TransferIntent, error)
	ResolveIntent(ctx context.Context, intentID string, status IntentStatus, reason string) (TransferIntent, error)
	// ReopenIntent moves an intent from status `from` back to pending under a
	// new transfer id and amount, bumping its attempt. It returns ErrConflict
	// if the intent is no longer in `from`.
	ReopenIntent(ctx context.Context, intentID string, from IntentStatus, transferID string, amount int64) (TransferIntent, error)
	ListIntents(ctx context.Context, jobID string) ([]TransferIntent, error)
}

// Store is a Registry that also keeps the transfer journal.
type Store interface {
	Registry
	Journal
}
