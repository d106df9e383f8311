package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

// Coordinator drives jobs through Open -> Ongoing -> Finished, or
// Open -> Cancelled, moving escrow funds on the way. It holds no job state of
// its own: every operation re-reads the Registry and returns the records it
// wrote.
type Coordinator struct {
	registry   Registry
	journal    Journal
	escrow     *wallet.EscrowAgent
	tracker    *ApplicationTracker
	ratings    *RatingReconciler
	notifier   Notifier
	basis      SalaryBasis
	attempts   int
	staleAfter time.Duration
	validate   *validator.Validate
	now        func() time.Time
	log        logrus.FieldLogger
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithSalaryBasis(b SalaryBasis) Option {
	return func(c *Coordinator) { c.basis = b }
}

// WithAcceptAttempts bounds compare-and-set retries in accept.
func WithAcceptAttempts(n int) Option {
	return func(c *Coordinator) { c.attempts = n }
}

// WithStaleAfter sets how old a pending transfer intent must be before
// another session may check its settlement and take it over.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func NewCoordinator(store Store, escrow *wallet.EscrowAgent, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:   store,
		journal:    store,
		escrow:     escrow,
		notifier:   nopNotifier{},
		basis:      BasisTotal,
		attempts:   DefaultAcceptAttempts,
		staleAfter: 2 * wallet.DefaultTimeout,
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracker = NewApplicationTracker(store, c.attempts)
	c.ratings = NewRatingReconciler(store, c.log)
	return c
}

// CreateJob posts a new open job owned by ownerID.
func (c *Coordinator) CreateJob(ctx context.Context, ownerID string, req CreateJobRequest) (Job, error) {
	const op = "create job"
	if err := c.validate.Struct(req); err != nil {
		return Job{}, opErr(op, "", ownerID, req.Salary, err)
	}
	if c.basis == BasisTotal && req.Salary < int64(req.Slots) {
		err := fmt.Errorf("%w: salary must cover at least one unit per slot", ErrInvalidRequest)
		return Job{}, opErr(op, "", ownerID, req.Salary, err)
	}

	now := c.now()
	id := uuid.NewString()
	job := Job{
		ID:            id,
		OwnerID:       ownerID,
		Title:         req.Title,
		Description:   req.Description,
		Salary:        req.Salary,
		Slots:         req.Slots,
		Status:        StatusOpen,
		EscrowAccount: wallet.EscrowAccount(id),
		Tags:          req.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.registry.CreateJob(ctx, job); err != nil {
		return Job{}, opErr(op, id, ownerID, req.Salary, err)
	}
	c.log.WithFields(logrus.Fields{"job_id": id, "user_id": ownerID, "amount": req.Salary}).Info("job created")
	return job, nil
}

func (c *Coordinator) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, err := c.registry.GetJob(ctx, jobID)
	return job, opErr("get job", jobID, "", 0, err)
}

func (c *Coordinator) Applicants(ctx context.Context, jobID string) ([]Applicant, error) {
	applicants, err := c.tracker.Applicants(ctx, jobID)
	return applicants, opErr("list applicants", jobID, "", 0, err)
}

func (c *Coordinator) HasApplied(ctx context.Context, jobID, userID string) (bool, error) {
	ok, err := c.tracker.HasApplied(ctx, jobID, userID)
	return ok, opErr("has applied", jobID, userID, 0, err)
}

func (c *Coordinator) ApplyToJob(ctx context.Context, jobID, userID string) (Applicant, error) {
	a, job, err := c.tracker.Apply(ctx, jobID, userID)
	if err != nil {
		return Applicant{}, opErr("apply", jobID, userID, 0, err)
	}
	c.emit(ctx, Event{
		Type:       EventJobApplied,
		JobID:      jobID,
		JobTitle:   job.Title,
		ActorID:    userID,
		Recipients: []string{job.OwnerID},
		Message:    "New applicant for " + job.Title,
	})
	return a, nil
}

func (c *Coordinator) AcceptApplicant(ctx context.Context, jobID, userID string) (AcceptResult, error) {
	res, err := c.tracker.Accept(ctx, jobID, userID)
	if err != nil {
		return AcceptResult{}, opErr("accept", jobID, userID, 0, err)
	}
	c.emit(ctx, Event{
		Type:       EventApplicantAccepted,
		JobID:      jobID,
		Recipients: []string{userID},
		Message:    "Your application was accepted",
	})
	return res, nil
}

func (c *Coordinator) RejectApplicant(ctx context.Context, jobID, userID string) (Applicant, error) {
	a, err := c.tracker.Reject(ctx, jobID, userID)
	if err != nil {
		return Applicant{}, opErr("reject", jobID, userID, 0, err)
	}
	c.emit(ctx, Event{
		Type:       EventApplicantRejected,
		JobID:      jobID,
		Recipients: []string{userID},
		Message:    "Your application was not accepted",
	})
	return a, nil
}

// StartJob deposits the escrow total from the owner and moves the job to
// Ongoing. Nothing is written when a precondition fails; a shortfall is
// reported as InsufficientFundsError.
func (c *Coordinator) StartJob(ctx context.Context, jobID, ownerID string) (StartResult, error) {
	const op = "start"
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return StartResult{}, opErr(op, jobID, ownerID, 0, err)
	}
	if job.OwnerID != ownerID {
		return StartResult{}, opErr(op, jobID, ownerID, 0, ErrNotAuthorized)
	}
	if job.Status != StatusOpen {
		return StartResult{}, opErr(op, jobID, ownerID, 0, ErrWrongState)
	}
	applicants, err := c.registry.ListApplicants(ctx, jobID)
	if err != nil {
		return StartResult{}, opErr(op, jobID, ownerID, 0, err)
	}
	accepted := acceptedOf(applicants)
	if len(accepted) == 0 {
		return StartResult{}, opErr(op, jobID, ownerID, 0, ErrNoAcceptedWorkers)
	}
	required := c.basis.EscrowTotal(job.Salary, len(accepted))

	deposit, receipt, err := c.deposit(ctx, job, required)
	if err != nil {
		return StartResult{}, opErr(op, jobID, ownerID, required, err)
	}

	started, err := c.registry.SetJobStatus(ctx, jobID, StatusOpen, StatusOngoing)
	if errors.Is(err, ErrConflict) {
		current, gerr := c.registry.GetJob(ctx, jobID)
		if gerr == nil && current.Status == StatusOngoing {
			// Another start spending the same deposit won the flip
			return StartResult{Job: current, Deposit: deposit, Receipt: receipt}, nil
		}
		c.log.WithFields(logrus.Fields{"job_id": jobID, "user_id": ownerID, "amount": deposit.Amount}).
			Warn("job left open state during start, refunding escrow")
		c.refund(ctx, job, deposit)
		return StartResult{}, opErr(op, jobID, ownerID, required, ErrWrongState)
	}
	if err != nil {
		// The deposit stays journaled as succeeded; a repeated start reuses it
		return StartResult{}, opErr(op, jobID, ownerID, required, err)
	}

	c.log.WithFields(logrus.Fields{
		"job_id":      jobID,
		"user_id":     ownerID,
		"amount":      deposit.Amount,
		"transfer_id": deposit.TransferID,
	}).Info("job started")
	c.emit(ctx, Event{
		Type:       EventJobStarted,
		JobID:      jobID,
		JobTitle:   job.Title,
		ActorID:    ownerID,
		Recipients: userIDs(accepted),
		Amount:     deposit.Amount,
		Message:    job.Title + " has started",
	})
	return StartResult{Job: started, Deposit: deposit, Receipt: receipt}, nil
}

// CancelJob closes an open job. Normally no funds have moved; a deposit left
// behind by an interrupted start is refunded to the owner.
func (c *Coordinator) CancelJob(ctx context.Context, jobID, actorID string) (Job, error) {
	const op = "cancel"
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, opErr(op, jobID, actorID, 0, err)
	}
	if job.OwnerID != actorID {
		return Job{}, opErr(op, jobID, actorID, 0, ErrNotAuthorized)
	}
	if job.Status != StatusOpen {
		return Job{}, opErr(op, jobID, actorID, 0, ErrWrongState)
	}
	cancelled, err := c.registry.SetJobStatus(ctx, jobID, StatusOpen, StatusCancelled)
	if errors.Is(err, ErrConflict) {
		return Job{}, opErr(op, jobID, actorID, 0, ErrWrongState)
	}
	if err != nil {
		return Job{}, opErr(op, jobID, actorID, 0, err)
	}

	c.releaseLeftoverDeposit(ctx, cancelled)

	applicants, err := c.registry.ListApplicants(ctx, jobID)
	if err != nil {
		c.log.WithField("job_id", jobID).WithError(err).Warn("could not list applicants for cancel notice")
	}
	c.emit(ctx, Event{
		Type:       EventJobCancelled,
		JobID:      jobID,
		JobTitle:   job.Title,
		ActorID:    actorID,
		Recipients: userIDs(applicants),
		Message:    job.Title + " was cancelled",
	})
	return cancelled, nil
}

// GetOutstandingRatings returns the job's effective rating records that
// still need a score.
func (c *Coordinator) GetOutstandingRatings(ctx context.Context, jobID string) ([]RatingRecord, error) {
	if _, err := c.registry.GetJob(ctx, jobID); err != nil {
		return nil, opErr("outstanding ratings", jobID, "", 0, err)
	}
	records, err := c.ratings.Outstanding(ctx, jobID)
	return records, opErr("outstanding ratings", jobID, "", 0, err)
}

// RatingsForJob returns every effective rating record, finalized or not.
func (c *Coordinator) RatingsForJob(ctx context.Context, jobID string) ([]RatingRecord, error) {
	records, err := c.ratings.FetchForJob(ctx, jobID)
	return records, opErr("ratings", jobID, "", 0, err)
}

func (c *Coordinator) SubmitRatings(ctx context.Context, jobID string, edits map[string]int) (SubmitResult, error) {
	const op = "submit ratings"
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return SubmitResult{}, opErr(op, jobID, "", 0, err)
	}
	if job.Status != StatusFinished {
		return SubmitResult{}, opErr(op, jobID, "", 0, ErrWrongState)
	}
	res, err := c.ratings.SubmitBatch(ctx, jobID, edits)
	return res, opErr(op, jobID, job.OwnerID, 0, err)
}

func (c *Coordinator) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.log.WithFields(logrus.Fields{"job_id": ev.JobID, "event": ev.Type}).WithError(err).Warn("notification failed")
	}
}

func userIDs(applicants []Applicant) []string {
	out := make([]string, 0, len(applicants))
	for _, a := range applicants {
		out = append(out, a.UserID)
	}
	return out
}
