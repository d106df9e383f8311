package marketplace

import (
	"context"
	"errors"
)

// DefaultAcceptAttempts bounds how often an accept re-reads after losing a
// compare-and-set to a concurrent accept.
const DefaultAcceptAttempts = 5

// ApplicationTracker owns applicant records. Every check reads the Registry;
// nothing is cached between calls.
type ApplicationTracker struct {
	registry    Registry
	maxAttempts int
}

func NewApplicationTracker(registry Registry, maxAttempts int) *ApplicationTracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAcceptAttempts
	}
	return &ApplicationTracker{registry: registry, maxAttempts: maxAttempts}
}

// Apply records userID as an applicant of an open job. A second application
// for the same pair fails with ErrAlreadyApplied, whatever its acceptance.
func (t *ApplicationTracker) Apply(ctx context.Context, jobID, userID string) (Applicant, Job, error) {
	job, err := t.registry.GetJob(ctx, jobID)
	if err != nil {
		return Applicant{}, Job{}, err
	}
	if job.Status != StatusOpen {
		return Applicant{}, job, ErrJobClosed
	}
	if job.OwnerID == userID {
		return Applicant{}, job, ErrSelfApply
	}
	a, err := t.registry.InsertApplicant(ctx, Applicant{JobID: jobID, UserID: userID})
	if errors.Is(err, ErrDuplicate) {
		return Applicant{}, job, ErrAlreadyApplied
	}
	return a, job, err
}

// Accept flips an applicant to accepted if a slot is free. The count is
// re-read on every attempt and the write is conditional on it, so two
// concurrent accepts can never both take the last slot.
func (t *ApplicationTracker) Accept(ctx context.Context, jobID, userID string) (AcceptResult, error) {
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		job, err := t.registry.GetJob(ctx, jobID)
		if err != nil {
			return AcceptResult{}, err
		}
		if job.Status != StatusOpen {
			return AcceptResult{}, ErrWrongState
		}
		applicants, err := t.registry.ListApplicants(ctx, jobID)
		if err != nil {
			return AcceptResult{}, err
		}

		target, found := findApplicant(applicants, userID)
		if !found {
			return AcceptResult{}, ErrNotFound
		}
		count := len(acceptedOf(applicants))
		if target.Accepted {
			return AcceptResult{Applicant: target, AcceptedCount: count, Slots: job.Slots}, nil
		}
		if !CanAccept(count, job.Slots) {
			return AcceptResult{}, ErrCapacityExceeded
		}

		a, err := t.registry.UpsertApplicant(ctx, jobID, userID, true, count)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return AcceptResult{}, err
		}
		return AcceptResult{Applicant: a, AcceptedCount: count + 1, Slots: job.Slots}, nil
	}
	return AcceptResult{}, ErrConflict
}

// Reject clears the acceptance flag. Rejecting twice is a no-op success.
func (t *ApplicationTracker) Reject(ctx context.Context, jobID, userID string) (Applicant, error) {
	job, err := t.registry.GetJob(ctx, jobID)
	if err != nil {
		return Applicant{}, err
	}
	if job.Status != StatusOpen {
		return Applicant{}, ErrWrongState
	}
	a, err := t.registry.UpsertApplicant(ctx, jobID, userID, false, -1)
	if errors.Is(err, ErrConflict) {
		return Applicant{}, ErrWrongState
	}
	return a, err
}

func (t *ApplicationTracker) Applicants(ctx context.Context, jobID string) ([]Applicant, error) {
	if _, err := t.registry.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return t.registry.ListApplicants(ctx, jobID)
}

func (t *ApplicationTracker) HasApplied(ctx context.Context, jobID, userID string) (bool, error) {
	applicants, err := t.registry.ListApplicants(ctx, jobID)
	if err != nil {
		return false, err
	}
	_, found := findApplicant(applicants, userID)
	return found, nil
}

func findApplicant(applicants []Applicant, userID string) (Applicant, bool) {
	for _, a := range applicants {
		if a.UserID == userID {
			return a, true
		}
	}
	return Applicant{}, false
}
