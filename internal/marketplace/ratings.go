package marketplace

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// RatingReconciler presents one rating record per worker and submits the
// ones not yet finalized.
type RatingReconciler struct {
	registry Registry
	log      logrus.FieldLogger
}

func NewRatingReconciler(registry Registry, log logrus.FieldLogger) *RatingReconciler {
	return &RatingReconciler{registry: registry, log: log}
}

// FetchForJob returns the job's rating records, one per worker.
func (r *RatingReconciler) FetchForJob(ctx context.Context, jobID string) ([]RatingRecord, error) {
	records, err := r.registry.ListRatingRecords(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Dedupe(records), nil
}

// Outstanding returns the deduplicated records that still need a score.
func (r *RatingReconciler) Outstanding(ctx context.Context, jobID string) ([]RatingRecord, error) {
	records, err := r.FetchForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]RatingRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Finalized {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Dedupe keeps the first record seen per worker, in the given order.
func Dedupe(records []RatingRecord) []RatingRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]RatingRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.WorkerID]; ok {
			continue
		}
		seen[rec.WorkerID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// IsFullyRated reports whether every record is finalized.
func IsFullyRated(records []RatingRecord) bool {
	for _, rec := range records {
		if !rec.Finalized {
			return false
		}
	}
	return true
}

// SubmitBatch submits edits keyed by rating id. Edits for finalized records
// are skipped. The whole batch is rejected before any write if a score is out
// of range or an id does not belong to the job's effective records. Failed
// submissions are reported in a PartialFailureError; the rest stay finalized.
func (r *RatingReconciler) SubmitBatch(ctx context.Context, jobID string, edits map[string]int) (SubmitResult, error) {
	records, err := r.FetchForJob(ctx, jobID)
	if err != nil {
		return SubmitResult{}, err
	}
	byID := make(map[string]RatingRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	ids := make([]string, 0, len(edits))
	for id, score := range edits {
		if _, ok := byID[id]; !ok {
			return SubmitResult{}, ErrNotFound
		}
		if score < 1 || score > 5 {
			return SubmitResult{}, ErrInvalidScore
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := SubmitResult{Submitted: []RatingRecord{}}
	var failed []string
	for _, id := range ids {
		if byID[id].Finalized {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		rec, err := r.registry.SubmitRating(ctx, id, edits[id])
		if err != nil {
			r.log.WithFields(logrus.Fields{"job_id": jobID, "rating_id": id}).WithError(err).Warn("rating submission failed")
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			failed = append(failed, id)
			continue
		}
		res.Submitted = append(res.Submitted, rec)
	}
	if len(failed) > 0 {
		return res, &PartialFailureError{RatingIDs: failed}
	}
	return res, nil
}
