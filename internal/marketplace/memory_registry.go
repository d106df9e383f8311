package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type applicantKey struct{ jobID, userID string }

type intentKey struct {
	jobID  string
	kind   IntentKind
	userID string
}

// MemoryRegistry is an in-process Store for local runs and tests. Every
// method holds one lock, so conditional writes are atomic.
type MemoryRegistry struct {
	mu         sync.Mutex
	jobs       map[string]Job
	applicants map[applicantKey]Applicant
	order      map[string][]string
	ratings    []RatingRecord
	intents    map[string]TransferIntent
	intentKeys map[intentKey]string
	now        func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs:       make(map[string]Job),
		applicants: make(map[applicantKey]Applicant),
		order:      make(map[string][]string),
		intents:    make(map[string]TransferIntent),
		intentKeys: make(map[intentKey]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRegistry) CreateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryRegistry) GetJob(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryRegistry) SetJobStatus(ctx context.Context, jobID string, expected, next JobStatus) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != expected {
		return Job{}, ErrConflict
	}
	job.Status = next
	job.UpdatedAt = m.now()
	m.jobs[jobID] = job

	if next == StatusFinished {
		for _, uid := range m.order[jobID] {
			if m.applicants[applicantKey{jobID, uid}].Accepted {
				m.ratings = append(m.ratings, RatingRecord{
					ID:        uuid.NewString(),
					JobID:     jobID,
					WorkerID:  uid,
					UpdatedAt: job.UpdatedAt,
				})
			}
		}
	}
	return cloneJob(job), nil
}

func (m *MemoryRegistry) ListApplicants(ctx context.Context, jobID string) ([]Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Applicant, 0, len(m.order[jobID]))
	for _, uid := range m.order[jobID] {
		out = append(out, m.applicants[applicantKey{jobID, uid}])
	}
	return out, nil
}

func (m *MemoryRegistry) InsertApplicant(ctx context.Context, a Applicant) (Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := applicantKey{a.JobID, a.UserID}
	if _, ok := m.applicants[key]; ok {
		return Applicant{}, ErrDuplicate
	}
	if a.AppliedAt.IsZero() {
		a.AppliedAt = m.now()
	}
	a.UpdatedAt = a.AppliedAt
	m.applicants[key] = a
	m.order[a.JobID] = append(m.order[a.JobID], a.UserID)
	return a, nil
}

func (m *MemoryRegistry) UpsertApplicant(ctx context.Context, jobID, userID string, accepted bool, expectedAccepted int) (Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Applicant{}, ErrNotFound
	}
	key := applicantKey{jobID, userID}
	a, ok := m.applicants[key]
	if !ok {
		return Applicant{}, ErrNotFound
	}
	if job.Status != StatusOpen {
		return Applicant{}, ErrConflict
	}
	if expectedAccepted >= 0 && m.acceptedCountLocked(jobID) != expectedAccepted {
		return Applicant{}, ErrConflict
	}
	a.Accepted = accepted
	a.UpdatedAt = m.now()
	m.applicants[key] = a
	return a, nil
}

func (m *MemoryRegistry) acceptedCountLocked(jobID string) int {
	n := 0
	for _, uid := range m.order[jobID] {
		if m.applicants[applicantKey{jobID, uid}].Accepted {
			n++
		}
	}
	return n
}

func (m *MemoryRegistry) ListRatingRecords(ctx context.Context, jobID string) ([]RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RatingRecord
	for _, r := range m.ratings {
		if r.JobID == jobID {
			out = append(out, cloneRating(r))
		}
	}
	return out, nil
}

func (m *MemoryRegistry) SubmitRating(ctx context.Context, ratingID string, score int) (RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.ratings {
		if r.ID == ratingID {
			s := score
			r.Score = &s
			r.Finalized = true
			r.UpdatedAt = m.now()
			m.ratings[i] = r
			return cloneRating(r), nil
		}
	}
	return RatingRecord{}, ErrNotFound
}

// AddRatingRecord appends a raw rating row, duplicates included.
func (m *MemoryRegistry) AddRatingRecord(r RatingRecord) RatingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	m.ratings = append(m.ratings, cloneRating(r))
	return r
}

func (m *MemoryRegistry) RecordIntent(ctx context.Context, in TransferIntent) (TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := intentKey{in.JobID, in.Kind, in.UserID}
	if _, ok := m.intentKeys[key]; ok {
		return TransferIntent{}, ErrDuplicate
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = IntentPending
	}
	if in.Attempt == 0 {
		in.Attempt = 1
	}
	in.CreatedAt = m.now()
	in.UpdatedAt = in.CreatedAt
	m.intents[in.ID] = in
	m.intentKeys[key] = in.ID
	return in, nil
}

func (m *MemoryRegistry) GetIntent(ctx context.Context, jobID string, kind IntentKind, userID string) (TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.intentKeys[intentKey{jobID, kind, userID}]
	if !ok {
		return TransferIntent{}, ErrNotFound
	}
	return m.intents[id], nil
}

func (m *MemoryRegistry) ResolveIntent(ctx context.Context, intentID string, status IntentStatus, reason string) (TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intentID]
	if !ok {
		return TransferIntent{}, ErrNotFound
	}
	in.Status = status
	in.Reason = reason
	in.UpdatedAt = m.now()
	m.intents[intentID] = in
	return in, nil
}

func (m *MemoryRegistry) ReopenIntent(ctx context.Context, intentID string, from IntentStatus, transferID string, amount int64) (TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intentID]
	if !ok {
		return TransferIntent{}, ErrNotFound
	}
	if in.Status != from {
		return TransferIntent{}, ErrConflict
	}
	in.Status = IntentPending
	in.TransferID = transferID
	in.Amount = amount
	in.Attempt++
	in.Reason = ""
	in.UpdatedAt = m.now()
	m.intents[intentID] = in
	return in, nil
}

func (m *MemoryRegistry) ListIntents(ctx context.Context, jobID string) ([]TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransferIntent
	for _, in := range m.intents {
		if in.JobID == jobID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneJob(j Job) Job {
	if j.Tags != nil {
		j.Tags = append([]string(nil), j.Tags...)
	}
	return j
}

func cloneRating(r RatingRecord) RatingRecord {
	if r.Score != nil {
		s := *r.Score
		r.Score = &s
	}
	return r
}
