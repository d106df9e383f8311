package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

func seedJob(t *testing.T, reg Registry, id, owner string, salary int64, slots int) Job {
	t.Helper()
	job := Job{
		ID:            id,
		OwnerID:       owner,
		Title:         "job " + id,
		Salary:        salary,
		Slots:         slots,
		Status:        StatusOpen,
		EscrowAccount: wallet.EscrowAccount(id),
	}
	require.NoError(t, reg.CreateJob(context.Background(), job))
	return job
}

// conflictingRegistry loses every nth conditional write as if another
// session had committed first.
type conflictingRegistry struct {
	*MemoryRegistry
	every int32
	calls atomic.Int32
}

func (r *conflictingRegistry) UpsertApplicant(ctx context.Context, jobID, userID string, accepted bool, expected int) (Applicant, error) {
	if r.every > 0 && r.calls.Add(1)%r.every == 0 {
		return Applicant{}, ErrConflict
	}
	return r.MemoryRegistry.UpsertApplicant(ctx, jobID, userID, accepted, expected)
}

func TestApplyTwiceYieldsOneApplicant(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 0)

	a, _, err := tracker.Apply(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", a.UserID)
	assert.False(t, a.Accepted)

	_, _, err = tracker.Apply(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrAlreadyApplied)

	applicants, err := reg.ListApplicants(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, applicants, 1)
}

func TestApplyRules(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 0)

	_, _, err := tracker.Apply(ctx, "missing", "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = tracker.Apply(ctx, "j1", "owner")
	assert.ErrorIs(t, err, ErrSelfApply)

	_, err = reg.SetJobStatus(ctx, "j1", StatusOpen, StatusCancelled)
	require.NoError(t, err)
	_, _, err = tracker.Apply(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrJobClosed)
}

func TestRejectedApplicantCannotReapply(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 0)

	_, _, err := tracker.Apply(ctx, "j1", "w1")
	require.NoError(t, err)
	_, err = tracker.Reject(ctx, "j1", "w1")
	require.NoError(t, err)

	_, _, err = tracker.Apply(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrAlreadyApplied)
}

func TestAcceptThirdApplicantOverCapacity(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 0)

	for _, w := range []string{"w1", "w2", "w3"} {
		_, _, err := tracker.Apply(ctx, "j1", w)
		require.NoError(t, err)
	}
	res, err := tracker.Accept(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedCount)
	res, err = tracker.Accept(ctx, "j1", "w2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AcceptedCount)
	assert.Equal(t, 2, res.Slots)

	_, err = tracker.Accept(ctx, "j1", "w3")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	applicants, _ := reg.ListApplicants(ctx, "j1")
	third, _ := findApplicant(applicants, "w3")
	assert.False(t, third.Accepted)
	assert.Len(t, acceptedOf(applicants), 2)
}

func TestAcceptIsIdempotentForAcceptedApplicant(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 1)
	tracker := NewApplicationTracker(reg, 0)

	_, _, err := tracker.Apply(ctx, "j1", "w1")
	require.NoError(t, err)
	_, err = tracker.Accept(ctx, "j1", "w1")
	require.NoError(t, err)

	// The job is full, but the applicant already holds a slot
	res, err := tracker.Accept(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.True(t, res.Applicant.Accepted)
	assert.Equal(t, 1, res.AcceptedCount)
}

func TestAcceptUnknownApplicant(t *testing.T) {
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 1)
	tracker := NewApplicationTracker(reg, 0)

	_, err := tracker.Accept(context.Background(), "j1", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectIsIdempotentAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 1)
	tracker := NewApplicationTracker(reg, 0)

	for _, w := range []string{"w1", "w2"} {
		_, _, err := tracker.Apply(ctx, "j1", w)
		require.NoError(t, err)
	}
	_, err := tracker.Accept(ctx, "j1", "w1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		a, err := tracker.Reject(ctx, "j1", "w1")
		require.NoError(t, err)
		assert.False(t, a.Accepted)
	}
	_, err = tracker.Accept(ctx, "j1", "w2")
	assert.NoError(t, err)

	_, err = tracker.Reject(ctx, "j1", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptAndRejectOnlyWhileOpen(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 0)
	_, _, err := tracker.Apply(ctx, "j1", "w1")
	require.NoError(t, err)

	_, err = reg.SetJobStatus(ctx, "j1", StatusOpen, StatusOngoing)
	require.NoError(t, err)

	_, err = tracker.Accept(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrWrongState)
	_, err = tracker.Reject(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestAcceptGivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	reg := &conflictingRegistry{MemoryRegistry: NewMemoryRegistry(), every: 1}
	seedJob(t, reg, "j1", "owner", 100, 2)
	tracker := NewApplicationTracker(reg, 3)
	_, _, err := tracker.Apply(ctx, "j1", "w1")
	require.NoError(t, err)

	_, err = tracker.Accept(ctx, "j1", "w1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.EqualValues(t, 3, reg.calls.Load())
}

func TestConcurrentAcceptNeverExceedsSlots(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 25; round++ {
		reg := &conflictingRegistry{MemoryRegistry: NewMemoryRegistry(), every: int32(2 + rng.Intn(4))}
		slots := 1 + rng.Intn(4)
		jobID := fmt.Sprintf("j%d", round)
		seedJob(t, reg, jobID, "owner", 100, slots)
		tracker := NewApplicationTracker(reg, 50)

		workers := 3 + rng.Intn(8)
		for i := 0; i < workers; i++ {
			_, _, err := tracker.Apply(ctx, jobID, fmt.Sprintf("w%d", i))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var won atomic.Int32
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(uid string) {
				defer wg.Done()
				_, err := tracker.Accept(ctx, jobID, uid)
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrConflict):
				default:
					t.Errorf("unexpected accept error: %v", err)
				}
			}(fmt.Sprintf("w%d", i))
		}
		wg.Wait()

		applicants, err := reg.ListApplicants(ctx, jobID)
		require.NoError(t, err)
		accepted := len(acceptedOf(applicants))
		assert.LessOrEqual(t, accepted, slots, "round %d", round)
		assert.EqualValues(t, accepted, won.Load(), "round %d", round)
	}
}
