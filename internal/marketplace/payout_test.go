package marketplace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAccept(t *testing.T) {
	cases := []struct {
		accepted, slots int
		want            bool
	}{
		{0, 1, true},
		{1, 2, true},
		{2, 2, false},
		{3, 2, false},
		{0, 0, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanAccept(tc.accepted, tc.slots), "accepted=%d slots=%d", tc.accepted, tc.slots)
	}
}

func TestSplitEven(t *testing.T) {
	per, rem, err := Split(100, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 50, per)
	assert.EqualValues(t, 0, rem)
}

func TestSplitKeepsRemainderUnpaid(t *testing.T) {
	per, rem, err := Split(101, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 33, per)
	assert.EqualValues(t, 2, rem)

	per, rem, err = Split(2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 0, per)
	assert.EqualValues(t, 2, rem)
}

func TestSplitBounds(t *testing.T) {
	for total := int64(0); total <= 500; total += 7 {
		for workers := 1; workers <= 12; workers++ {
			per, rem, err := Split(total, workers)
			require.NoError(t, err)
			n := int64(workers)
			assert.LessOrEqual(t, per*n, total)
			assert.Less(t, total, per*n+n)
			assert.Equal(t, total, per*n+rem)
			assert.Less(t, rem, n)
		}
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	_, _, err := Split(100, 0)
	assert.Error(t, err)
	_, _, err = Split(-1, 2)
	assert.Error(t, err)
}

func TestSalaryBasis(t *testing.T) {
	assert.EqualValues(t, 100, BasisTotal.EscrowTotal(100, 3))
	assert.EqualValues(t, 300, BasisPerWorker.EscrowTotal(100, 3))

	b, err := ParseSalaryBasis("")
	require.NoError(t, err)
	assert.Equal(t, BasisTotal, b)
	b, err = ParseSalaryBasis("per_worker")
	require.NoError(t, err)
	assert.Equal(t, BasisPerWorker, b)
	_, err = ParseSalaryBasis("hourly")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusOpen.CanTransition(StatusOngoing))
	assert.True(t, StatusOpen.CanTransition(StatusCancelled))
	assert.True(t, StatusOngoing.CanTransition(StatusFinished))
	assert.False(t, StatusOngoing.CanTransition(StatusCancelled))
	assert.False(t, StatusFinished.CanTransition(StatusOpen))
	assert.False(t, StatusCancelled.CanTransition(StatusOpen))
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusOngoing.Terminal())
}
