package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	var retries []Attempt
	boom := errors.New("boom")

	err := Fixed(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, func(a Attempt) { retries = append(retries, a) })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Number)
	assert.Equal(t, time.Millisecond, retries[0].Next)
}

func TestFixed_SucceedsMidway(t *testing.T) {
	calls := 0
	err := Fixed(5, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPermanent_StopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad payload")
	err := Exponential(5, time.Millisecond, 10*time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(bad)
	}, nil)

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	boom := errors.New("boom")

	calls := 0
	err := Fixed(10, time.Second).Do(ctx, func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestZeroPolicy_RunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
