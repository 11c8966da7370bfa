package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_AllJobsComplete(t *testing.T) {
	const n = 500
	var done atomic.Int64
	err := Run(context.Background(), n, 8, func(ctx context.Context, i int) error {
		done.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, n, done.Load())
}

func TestRun_FirstErrorWins(t *testing.T) {
	wantErr := errors.New("boom")
	var started atomic.Int64
	err := Run(context.Background(), 100, 4, func(ctx context.Context, i int) error {
		started.Add(1)
		if i == 7 {
			return wantErr
		}
		return nil
	})
	require.ErrorIs(t, err, wantErr)
	// Not every job should have had to start; bounded concurrency plus
	// context cancellation should cut the run short of the full 100.
	require.Less(t, started.Load(), int64(100))
}

func TestRun_ZeroJobs(t *testing.T) {
	err := Run(context.Background(), 0, 4, func(ctx context.Context, i int) error {
		t.Fatal("should not be called")
		return nil
	})
	require.NoError(t, err)
}
