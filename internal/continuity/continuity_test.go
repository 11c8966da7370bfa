package continuity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChain_AllStepsRun(t *testing.T) {
	var ran []string
	err := New().
		Thenf("one", func() error { ran = append(ran, "one"); return nil }).
		Thenf("two", func() error { ran = append(ran, "two"); return nil }).
		Err()
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, ran)
}

func TestChain_StopsAtFirstFailure(t *testing.T) {
	wantErr := errors.New("boom")
	var ran []string
	err := New().
		Thenf("one", func() error { ran = append(ran, "one"); return nil }).
		Thenf("two", func() error { ran = append(ran, "two"); return wantErr }).
		Thenf("three", func() error { ran = append(ran, "three"); return nil }).
		Err()

	require.Error(t, err)
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, []string{"one", "two"}, ran)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, "two", stepErr.Step)
}
