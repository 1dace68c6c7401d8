package ladder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunReturnsFirstSuccess(t *testing.T) {
	calls := []string{}
	rungs := []Rung[string]{
		{Name: "GetPartialObject64", Run: func(ctx context.Context) (string, error) {
			calls = append(calls, "GetPartialObject64")
			return "", errors.New("not supported")
		}},
		{Name: "GetPartialObject", Run: func(ctx context.Context) (string, error) {
			calls = append(calls, "GetPartialObject")
			return "chunk", nil
		}},
		{Name: "GetObject", Run: func(ctx context.Context) (string, error) {
			calls = append(calls, "GetObject")
			return "full", nil
		}},
	}

	val, attempts, err := Run(context.Background(), rungs, 0)
	require.NoError(t, err)
	require.Equal(t, "chunk", val)
	require.Equal(t, []string{"GetPartialObject64", "GetPartialObject"}, calls)
	require.Len(t, attempts, 2)
	require.NotNil(t, attempts[0].Err)
	require.Nil(t, attempts[1].Err)
}

func TestRunFailsWhenAllRungsFail(t *testing.T) {
	rungs := []Rung[int]{
		{Name: "a", Run: func(ctx context.Context) (int, error) { return 0, errors.New("a failed") }},
		{Name: "b", Run: func(ctx context.Context) (int, error) { return 0, errors.New("b failed") }},
	}

	_, attempts, err := Run(context.Background(), rungs, 0)
	require.Error(t, err)
	require.Len(t, attempts, 2)
}

func TestRunHonorsStartingRungFromPolicy(t *testing.T) {
	calls := []string{}
	rungs := []Rung[int]{
		{Name: "skipped", Run: func(ctx context.Context) (int, error) {
			calls = append(calls, "skipped")
			return 0, errors.New("should never run")
		}},
		{Name: "start-here", Run: func(ctx context.Context) (int, error) {
			calls = append(calls, "start-here")
			return 42, nil
		}},
	}

	val, attempts, err := Run(context.Background(), rungs, 1)
	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.Equal(t, []string{"start-here"}, calls)
	require.Len(t, attempts, 1)
}

func TestRunRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rungs := []Rung[int]{
		{Name: "a", Run: func(ctx context.Context) (int, error) { return 1, nil }},
	}

	_, _, err := Run(ctx, rungs, 0)
	require.Error(t, err)
}
