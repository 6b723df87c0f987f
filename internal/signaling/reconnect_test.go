package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunWithBoundedRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	connect := func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("boom")
		}
		return nil
	}

	err := runWithBoundedRetry(context.Background(), 5, time.Millisecond, discardLogger(), connect)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunWithBoundedRetryGivesUpAfterMax(t *testing.T) {
	attempts := 0
	connect := func(context.Context) error {
		attempts++
		return errors.New("boom")
	}

	err := runWithBoundedRetry(context.Background(), 3, time.Millisecond, discardLogger(), connect)
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunWithBoundedRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	connect := func(context.Context) error {
		attempts++
		return errors.New("boom")
	}

	err := runWithBoundedRetry(ctx, 5, time.Millisecond, discardLogger(), connect)
	require.Error(t, err)
	require.Equal(t, 0, attempts)
}
