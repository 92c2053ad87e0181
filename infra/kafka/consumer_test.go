package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fenrir/domain/match"
)

func TestApplyCommandRetriesSameCommand(t *testing.T) {
	calls := 0
	handle := func(ctx context.Context, cmd match.Command) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("instrument stream halted")
		}
		return false, nil
	}

	err := applyCommand(context.Background(), zap.NewNop(), handle, match.Command{ClientOrderID: "c1"}, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, calls, "the same command retries until it lands")
}

func TestApplyCommandFinalErrorSettles(t *testing.T) {
	calls := 0
	handle := func(ctx context.Context, cmd match.Command) (bool, error) {
		calls++
		return true, errors.New("order not found")
	}

	err := applyCommand(context.Background(), zap.NewNop(), handle, match.Command{}, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "final rejections never retry")
}

func TestApplyCommandStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := func(ctx context.Context, cmd match.Command) (bool, error) {
		cancel()
		return false, errors.New("instrument stream halted")
	}

	err := applyCommand(ctx, zap.NewNop(), handle, match.Command{}, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
