package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	got, attempts, err := retry.Do(context.Background(), fastPolicy(3), "test", func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("transient")
		}

		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0

	_, attempts, err := retry.Do(context.Background(), fastPolicy(3), "test", func(context.Context, int) (int, error) {
		calls++

		return 0, errors.New("down")
	})

	require.EqualError(t, err, "down")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	sentinel := errors.New("digest mismatch")

	_, attempts, err := retry.Do(context.Background(), fastPolicy(5), "test", func(context.Context, int) (int, error) {
		return 0, retry.Permanent(sentinel)
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestDo_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := retry.Policy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}

	_, attempts, err := retry.Do(ctx, p, "test", func(context.Context, int) (int, error) {
		cancel()

		return 0, errors.New("down")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, retry.Permanent(nil))
}
