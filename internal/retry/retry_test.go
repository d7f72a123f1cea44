package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

// recordSleeps returns a Sleep that records waits without blocking.
func recordSleeps(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestPolicy_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Second}.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_SuccessOnRetry(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordSleeps(&waits)}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestPolicy_ExhaustedWrapsLastError(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordSleeps(&waits)}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2, "no sleep after the last attempt")
}

func TestPolicy_PermanentStopsAndUnwraps(t *testing.T) {
	fatal := errors.New("quota exceeded")
	calls := 0
	err := Policy{MaxAttempts: 5}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(fatal)
	})
	assert.Equal(t, fatal, err, "the permanent wrapper is removed")
	assert.Equal(t, 1, calls)

	var ee *ExhaustedError
	assert.False(t, errors.As(err, &ee))
}

func TestPolicy_RetryableClassifier(t *testing.T) {
	fatal := errors.New("invalid request")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 2, calls, "stops at the first non-retryable error")
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		OnRetry:     func(int, error, time.Duration) { cancel() },
	}.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestPolicy_BackoffDoublesAndCaps(t *testing.T) {
	var waits []time.Duration
	var reported []int
	_ = Policy{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Sleep:       recordSleeps(&waits),
		OnRetry:     func(attempt int, _ error, _ time.Duration) { reported = append(reported, attempt) },
	}.Do(context.Background(), func(context.Context) error { return errTransient })

	require.Len(t, waits, 5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, reported)

	bases := []time.Duration{100, 200, 400, 400, 400}
	for i, base := range bases {
		base *= time.Millisecond
		assert.GreaterOrEqual(t, waits[i], base*3/4, "wait %d", i)
		assert.LessOrEqual(t, waits[i], base*5/4, "wait %d", i)
	}
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitter(0))
	assert.Equal(t, time.Duration(3), jitter(3), "too small to spread")
	for i := 0; i < 100; i++ {
		got := jitter(time.Second)
		assert.True(t, got >= 750*time.Millisecond && got <= 1250*time.Millisecond, "got %v", got)
	}
}

func TestTimerSleep(t *testing.T) {
	require.NoError(t, timerSleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, timerSleep(ctx, time.Hour), context.Canceled)
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
	assert.Equal(t, "inner", Permanent(inner).Error())
}
