package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("503 upstream")
	errFatal     = errors.New("content rejected")
	errRejected  = errors.New("breaker open")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errFatal):
		return Permanent
	case errors.Is(err, errRejected):
		return Passthrough
	default:
		return DefaultClassifier(err)
	}
}

func newTestPolicy(sleeps *[]time.Duration) *Policy {
	p := NewPolicy(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Jitter: 0.5}, classify)
	p.Rand = func() float64 { return 0 }
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return p
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	calls := 0
	err := p.Do(context.Background(), Run{}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	calls := 0
	err := p.Do(context.Background(), Run{}, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("generate: %w", errFatal)
	})
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
	assert.False(t, errors.Is(err, ErrBudgetExhausted))
}

func TestDo_ExhaustionIsDistinguished(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	calls := 0
	err := p.Do(context.Background(), Run{}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.ErrorIs(t, err, errTransient)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, 3, calls, "never more than MaxAttempts calls")
	assert.Len(t, sleeps, 2)
}

func TestDo_PriorAttemptsCountAgainstBudget(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	calls := 0
	var recorded []int
	err := p.Do(context.Background(), Run{
		Prior: 2,
		OnRetryableFailure: func(ctx context.Context, attempts int, err error) error {
			recorded = append(recorded, attempts)
			return nil
		},
	}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{3}, recorded)

	calls = 0
	err = p.Do(context.Background(), Run{Prior: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 0, calls)
}

func TestDo_PassthroughKeepsBudget(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	hooked := false
	err := p.Do(context.Background(), Run{
		OnRetryableFailure: func(ctx context.Context, attempts int, err error) error {
			hooked = true
			return nil
		},
	}, func(ctx context.Context) error { return errRejected })
	require.ErrorIs(t, err, errRejected)
	assert.False(t, hooked)
	assert.False(t, errors.Is(err, ErrBudgetExhausted))
}

func TestDo_HookErrorAborts(t *testing.T) {
	var sleeps []time.Duration
	p := newTestPolicy(&sleeps)
	lost := errors.New("lost lease")
	calls := 0
	err := p.Do(context.Background(), Run{
		OnRetryableFailure: func(ctx context.Context, attempts int, err error) error { return lost },
	}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, lost)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, BaseDelay: time.Hour}, classify)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, Run{}, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}, nil)
	p.Rand = func() float64 { return 1 }
	assert.Equal(t, 150*time.Millisecond, p.CalculateDelay(0))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(1))
	assert.Equal(t, 1500*time.Millisecond, p.CalculateDelay(10), "cap applies before jitter")

	p.Config.Jitter = 0
	assert.Equal(t, 400*time.Millisecond, p.CalculateDelay(2))

	p.Config.BaseDelay = 2 * time.Second
	assert.Equal(t, time.Second, p.CalculateDelay(0), "base above the cap is clamped")

	p.Config.MaxDelay = 0
	assert.Equal(t, 16*time.Second, p.CalculateDelay(3))
}
