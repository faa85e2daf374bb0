// Package retry provides a bounded retry loop over cenkalti/backoff's
// exponential schedule, with additive jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"` // including the first call
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	// Jitter adds up to Jitter*delay of random extra wait.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

// Class tells the executor what to do with a failed call.
type Class int

const (
	// Retryable failures consume one attempt and back off.
	Retryable Class = iota
	// Permanent failures return immediately with zero retries.
	Permanent
	// Passthrough errors return immediately without consuming budget, e.g.
	// a call rejected before reaching the dependency.
	Passthrough
)

// Classifier determines how an error is handled.
type Classifier func(error) Class

// DefaultClassifier retries everything except caller cancellation.
func DefaultClassifier(err error) Class {
	if errors.Is(err, context.Canceled) {
		return Passthrough
	}
	return Retryable
}

var ErrBudgetExhausted = errors.New("retry budget exhausted")

// ExhaustedError is returned once MaxAttempts retryable failures happened.
// It matches ErrBudgetExhausted and the last call error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrBudgetExhausted, e.Last} }

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier

	// Sleep and Rand are replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func NewPolicy(config Config, classifier Classifier) *Policy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
		Sleep:      sleepCtx,
		Rand:       rand.Float64,
	}
}

// CalculateDelay returns min(MaxDelay, BaseDelay*2^attempt) plus jitter,
// where attempt counts failures so far starting at zero.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxInterval := p.Config.MaxDelay
	if maxInterval <= 0 {
		maxInterval = uncappedDelay
	}
	// Randomization stays off so Rand alone decides the jitter.
	schedule := &backoff.ExponentialBackOff{
		InitialInterval: p.Config.BaseDelay,
		Multiplier:      2,
		MaxInterval:     maxInterval,
	}
	schedule.Reset()
	var delay time.Duration
	for i := 0; i <= attempt && i < maxDoublings; i++ {
		delay = schedule.NextBackOff()
	}
	if delay > maxInterval {
		delay = maxInterval
	}
	if p.Config.Jitter > 0 && delay > 0 {
		r := 0.5
		if p.Rand != nil {
			r = p.Rand()
		}
		delay += time.Duration(float64(delay) * p.Config.Jitter * r)
	}
	return delay
}

const (
	// uncappedDelay stands in for a zero MaxDelay.
	uncappedDelay = 24 * time.Hour
	// maxDoublings bounds the schedule walk; the interval saturates long before.
	maxDoublings = 64
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
