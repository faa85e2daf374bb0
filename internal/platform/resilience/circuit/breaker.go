// Package circuit wraps gobreaker with the per-dependency settings, errors and
// state listener the pipeline uses. One Breaker is shared by every request
// that calls the same dependency.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the current state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	// FailureThreshold consecutive failures inside Window open the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// Window is how often the closed-state counts are cleared. Zero keeps
	// them until a success resets the streak.
	Window time.Duration `yaml:"window" json:"window"`
	// Cooldown is how long the circuit stays open before one trial call.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

var DefaultConfig = Config{
	FailureThreshold: 5,
	Window:           60 * time.Second,
	Cooldown:         30 * time.Second,
}

var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned without invoking the dependency.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s (retry after %s)", e.Name, e.State, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

type Option func(*Breaker)

// WithFailurePredicate decides which call errors count against the
// dependency. By default every error except caller cancellation does.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateListener is called on every state change. It runs under the
// breaker's lock and must not call back into the Breaker.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

type Breaker struct {
	name      string
	config    Config
	isFailure func(error) bool
	onChange  func(name string, from, to State)

	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt atomic.Int64
}

func New(name string, config Config, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig.Cooldown
	}
	if config.Window < 0 {
		config.Window = 0
	}
	b := &Breaker{
		name:      name,
		config:    config,
		isFailure: defaultIsFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	threshold := uint32(config.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    config.Window,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.stateChanged,
	})
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state. An open circuit whose cooldown expired
// reads as half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Allow reserves permission for one call. The returned done func must be
// called exactly once with the call's error.
func (b *Breaker) Allow() (func(err error), error) {
	done, err := b.cb.Allow()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, &OpenError{Name: b.name, State: Open, RetryAfter: b.retryAfter()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &OpenError{Name: b.name, State: HalfOpen}
	case err != nil:
		return nil, err
	}
	var called atomic.Bool
	return func(callErr error) {
		if called.CompareAndSwap(false, true) {
			done(!b.isFailure(callErr))
		}
	}, nil
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			done(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		done(err)
	}()
	return fn(ctx)
}

func (b *Breaker) retryAfter() time.Duration {
	opened := b.openedAt.Load()
	if opened == 0 {
		return b.config.Cooldown
	}
	left := b.config.Cooldown - time.Since(time.Unix(0, opened))
	if left < 0 {
		return 0
	}
	return left
}

func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		b.openedAt.Store(time.Now().UnixNano())
	}
	if b.onChange != nil {
		b.onChange(b.name, fromGobreaker(from), fromGobreaker(to))
	}
}
