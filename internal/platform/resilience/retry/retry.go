package retry

import (
	"context"
	"fmt"
)

// Run carries per-invocation state for Do.
type Run struct {
	// Prior is the number of attempts already spent, e.g. by an earlier
	// delivery of the same stage.
	Prior int
	// OnRetryableFailure runs after each retryable failure with the updated
	// attempt count. A non-nil return aborts the loop with that error.
	OnRetryableFailure func(ctx context.Context, attempts int, err error) error
}

// Do calls op until it succeeds, fails permanently, or the budget runs out.
func (p *Policy) Do(ctx context.Context, run Run, op func(ctx context.Context) error) error {
	attempts := run.Prior
	var last error
	for {
		if attempts >= p.Config.MaxAttempts {
			if last == nil {
				last = fmt.Errorf("no attempts left (%d already spent)", attempts)
			}
			return &ExhaustedError{Attempts: attempts, Last: last}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		switch p.Classifier(err) {
		case Permanent, Passthrough:
			return err
		}

		attempts++
		if run.OnRetryableFailure != nil {
			if hookErr := run.OnRetryableFailure(ctx, attempts, err); hookErr != nil {
				return hookErr
			}
		}
		if attempts >= p.Config.MaxAttempts {
			return &ExhaustedError{Attempts: attempts, Last: last}
		}
		if err := p.Sleep(ctx, p.CalculateDelay(attempts-1)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}
