package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/httpx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

// classify maps a vendor error onto the capability contract. Unknown
// errors stay retryable; a cancelled caller passes through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return err
	}
	var refusal *openai.RefusalError
	if errors.As(err, &refusal) {
		return capability.Permanent(err)
	}
	var job *openai.VideoJobError
	if errors.As(err, &job) {
		if isPolicyCode(job.Code) {
			return capability.Permanent(err)
		}
		return capability.Retryable(err)
	}
	if httpx.IsRetryableError(err) {
		return capability.Retryable(err)
	}
	var status httpx.HTTPStatusCoder
	if errors.As(err, &status) {
		return capability.Permanent(err)
	}
	return capability.Retryable(err)
}

func isPolicyCode(code string) bool {
	code = strings.ToLower(code)
	for _, marker := range []string{"moderation", "policy", "safety", "invalid"} {
		if strings.Contains(code, marker) {
			return true
		}
	}
	return false
}
