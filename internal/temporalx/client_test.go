package temporalx

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClampBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{10, 2 * time.Second},
	}
	for _, c := range cases {
		if got := clampBackoff(250*time.Millisecond, 2*time.Second, c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestIsRetryableRPC(t *testing.T) {
	if !isRetryableRPC(status.Error(codes.Unavailable, "down")) {
		t.Fatalf("unavailable must be retryable")
	}
	if isRetryableRPC(status.Error(codes.PermissionDenied, "no")) {
		t.Fatalf("permission denied must not be retryable")
	}
	if !isRetryableRPC(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded must be retryable")
	}
	if isRetryableRPC(errors.New("boom")) {
		t.Fatalf("plain errors must not be retryable")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("TEMPORAL_NAMESPACE", "")
	cfg := LoadConfig()
	if cfg.Namespace != "vividly" || cfg.TaskQueue != "vividly-generation" {
		t.Fatalf("defaults: got %+v", cfg)
	}
	if cfg.mTLS() {
		t.Fatalf("mTLS must be off without cert paths")
	}
	if _, err := loadTLSConfig(Config{ClientCAPath: "/tmp/ca.pem"}); err == nil {
		t.Fatalf("loadTLSConfig: want error without cert and key")
	}
}
