package generationrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
)

type scriptedDeliveries struct {
	mu       sync.Mutex
	attempts []int
	results  []DeliverResult
	errs     []error
}

func (s *scriptedDeliveries) deliver(ctx context.Context, in DeliverInput) (DeliverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.attempts)
	s.attempts = append(s.attempts, in.Attempt)
	if i < len(s.errs) && s.errs[i] != nil {
		return DeliverResult{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return DeliverResult{Ack: true, Outcome: "finished", Status: "completed"}, nil
}

func (s *scriptedDeliveries) seen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.attempts...)
}

func newEnv(t *testing.T, s *scriptedDeliveries) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(Workflow, workflow.RegisterOptions{Name: WorkflowName})
	env.RegisterActivityWithOptions(s.deliver, activity.RegisterOptions{Name: ActivityDeliver})
	return env
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWorkflowRedeliversUntilAcked(t *testing.T) {
	s := &scriptedDeliveries{results: []DeliverResult{
		{Ack: false, Outcome: "retry_later", Status: "synthesizing_audio", DelaySeconds: 30},
		{Ack: false, Outcome: "retry_later", Status: "synthesizing_audio", DelaySeconds: 60},
		{Ack: true, Outcome: "finished", Status: "completed"},
	}}
	env := newEnv(t, s)
	env.ExecuteWorkflow(WorkflowName, Input{RequestID: uuid.NewString()})

	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if got := s.seen(); !sameInts(got, []int{1, 2, 3}) {
		t.Fatalf("attempts: got %v, want [1 2 3]", got)
	}
}

func TestWorkflowRedeliversLostActivity(t *testing.T) {
	s := &scriptedDeliveries{errs: []error{errors.New("heartbeat timeout")}}
	env := newEnv(t, s)
	env.ExecuteWorkflow(WorkflowName, Input{RequestID: uuid.NewString()})

	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if got := s.seen(); !sameInts(got, []int{1, 2}) {
		t.Fatalf("attempts: got %v, want [1 2]", got)
	}
}

func TestWorkflowWaitsForResubmission(t *testing.T) {
	s := &scriptedDeliveries{results: []DeliverResult{
		{Ack: false, Outcome: "retry_later", Status: "validating", DelaySeconds: 5},
		{Ack: true, Outcome: "waiting", Status: "awaiting_clarification"},
		{Ack: true, Outcome: "finished", Status: "completed"},
	}}
	env := newEnv(t, s)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResubmit, nil)
	}, time.Minute)
	env.ExecuteWorkflow(WorkflowName, Input{RequestID: uuid.NewString()})

	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	// The resubmission is a fresh message, so its delivery count restarts.
	if got := s.seen(); !sameInts(got, []int{1, 2, 1}) {
		t.Fatalf("attempts: got %v, want [1 2 1]", got)
	}
}

func TestWorkflowRejectsEmptyRequestID(t *testing.T) {
	env := newEnv(t, &scriptedDeliveries{})
	env.ExecuteWorkflow(WorkflowName, Input{})
	if env.GetWorkflowError() == nil {
		t.Fatalf("want error for empty request_id")
	}
}

type fakeHandler struct {
	gotAttempt int
	decision   worker.Decision
}

func (f *fakeHandler) Handle(ctx context.Context, id uuid.UUID, attempt int, extend func(context.Context) error) worker.Decision {
	f.gotAttempt = attempt
	_ = extend(ctx)
	return f.decision
}

func TestDeliverActivityMapsDecision(t *testing.T) {
	h := &fakeHandler{decision: worker.Decision{
		Ack:     false,
		Delay:   1500 * time.Millisecond,
		Outcome: "retry_later",
		Status:  generation.StatusRenderingVideo,
	}}
	acts := &Activities{Processor: h}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(acts.Deliver)

	val, err := env.ExecuteActivity(acts.Deliver, DeliverInput{RequestID: uuid.NewString(), Attempt: 4})
	if err != nil {
		t.Fatalf("ExecuteActivity: %v", err)
	}
	var out DeliverResult
	if err := val.Get(&out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Ack || out.DelaySeconds != 2 || out.Status != "rendering_video" || out.Outcome != "retry_later" {
		t.Fatalf("result: got %+v", out)
	}
	if h.gotAttempt != 4 {
		t.Fatalf("attempt: got %d, want 4", h.gotAttempt)
	}
}

func TestDeliverActivityAcksMalformedID(t *testing.T) {
	acts := &Activities{Processor: &fakeHandler{}}
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(acts.Deliver)

	val, err := env.ExecuteActivity(acts.Deliver, DeliverInput{RequestID: "not-a-uuid", Attempt: 1})
	if err != nil {
		t.Fatalf("ExecuteActivity: %v", err)
	}
	var out DeliverResult
	if err := val.Get(&out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !out.Ack || out.Outcome != "malformed" {
		t.Fatalf("result: got %+v", out)
	}
}
