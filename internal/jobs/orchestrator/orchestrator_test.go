package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/testutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability/capabilitytest"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/circuit"
)

// testCooldown keeps breaker recovery fast; the breakers read the wall clock.
const testCooldown = 150 * time.Millisecond

type harness struct {
	gdb   *gorm.DB
	reqs  requests.RequestRepo
	dls   requests.DeadLetterRepo
	fakes *capabilitytest.Fakes
	orch  *Orchestrator
	ctx   context.Context
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	h := &harness{
		gdb:   gdb,
		reqs:  requests.NewRequestRepo(gdb, log),
		dls:   requests.NewDeadLetterRepo(gdb, log),
		fakes: capabilitytest.New(),
		ctx:   context.Background(),
	}
	policy := DefaultPolicy()
	for dep, cfg := range policy.Dependencies {
		cfg.Cooldown = testCooldown
		policy.Dependencies[dep] = cfg
	}
	orch, err := New(gdb, log, h.reqs, h.dls, h.fakes.Set(), policy, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) enqueue(t *testing.T, query string, grade int) uuid.UUID {
	t.Helper()
	req := &generation.GenerationRequest{
		LearnerQuery:      query,
		GradeLevel:        grade,
		DeclaredInterests: generation.JSON([]string{"basketball"}),
	}
	if err := h.reqs.Create(dbctx.Of(h.ctx), req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req.ID
}

func (h *harness) load(t *testing.T, id uuid.UUID) *generation.GenerationRequest {
	t.Helper()
	return testutil.Reload(t, h.gdb, id)
}

func TestRunCompletesAllStages(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)

	res := h.orch.Run(h.ctx, id)
	if res.Outcome != OutcomeFinished || res.Status != generation.StatusCompleted {
		t.Fatalf("Run: got %+v, want finished/completed", res)
	}
	if !res.Ack() {
		t.Fatalf("Run: completed result must be acked")
	}

	got := h.load(t, id)
	if got.Status != generation.StatusCompleted {
		t.Fatalf("status: got %s", got.Status)
	}
	arts := got.ArtifactsValue()
	if arts == nil || arts.Video == "" || arts.Script == "" || arts.AudioRef == "" {
		t.Fatalf("artifacts: got %+v", arts)
	}
	if got.ClarificationValue() != nil {
		t.Fatalf("clarification must be null outside awaiting_clarification")
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt_count: got %d", got.AttemptCount)
	}
	if got.Topic != "Newton's third law" {
		t.Fatalf("topic: got %q", got.Topic)
	}
	if got.ClaimedBy != "" {
		t.Fatalf("claim must be cleared on completion, got %q", got.ClaimedBy)
	}

	f := h.fakes
	for name, calls := range map[string]int{
		"extractor": f.Extractor.Calls(),
		"embedder":  f.Embedder.Calls(),
		"retriever": f.Retriever.Calls(),
		"scripts":   f.Scripts.Calls(),
		"audio":     f.Audio.Calls(),
		"video":     f.Video.Calls(),
		"notifier":  f.Notifier.Calls(),
	} {
		if calls != 1 {
			t.Fatalf("%s calls: got %d, want 1", name, calls)
		}
	}
	if n := len(f.Scripts.LastChunks()); n != 2 {
		t.Fatalf("script context: got %d chunks, want 2", n)
	}

	// A second delivery of the same id is a no-op.
	res = h.orch.Run(h.ctx, id)
	if res.Outcome != OutcomeFinished || f.ExternalCalls() != 5 {
		t.Fatalf("redelivery after completion: res=%+v calls=%d", res, f.ExternalCalls())
	}
}

func TestLowConfidenceParksForClarification(t *testing.T) {
	h := newHarness(t)
	h.fakes.Extractor.Fn = func(call int, query string) (capability.Extraction, error) {
		if strings.Contains(query, "forces") {
			return capability.Extraction{Topic: "Newton's third law", Confidence: 0.92}, nil
		}
		return capability.Extraction{
			Confidence: 0.4,
			Questions:  []string{"Which area of science?", "Is this for a class project?", " "},
			Reasoning:  "query is too broad",
		}, nil
	}
	id := h.enqueue(t, "Tell me about science", 7)

	res := h.orch.Run(h.ctx, id)
	if res.Outcome != OutcomeWaiting {
		t.Fatalf("Run: got %+v, want waiting", res)
	}
	got := h.load(t, id)
	if got.Status != generation.StatusAwaitingClarification {
		t.Fatalf("status: got %s", got.Status)
	}
	c := got.ClarificationValue()
	if c == nil || len(c.Questions) != 2 {
		t.Fatalf("clarification: got %+v, want 2 questions", c)
	}
	if f := h.fakes; f.Embedder.Calls() != 0 || f.Scripts.Calls() != 0 {
		t.Fatalf("no later stage may run while awaiting clarification")
	}

	// Redelivery without a resubmission stays parked.
	if res := h.orch.Run(h.ctx, id); res.Outcome != OutcomeWaiting || h.fakes.Extractor.Calls() != 1 {
		t.Fatalf("redelivery: res=%+v extractor calls=%d", res, h.fakes.Extractor.Calls())
	}

	ok, err := h.reqs.Resubmit(dbctx.Of(h.ctx), id, "Tell me about science: forces in basketball", nil)
	if err != nil || !ok {
		t.Fatalf("Resubmit: ok=%v err=%v", ok, err)
	}
	req := h.load(t, id)
	if _, more := h.orch.step(h.ctx, h.orch.log, req); !more {
		t.Fatalf("step: awaiting -> validating should continue")
	}
	got = h.load(t, id)
	if got.Status != generation.StatusValidating || got.ClarificationValue() != nil || got.ResubmittedAt != nil {
		t.Fatalf("after resubmission: status=%s clarification=%s resubmitted_at=%v", got.Status, got.Clarification, got.ResubmittedAt)
	}

	if res := h.orch.Run(h.ctx, id); res.Status != generation.StatusCompleted {
		t.Fatalf("Run after resubmission: got %+v", res)
	}
}

func TestScriptBreakerOpensAndRecovers(t *testing.T) {
	h := newHarness(t)
	h.fakes.Scripts.Fn = func(call int, topic string, chunks []corpus.RetrievedChunk) (string, error) {
		if call <= 5 {
			return "", capabilitytest.Timeout()
		}
		return "A short script about forces.", nil
	}
	first := h.enqueue(t, "Explain Newton's third law using basketball", 10)
	second := h.enqueue(t, "Explain Newton's third law using soccer", 9)

	// The first request burns its whole stage budget.
	res := h.orch.Run(h.ctx, first)
	if res.Status != generation.StatusFailed {
		t.Fatalf("first Run: got %+v, want failed", res)
	}
	if calls := h.fakes.Scripts.Calls(); calls != 3 {
		t.Fatalf("script calls after first request: got %d, want 3", calls)
	}
	failed := h.load(t, first)
	if e := failed.ErrorValue(); e == nil || e.Kind != generation.ErrorKindBudgetExhausted || e.Stage != generation.StatusGeneratingScript {
		t.Fatalf("first error: got %+v", e)
	}
	dl, err := h.dls.GetByRequestID(dbctx.Of(h.ctx), first)
	if err != nil || dl.AttemptCount != 3 || dl.LastStage != generation.StatusGeneratingScript {
		t.Fatalf("dead letter: got %+v err=%v", dl, err)
	}

	// Two more timeouts reach the threshold; the third attempt fails fast.
	res = h.orch.Run(h.ctx, second)
	if res.Outcome != OutcomeRetryLater || !errors.Is(res.Err, circuit.ErrOpen) {
		t.Fatalf("second Run: got %+v, want retry_later on open breaker", res)
	}
	if calls := h.fakes.Scripts.Calls(); calls != 5 {
		t.Fatalf("script calls: got %d, want 5", calls)
	}
	if st := h.orch.Breakers().Get(DepScriptGenerator).State(); st != circuit.Open {
		t.Fatalf("breaker: got %s, want open", st)
	}
	parked := h.load(t, second)
	if parked.Status != generation.StatusGeneratingScript || parked.AttemptCount != 2 {
		t.Fatalf("second request: status=%s attempts=%d", parked.Status, parked.AttemptCount)
	}

	// Still open: the redelivery never reaches the generator.
	if res := h.orch.Run(h.ctx, second); res.Outcome != OutcomeRetryLater || h.fakes.Scripts.Calls() != 5 {
		t.Fatalf("redelivery before cooldown: res=%+v calls=%d", res, h.fakes.Scripts.Calls())
	}

	time.Sleep(testCooldown + 20*time.Millisecond)
	res = h.orch.Run(h.ctx, second)
	if res.Status != generation.StatusCompleted {
		t.Fatalf("Run after cooldown: got %+v", res)
	}
	if calls := h.fakes.Scripts.Calls(); calls != 6 {
		t.Fatalf("script calls after trial: got %d, want 6", calls)
	}
	if st := h.orch.Breakers().Get(DepScriptGenerator).State(); st != circuit.Closed {
		t.Fatalf("breaker after trial: got %s, want closed", st)
	}
}

func TestEmptyRetrievalContinuesWithEmptyContext(t *testing.T) {
	h := newHarness(t)
	h.fakes.Embedder.Fn = func(call int, text string) ([]float32, error) {
		return []float32{0, 0, 1}, nil
	}
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)

	if res := h.orch.Run(h.ctx, id); res.Status != generation.StatusCompleted {
		t.Fatalf("Run: got %+v", res)
	}
	if h.fakes.Scripts.Calls() != 1 {
		t.Fatalf("script generator must still run")
	}
	if n := len(h.fakes.Scripts.LastChunks()); n != 0 {
		t.Fatalf("script context: got %d chunks, want 0", n)
	}
	if got := h.load(t, id); string(got.RetrievedContext) != "[]" {
		t.Fatalf("retrieved_context: got %s", got.RetrievedContext)
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.fakes.Audio.Fn = func(call int, script string) (string, error) {
		return "", capability.Permanentf("voice not licensed")
	}
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)

	res := h.orch.Run(h.ctx, id)
	if res.Status != generation.StatusFailed {
		t.Fatalf("Run: got %+v", res)
	}
	if h.fakes.Audio.Calls() != 1 {
		t.Fatalf("audio calls: got %d, want 1", h.fakes.Audio.Calls())
	}
	got := h.load(t, id)
	e := got.ErrorValue()
	if e == nil || e.Kind != generation.ErrorKindNonRetryable || !strings.Contains(e.Message, "voice not licensed") {
		t.Fatalf("error: got %+v", e)
	}
	if arts := got.ArtifactsValue(); arts == nil || arts.Video != "" {
		t.Fatalf("failed request must not carry a video: %+v", arts)
	}
	if _, err := h.dls.GetByRequestID(dbctx.Of(h.ctx), id); !errors.Is(err, requests.ErrNotFound) {
		t.Fatalf("non-retryable failure must not be dead-lettered, err=%v", err)
	}
	if st := h.orch.Breakers().Get(DepAudioSynthesizer).State(); st != circuit.Closed {
		t.Fatalf("permanent errors must not trip the breaker, got %s", st)
	}
}

func TestInvalidScriptConsumesBudget(t *testing.T) {
	h := newHarness(t)
	h.fakes.Scripts.Fn = func(call int, topic string, chunks []corpus.RetrievedChunk) (string, error) {
		if call == 1 {
			return "   ", nil
		}
		return strings.Repeat("x", DefaultPolicy().Script.MaxChars+1), nil
	}
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)

	res := h.orch.Run(h.ctx, id)
	if res.Status != generation.StatusFailed {
		t.Fatalf("Run: got %+v", res)
	}
	if calls := h.fakes.Scripts.Calls(); calls != 3 {
		t.Fatalf("script calls: got %d, want 3", calls)
	}
	if e := h.load(t, id).ErrorValue(); e == nil || e.Kind != generation.ErrorKindBudgetExhausted {
		t.Fatalf("error: got %+v", e)
	}
	if h.fakes.Audio.Calls() != 0 {
		t.Fatalf("audio must not run after a failed script stage")
	}
}

func TestResumedStageKeepsSpentBudget(t *testing.T) {
	h := newHarness(t)
	seeded := testutil.SeedRequest(t, h.gdb, generation.StatusGeneratingScript, func(r *generation.GenerationRequest) {
		r.Topic = "Newton's third law"
		r.AttemptCount = 2
		r.RetrievedContext = generation.JSON([]generation.ContextChunk{})
	})
	h.fakes.Scripts.Fn = func(call int, topic string, chunks []corpus.RetrievedChunk) (string, error) {
		return "", capabilitytest.Timeout()
	}

	res := h.orch.Run(h.ctx, seeded.ID)
	if res.Status != generation.StatusFailed {
		t.Fatalf("Run: got %+v", res)
	}
	if calls := h.fakes.Scripts.Calls(); calls != 1 {
		t.Fatalf("script calls: got %d, want 1", calls)
	}
	if got := h.load(t, seeded.ID); got.AttemptCount != 3 {
		t.Fatalf("attempt_count: got %d, want 3", got.AttemptCount)
	}
}

func TestCancelDuringStageDiscardsOutput(t *testing.T) {
	h := newHarness(t)
	var id uuid.UUID
	h.fakes.Video.Fn = func(ctx context.Context, call int, script, audioRef string) (string, error) {
		if _, err := h.reqs.RequestCancel(dbctx.Of(ctx), id); err != nil {
			return "", err
		}
		return "gs://artifacts/video/late.mp4", nil
	}
	id = h.enqueue(t, "Explain Newton's third law using basketball", 10)

	res := h.orch.Run(h.ctx, id)
	if res.Outcome != OutcomeFinished || res.Status != generation.StatusCancelled {
		t.Fatalf("Run: got %+v, want cancelled", res)
	}
	got := h.load(t, id)
	if got.RenderedVideoRef != "" {
		t.Fatalf("rendered video must be discarded, got %q", got.RenderedVideoRef)
	}
	if arts := got.ArtifactsValue(); arts != nil && arts.Video != "" {
		t.Fatalf("cancelled request must not carry a video")
	}
	if h.fakes.Notifier.Calls() != 0 {
		t.Fatalf("notifier must not run for a cancelled request")
	}
}

func TestCancelBeforeRunSkipsAllStages(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)
	if ok, err := h.reqs.RequestCancel(dbctx.Of(h.ctx), id); err != nil || !ok {
		t.Fatalf("RequestCancel: ok=%v err=%v", ok, err)
	}
	if res := h.orch.Run(h.ctx, id); res.Status != generation.StatusCancelled {
		t.Fatalf("Run: got %+v", res)
	}
	if calls := h.fakes.ExternalCalls(); calls != 0 {
		t.Fatalf("external calls: got %d, want 0", calls)
	}
}

func TestNotifierFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.fakes.Notifier.Err = errors.New("smtp unavailable")
	id := h.enqueue(t, "Explain Newton's third law using basketball", 10)

	if res := h.orch.Run(h.ctx, id); res.Status != generation.StatusCompleted {
		t.Fatalf("Run: got %+v", res)
	}
	if arts := h.load(t, id).ArtifactsValue(); arts == nil || arts.Video == "" {
		t.Fatalf("video must be kept when notification fails")
	}
}

func TestValidationRejectsBadInputWithoutCalls(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "Explain Newton's third law using basketball", 15)

	res := h.orch.Run(h.ctx, id)
	if res.Status != generation.StatusFailed {
		t.Fatalf("Run: got %+v", res)
	}
	if e := h.load(t, id).ErrorValue(); e == nil || e.Kind != generation.ErrorKindValidation {
		t.Fatalf("error: got %+v", e)
	}
	if h.fakes.Extractor.Calls() != 0 {
		t.Fatalf("extractor must not be called for invalid input")
	}
}

func TestLostRaceExitsWithoutOverwriting(t *testing.T) {
	h := newHarness(t)
	seeded := testutil.SeedRequest(t, h.gdb, generation.StatusRetrieving, func(r *generation.GenerationRequest) {
		r.Topic = "Newton's third law"
	})
	winner := generation.JSON([]generation.ContextChunk{{Text: "winner", SourceID: "w", Score: 0.9}})
	h.fakes.Embedder.Fn = func(call int, text string) ([]float32, error) {
		ok, err := h.reqs.Transition(dbctx.Of(h.ctx), seeded.ID, generation.StatusRetrieving, generation.StatusGeneratingScript,
			map[string]interface{}{"retrieved_context": winner})
		if err != nil || !ok {
			t.Errorf("concurrent transition: ok=%v err=%v", ok, err)
		}
		return []float32{1, 0, 0}, nil
	}

	res := h.orch.Run(h.ctx, seeded.ID)
	if res.Outcome != OutcomeSuperseded || res.Status != generation.StatusGeneratingScript {
		t.Fatalf("Run: got %+v, want superseded", res)
	}
	got := h.load(t, seeded.ID)
	if string(got.RetrievedContext) != string(winner) {
		t.Fatalf("retrieved_context overwritten: %s", got.RetrievedContext)
	}
	if h.fakes.Scripts.Calls() != 0 {
		t.Fatalf("the losing run must not continue into later stages")
	}
}

func TestEscalateRecordsRedeliveryExhaustion(t *testing.T) {
	h := newHarness(t)
	seeded := testutil.SeedRequest(t, h.gdb, generation.StatusRenderingVideo, func(r *generation.GenerationRequest) {
		r.AttemptCount = 1
	})

	res := h.orch.Escalate(h.ctx, seeded.ID, 8, errors.New("worker lost"))
	if res.Status != generation.StatusFailed {
		t.Fatalf("Escalate: got %+v", res)
	}
	dl, err := h.dls.GetByRequestID(dbctx.Of(h.ctx), seeded.ID)
	if err != nil {
		t.Fatalf("GetByRequestID: %v", err)
	}
	if dl.ErrorKind != generation.ErrorKindRedeliveryExhausted || dl.DeliveryCount != 8 || dl.LastStage != generation.StatusRenderingVideo || dl.AttemptCount != 1 {
		t.Fatalf("dead letter: got %+v", dl)
	}

	// Absorbing requests are left as they are.
	if res := h.orch.Escalate(h.ctx, seeded.ID, 9, nil); res.Outcome != OutcomeFinished {
		t.Fatalf("second Escalate: got %+v", res)
	}
	if got := h.load(t, seeded.ID); got.ErrorValue().Kind != generation.ErrorKindRedeliveryExhausted {
		t.Fatalf("error overwritten: %+v", got.ErrorValue())
	}
}

func TestRunUnknownRequest(t *testing.T) {
	h := newHarness(t)
	res := h.orch.Run(h.ctx, uuid.New())
	if res.Outcome != OutcomeNotFound || !res.Ack() {
		t.Fatalf("Run: got %+v, want acked not_found", res)
	}
}
