package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/circuit"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/retry"
)

const fallbackClarifyingQuestion = "Which specific concept or example would you like the video to focus on?"

type fields = map[string]interface{}

// execute returns the next status and the columns to write with it.
func (o *Orchestrator) execute(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (generation.Status, fields, error) {
	switch req.Status {
	case generation.StatusPending, generation.StatusAwaitingClarification:
		return generation.StatusValidating, nil, nil
	case generation.StatusValidating:
		return o.validate(ctx, log, req)
	case generation.StatusRetrieving:
		return o.retrieve(ctx, log, req)
	case generation.StatusGeneratingScript:
		return o.generateScript(ctx, req)
	case generation.StatusSynthesizingAudio:
		return o.synthesizeAudio(ctx, req)
	case generation.StatusRenderingVideo:
		return o.renderVideo(ctx, req)
	case generation.StatusFinalizing:
		return o.finalize(ctx, log, req)
	}
	return "", nil, capability.Permanentf("no stage handles status %q", req.Status)
}

// invoke runs op through the dependency's breaker under the stage retry
// budget. Each retryable failure is persisted to attempt_count before the
// backoff, so a redelivered stage resumes with the budget it has left.
func (o *Orchestrator) invoke(ctx context.Context, req *generation.GenerationRequest, dep string, op func(ctx context.Context) error) error {
	br := o.breakers.Get(dep)
	if br == nil {
		return capability.Permanentf("no circuit breaker for dependency %q", dep)
	}
	timeout := o.policy.StageTimeout(req.Status)
	run := retry.Run{
		Prior: req.AttemptCount,
		OnRetryableFailure: func(ctx context.Context, attempts int, err error) error {
			o.log.Warn("Dependency call failed",
				"request_id", req.ID,
				"stage", req.Status,
				"dependency", dep,
				"attempt", attempts,
				"error", err,
			)
			ok, ierr := o.requests.IncrementAttempt(dbctx.Of(ctx), req.ID, req.Status)
			if ierr != nil {
				return ierr
			}
			if !ok {
				return errSuperseded
			}
			req.AttemptCount = attempts
			return nil
		},
	}
	return o.retry.Do(ctx, run, func(ctx context.Context) error {
		err := br.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return op(callCtx)
		})
		o.metrics.ObserveDependencyCall(dep, callResult(err))
		return err
	})
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuit.ErrOpen):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case capability.IsPermanent(err):
		return "permanent"
	}
	return "error"
}

func (o *Orchestrator) validate(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (generation.Status, fields, error) {
	query := strings.TrimSpace(req.LearnerQuery)
	if query == "" {
		return "", nil, &validationError{msg: "learner_query is empty"}
	}
	if !o.policy.GradeLevels.Contains(req.GradeLevel) {
		return "", nil, &validationError{msg: fmt.Sprintf("grade_level %d outside %d..%d",
			req.GradeLevel, o.policy.GradeLevels.Min, o.policy.GradeLevels.Max)}
	}

	threshold := o.policy.ConfidenceThreshold
	var ext capability.Extraction
	err := o.invoke(ctx, req, DepExtractor, func(ctx context.Context) error {
		out, err := o.caps.Extractor.Extract(ctx, query, req.GradeLevel, req.Interests())
		if err != nil {
			return err
		}
		if math.IsNaN(out.Confidence) {
			out.Confidence = 0
		}
		if out.Confidence >= threshold && strings.TrimSpace(out.Topic) == "" {
			return capability.Retryablef("extractor reported confidence %.2f without a topic", out.Confidence)
		}
		ext = out
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	if ext.Confidence < threshold {
		questions := make([]string, 0, len(ext.Questions))
		for _, q := range ext.Questions {
			if q = strings.TrimSpace(q); q != "" {
				questions = append(questions, q)
			}
		}
		if len(questions) == 0 {
			questions = append(questions, fallbackClarifyingQuestion)
		}
		log.Info("Topic needs clarification", "confidence", ext.Confidence, "questions", len(questions))
		return generation.StatusAwaitingClarification, fields{
			"topic": "",
			"clarification": generation.JSON(generation.Clarification{
				Questions: questions,
				Reasoning: strings.TrimSpace(ext.Reasoning),
			}),
		}, nil
	}
	return generation.StatusRetrieving, fields{"topic": strings.TrimSpace(ext.Topic)}, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (generation.Status, fields, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = strings.TrimSpace(req.LearnerQuery)
	}
	var embedding []float32
	err := o.invoke(ctx, req, DepRetrieverEmbedding, func(ctx context.Context) error {
		v, err := o.caps.Embedder.Embed(ctx, topic)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return capability.Retryablef("embedder returned an empty vector")
		}
		embedding = v
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	hits, err := o.caps.Retriever.SearchAbove(embedding, o.policy.Retrieval.K, o.policy.Retrieval.MinScore)
	if err != nil {
		// The corpus is local and immutable; a failing search will not heal.
		return "", nil, capability.Permanent(fmt.Errorf("search corpus: %w", err))
	}
	chunks := make([]generation.ContextChunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, generation.ContextChunk{Text: h.Text, SourceID: h.SourceID, Score: h.SimilarityScore})
	}
	if len(chunks) == 0 {
		log.Warn("No corpus chunks above threshold; continuing with empty context",
			"min_score", o.policy.Retrieval.MinScore,
			"k", o.policy.Retrieval.K,
		)
	} else {
		log.Debug("Retrieved context", "chunks", len(chunks), "top_score", chunks[0].Score)
	}
	return generation.StatusGeneratingScript, fields{"retrieved_context": generation.JSON(chunks)}, nil
}

func (o *Orchestrator) generateScript(ctx context.Context, req *generation.GenerationRequest) (generation.Status, fields, error) {
	stored := req.ContextChunks()
	chunks := make([]corpus.RetrievedChunk, 0, len(stored))
	for _, c := range stored {
		chunks = append(chunks, corpus.RetrievedChunk{Text: c.Text, SourceID: c.SourceID, SimilarityScore: c.Score})
	}
	maxChars := o.policy.Script.MaxChars
	var script string
	err := o.invoke(ctx, req, DepScriptGenerator, func(ctx context.Context) error {
		out, err := o.caps.Scripts.Generate(ctx, req.Topic, req.GradeLevel, req.Interests(), chunks)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return capability.Retryablef("script generator returned an empty script")
		}
		if n := utf8.RuneCountInString(out); n > maxChars {
			return capability.Retryablef("script has %d characters, limit is %d", n, maxChars)
		}
		script = out
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return generation.StatusSynthesizingAudio, fields{
		"artifacts": generation.JSON(generation.Artifacts{Script: script}),
	}, nil
}

func (o *Orchestrator) synthesizeAudio(ctx context.Context, req *generation.GenerationRequest) (generation.Status, fields, error) {
	arts := req.ArtifactsValue()
	if arts == nil || arts.Script == "" {
		return "", nil, capability.Permanentf("no script stored for audio synthesis")
	}
	var audioRef string
	err := o.invoke(ctx, req, DepAudioSynthesizer, func(ctx context.Context) error {
		ref, err := o.caps.Audio.Synthesize(ctx, arts.Script)
		if err != nil {
			return err
		}
		if strings.TrimSpace(ref) == "" {
			return capability.Retryablef("audio synthesizer returned an empty reference")
		}
		audioRef = strings.TrimSpace(ref)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return generation.StatusRenderingVideo, fields{
		"artifacts": generation.JSON(generation.Artifacts{Script: arts.Script, AudioRef: audioRef}),
	}, nil
}

func (o *Orchestrator) renderVideo(ctx context.Context, req *generation.GenerationRequest) (generation.Status, fields, error) {
	arts := req.ArtifactsValue()
	if arts == nil || arts.Script == "" || arts.AudioRef == "" {
		return "", nil, capability.Permanentf("script or audio missing for video render")
	}
	var videoRef string
	err := o.invoke(ctx, req, DepVideoRenderer, func(ctx context.Context) error {
		ref, err := o.caps.Video.Render(ctx, arts.Script, arts.AudioRef)
		if err != nil {
			return err
		}
		if strings.TrimSpace(ref) == "" {
			return capability.Retryablef("video renderer returned an empty reference")
		}
		videoRef = strings.TrimSpace(ref)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return generation.StatusFinalizing, fields{"rendered_video_ref": videoRef}, nil
}

// finalize publishes the video. Notification is best-effort: the artifact
// exists, so a notifier failure never blocks completion.
func (o *Orchestrator) finalize(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (generation.Status, fields, error) {
	if req.RenderedVideoRef == "" {
		return "", nil, capability.Permanentf("no rendered video to finalize")
	}
	arts := req.ArtifactsValue()
	if arts == nil {
		arts = &generation.Artifacts{}
	}
	arts.Video = req.RenderedVideoRef

	if o.caps.Notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, o.policy.notifyTimeout())
		err := o.caps.Notifier.Notify(nctx, req.ID)
		cancel()
		if err != nil {
			log.Warn("Notification failed; completing anyway", "error", err)
			o.metrics.ObserveDependencyCall("notifier", "error")
		} else {
			o.metrics.ObserveDependencyCall("notifier", "ok")
		}
	}
	return generation.StatusCompleted, fields{"artifacts": generation.JSON(arts)}, nil
}
