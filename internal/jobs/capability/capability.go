// Package capability declares the external services the pipeline depends on.
// Implementations must report failures as RetryableError or NonRetryableError;
// unclassified errors are treated as retryable.
package capability

import (
	"context"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
)

type Extraction struct {
	Topic      string   `json:"topic"`
	Confidence float64  `json:"confidence"`
	Questions  []string `json:"questions"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

type TopicExtractor interface {
	Extract(ctx context.Context, query string, gradeLevel int, interests []string) (Extraction, error)
}

// Embedder turns the resolved topic into a query vector for the corpus.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ContentRetriever returns at most k chunks scoring strictly above minScore,
// best first.
type ContentRetriever interface {
	SearchAbove(embedding []float32, k int, minScore float64) ([]corpus.RetrievedChunk, error)
}

type ScriptGenerator interface {
	Generate(ctx context.Context, topic string, gradeLevel int, interests []string, chunks []corpus.RetrievedChunk) (string, error)
}

type AudioSynthesizer interface {
	Synthesize(ctx context.Context, script string) (audioRef string, err error)
}

// VideoRenderer blocks until the render finished or ctx expired. Any vendor
// polling happens inside the implementation.
type VideoRenderer interface {
	Render(ctx context.Context, script string, audioRef string) (videoRef string, err error)
}

type Notifier interface {
	Notify(ctx context.Context, requestID uuid.UUID) error
}

// Set bundles one implementation of each capability.
type Set struct {
	Extractor TopicExtractor
	Embedder  Embedder
	Retriever ContentRetriever
	Scripts   ScriptGenerator
	Audio     AudioSynthesizer
	Video     VideoRenderer
	Notifier  Notifier
}
