// Package capabilitytest provides scriptable in-memory capabilities for
// pipeline tests. Every fake succeeds by default and counts its calls.
package capabilitytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
)

type counter struct{ n atomic.Int64 }

func (c *counter) next() int  { return int(c.n.Add(1)) }
func (c *counter) Calls() int { return int(c.n.Load()) }

// Timeout is the retryable error a dependency returns when it times out.
func Timeout() error {
	return capability.Retryable(fmt.Errorf("call timed out: %w", context.DeadlineExceeded))
}

type Extractor struct {
	counter
	// Fn receives the 1-based call number.
	Fn func(call int, query string) (capability.Extraction, error)
}

func (f *Extractor) Extract(ctx context.Context, query string, gradeLevel int, interests []string) (capability.Extraction, error) {
	call := f.next()
	if f.Fn != nil {
		return f.Fn(call, query)
	}
	return capability.Extraction{Topic: "Newton's third law", Confidence: 0.9}, nil
}

type Embedder struct {
	counter
	Fn func(call int, text string) ([]float32, error)
}

func (f *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	call := f.next()
	if f.Fn != nil {
		return f.Fn(call, text)
	}
	return []float32{1, 0, 0}, nil
}

// Retriever counts searches against a real corpus index.
type Retriever struct {
	counter
	Index capability.ContentRetriever
}

func (f *Retriever) SearchAbove(embedding []float32, k int, minScore float64) ([]corpus.RetrievedChunk, error) {
	f.next()
	return f.Index.SearchAbove(embedding, k, minScore)
}

type Scripts struct {
	counter
	mu         sync.Mutex
	lastChunks []corpus.RetrievedChunk
	Fn         func(call int, topic string, chunks []corpus.RetrievedChunk) (string, error)
}

func (f *Scripts) Generate(ctx context.Context, topic string, gradeLevel int, interests []string, chunks []corpus.RetrievedChunk) (string, error) {
	call := f.next()
	f.mu.Lock()
	f.lastChunks = append([]corpus.RetrievedChunk(nil), chunks...)
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(call, topic, chunks)
	}
	return "When a player pushes the ball down, the floor pushes back up with equal force.", nil
}

// LastChunks is the context passed to the most recent Generate call.
func (f *Scripts) LastChunks() []corpus.RetrievedChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChunks
}

type Audio struct {
	counter
	Fn func(call int, script string) (string, error)
}

func (f *Audio) Synthesize(ctx context.Context, script string) (string, error) {
	call := f.next()
	if f.Fn != nil {
		return f.Fn(call, script)
	}
	return fmt.Sprintf("gs://artifacts/audio/%d.mp3", call), nil
}

type Video struct {
	counter
	Fn func(ctx context.Context, call int, script, audioRef string) (string, error)
}

func (f *Video) Render(ctx context.Context, script string, audioRef string) (string, error) {
	call := f.next()
	if f.Fn != nil {
		return f.Fn(ctx, call, script, audioRef)
	}
	return fmt.Sprintf("gs://artifacts/video/%d.mp4", call), nil
}

type Notifier struct {
	counter
	Err error
}

func (f *Notifier) Notify(ctx context.Context, requestID uuid.UUID) error {
	f.next()
	return f.Err
}

// Fakes is one of each capability.
type Fakes struct {
	Extractor *Extractor
	Embedder  *Embedder
	Retriever *Retriever
	Scripts   *Scripts
	Audio     *Audio
	Video     *Video
	Notifier  *Notifier
}

// New returns succeeding fakes backed by a three-chunk corpus whose first
// chunk matches the default embedding exactly.
func New() *Fakes {
	idx, err := corpus.New(DefaultCorpus())
	if err != nil {
		panic(err)
	}
	return &Fakes{
		Extractor: &Extractor{},
		Embedder:  &Embedder{},
		Retriever: &Retriever{Index: idx},
		Scripts:   &Scripts{},
		Audio:     &Audio{},
		Video:     &Video{},
		Notifier:  &Notifier{},
	}
}

func DefaultCorpus() []corpus.Chunk {
	return []corpus.Chunk{
		{SourceID: "physics-001", Text: "Every action has an equal and opposite reaction.", Embedding: []float32{1, 0, 0}},
		{SourceID: "physics-002", Text: "Forces come in pairs acting on different bodies.", Embedding: []float32{0.9, 0.1, 0}},
		{SourceID: "biology-001", Text: "Cells are the basic unit of life.", Embedding: []float32{0, 1, 0}},
	}
}

func (f *Fakes) Set() capability.Set {
	return capability.Set{
		Extractor: f.Extractor,
		Embedder:  f.Embedder,
		Retriever: f.Retriever,
		Scripts:   f.Scripts,
		Audio:     f.Audio,
		Video:     f.Video,
		Notifier:  f.Notifier,
	}
}

// ExternalCalls sums the calls made to every dependency behind a breaker.
func (f *Fakes) ExternalCalls() int {
	return f.Extractor.Calls() + f.Embedder.Calls() + f.Scripts.Calls() + f.Audio.Calls() + f.Video.Calls()
}
