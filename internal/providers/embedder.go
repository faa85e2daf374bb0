package providers

import (
	"context"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

type Embedder struct {
	ai openai.Client
}

func NewEmbedder(ai openai.Client) *Embedder { return &Embedder{ai: ai} }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, capability.Permanentf("embed: empty text")
	}
	vecs, err := e.ai.Embed(ctx, []string{text})
	if err != nil {
		return nil, classify("embed", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, capability.Retryablef("embed: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds many texts in one call; used by the corpus builder.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.ai.Embed(ctx, texts)
	if err != nil {
		return nil, classify("embed batch", err)
	}
	return vecs, nil
}
