// Package corpus holds the pre-embedded content corpus in memory and answers
// nearest-neighbour queries by exhaustive cosine similarity.
//
// The index is sized for corpora that fit in process memory (tens of
// thousands of chunks). Beyond that an external vector index is needed; this
// package makes no attempt to shard or approximate.
package corpus

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Chunk is one stored corpus entry.
type Chunk struct {
	SourceID  string    `json:"source_id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// RetrievedChunk is a search hit. SimilarityScore is in [-1, 1].
type RetrievedChunk struct {
	Text            string  `json:"text"`
	SourceID        string  `json:"source_id"`
	SimilarityScore float64 `json:"similarity_score"`
}

var (
	ErrEmptyQuery        = errors.New("corpus: empty query embedding")
	ErrDimensionMismatch = errors.New("corpus: embedding dimension mismatch")
)

type entry struct {
	chunk Chunk
	norm  float64
}

// Index is immutable after construction and safe for concurrent Search.
type Index struct {
	entries []entry
	dim     int
}

// New builds an index. All embeddings must share one dimension.
func New(chunks []Chunk) (*Index, error) {
	idx := &Index{entries: make([]entry, 0, len(chunks))}
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return nil, fmt.Errorf("corpus: chunk %d (%s) has no embedding", i, c.SourceID)
		}
		if idx.dim == 0 {
			idx.dim = len(c.Embedding)
		} else if len(c.Embedding) != idx.dim {
			return nil, fmt.Errorf("%w: chunk %d (%s) has %d, want %d", ErrDimensionMismatch, i, c.SourceID, len(c.Embedding), idx.dim)
		}
		idx.entries = append(idx.entries, entry{chunk: c, norm: norm(c.Embedding)})
	}
	return idx, nil
}

func (x *Index) Len() int { return len(x.entries) }

func (x *Index) Dim() int { return x.dim }

// Search returns the k most similar chunks, best first. Equal scores keep
// corpus order, so results are deterministic for a given corpus and query.
func (x *Index) Search(embedding []float32, k int) ([]RetrievedChunk, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyQuery
	}
	if k <= 0 || len(x.entries) == 0 {
		return []RetrievedChunk{}, nil
	}
	if len(embedding) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, corpus has %d", ErrDimensionMismatch, len(embedding), x.dim)
	}
	qn := norm(embedding)

	type scored struct {
		pos   int
		score float64
	}
	all := make([]scored, len(x.entries))
	for i := range x.entries {
		all[i] = scored{pos: i, score: cosine(embedding, qn, x.entries[i].chunk.Embedding, x.entries[i].norm)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	if k > len(all) {
		k = len(all)
	}
	out := make([]RetrievedChunk, 0, k)
	for _, s := range all[:k] {
		c := x.entries[s.pos].chunk
		out = append(out, RetrievedChunk{Text: c.Text, SourceID: c.SourceID, SimilarityScore: s.score})
	}
	return out, nil
}

// SearchAbove is Search restricted to hits scoring strictly above minScore.
func (x *Index) SearchAbove(embedding []float32, k int, minScore float64) ([]RetrievedChunk, error) {
	hits, err := x.Search(embedding, k)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.SimilarityScore > minScore {
			out = append(out, h)
		}
	}
	return out, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// cosine returns 0 for zero vectors and NaN inputs.
func cosine(a []float32, na float64, b []float32, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (na * nb)
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}
