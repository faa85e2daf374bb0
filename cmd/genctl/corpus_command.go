package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/providers"
)

type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

func newCorpusCommand(ctx *commandContext) *cobra.Command {
	corpusCmd := &cobra.Command{
		Use:   "corpus",
		Short: "Build and inspect the retrieval corpus",
	}
	corpusCmd.AddCommand(newCorpusBuildCommand(ctx))
	corpusCmd.AddCommand(newCorpusStatsCommand())
	return corpusCmd
}

func newCorpusBuildCommand(ctx *commandContext) *cobra.Command {
	var in, out string
	var batchSize int
	var force bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed a JSONL file of {source_id, text} lines into a corpus file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(in) == "" || strings.TrimSpace(out) == "" {
				return fmt.Errorf("--in and --out are required")
			}
			ai, err := openai.NewClient(ctx.logger(), openai.ConfigFromEnv())
			if err != nil {
				return fmt.Errorf("init openai client: %w", err)
			}

			f, err := os.Open(in)
			if err != nil {
				return err
			}
			chunks, err := corpus.ReadJSONL(f)
			f.Close()
			if err != nil {
				return err
			}

			embedded, err := embedChunks(cmd.Context(), providers.NewEmbedder(ai), chunks, batchSize, force)
			if err != nil {
				return err
			}
			// The index rejects mixed dimensions; fail here rather than at server start.
			if _, err := corpus.New(chunks); err != nil {
				return err
			}
			if err := writeCorpusFile(out, chunks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d chunks to %s (%d embedded)\n", len(chunks), out, embedded)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Input JSONL")
	cmd.Flags().StringVar(&out, "out", "corpus.jsonl", "Output corpus file")
	cmd.Flags().IntVar(&batchSize, "batch", 64, "Texts per embedding call")
	cmd.Flags().BoolVar(&force, "force", false, "Re-embed chunks that already carry an embedding")
	return cmd
}

func newCorpusStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Load a corpus file and report its size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := corpus.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chunks:    %d\nDimension: %d\n", idx.Len(), idx.Dim())
			return nil
		},
	}
}

// embedChunks fills missing embeddings in place and returns how many it set.
func embedChunks(ctx context.Context, emb batchEmbedder, chunks []corpus.Chunk, batchSize int, force bool) (int, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	var pending []int
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			return 0, fmt.Errorf("chunk %s has no text", c.SourceID)
		}
		if force || len(c.Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		batch := pending[start:end]
		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = chunks[idx].Text
		}
		vecs, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return start, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != len(batch) {
			return start, fmt.Errorf("embed chunks %d-%d: got %d vectors for %d texts", start, end-1, len(vecs), len(batch))
		}
		for j, idx := range batch {
			chunks[idx].Embedding = vecs[j]
		}
	}
	return len(pending), nil
}

// writeCorpusFile replaces path atomically so a running server never reads a
// half-written corpus.
func writeCorpusFile(path string, chunks []corpus.Chunk) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".corpus-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := corpus.WriteJSONL(tmp, chunks); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
