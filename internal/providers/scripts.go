package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

type ScriptGenerator struct {
	ai openai.Client
	// TargetWords is the narration length asked for; the video stage caps
	// clip length so the script should fit in about a minute.
	TargetWords int
}

func NewScriptGenerator(ai openai.Client) *ScriptGenerator {
	return &ScriptGenerator{ai: ai, TargetWords: 150}
}

func (g *ScriptGenerator) Generate(ctx context.Context, topic string, gradeLevel int, interests []string, chunks []corpus.RetrievedChunk) (string, error) {
	system := strings.Join([]string{
		"You write narration scripts for short educational videos for K-12 learners.",
		fmt.Sprintf("Write about %d words of plain spoken prose at a %s reading level.", g.TargetWords, gradeLabel(gradeLevel)),
		"Explain the topic through an example drawn from the learner's interests when there are any.",
		"Ground facts in the numbered CONTEXT passages when they are given; never contradict them.",
		"No headings, stage directions, lists or markdown. Output the narration only.",
	}, "\n")
	user := strings.Join([]string{
		"TOPIC: " + topic,
		"INTERESTS: " + defaultString(strings.Join(interests, ", "), "(none)"),
		"",
		"CONTEXT:",
		formatContext(chunks),
	}, "\n")

	text, err := g.ai.GenerateText(ctx, system, user)
	if err != nil {
		return "", classify("generate script", err)
	}
	return strings.TrimSpace(text), nil
}

func formatContext(chunks []corpus.RetrievedChunk) string {
	if len(chunks) == 0 {
		return "(none; rely on general knowledge)"
	}
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, c.SourceID, strings.TrimSpace(c.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ capability.ScriptGenerator = (*ScriptGenerator)(nil)
