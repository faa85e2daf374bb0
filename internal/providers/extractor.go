package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
)

const extractionSchemaName = "topic_extraction_v1"

type TopicExtractor struct {
	ai openai.Client
}

func NewTopicExtractor(ai openai.Client) *TopicExtractor {
	return &TopicExtractor{ai: ai}
}

func (e *TopicExtractor) Extract(ctx context.Context, query string, gradeLevel int, interests []string) (capability.Extraction, error) {
	var out capability.Extraction

	system := strings.Join([]string{
		"You map a K-12 learner's question onto one curriculum topic.",
		"Return the single most specific topic the question is about, phrased as a short noun phrase.",
		"confidence is your probability (0..1) that the topic is what the learner meant.",
		"When the question is vague or could mean several topics, lower confidence and add up to 3 short clarifying questions written for the learner's grade.",
		"When confidence is high, questions must be empty.",
		"Return ONLY JSON matching the schema.",
	}, "\n")
	user := strings.Join([]string{
		"GRADE_LEVEL: " + gradeLabel(gradeLevel),
		"INTERESTS: " + defaultString(strings.Join(interests, ", "), "(none)"),
		"",
		"LEARNER_QUESTION:",
		strings.TrimSpace(query),
	}, "\n")

	obj, err := e.ai.GenerateJSON(ctx, system, user, extractionSchemaName, extractionSchema())
	if err != nil {
		return out, classify("extract topic", err)
	}
	b, _ := json.Marshal(obj)
	if err := json.Unmarshal(b, &out); err != nil {
		return out, capability.Retryable(fmt.Errorf("extract topic: decode: %w", err))
	}
	out.Topic = strings.TrimSpace(out.Topic)
	if out.Confidence < 0 || out.Confidence > 1 {
		return out, capability.Retryablef("extract topic: confidence %v out of range", out.Confidence)
	}
	qs := out.Questions[:0]
	for _, q := range out.Questions {
		if q = strings.TrimSpace(q); q != "" {
			qs = append(qs, q)
		}
	}
	out.Questions = qs
	return out, nil
}

func extractionSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"topic":      map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"questions": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"maxItems": 3,
			},
			"reasoning": map[string]any{"type": "string"},
		},
		"required": []any{"topic", "confidence", "questions", "reasoning"},
	}
}

func gradeLabel(grade int) string {
	if grade == 0 {
		return "kindergarten"
	}
	return fmt.Sprintf("grade %d", grade)
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
