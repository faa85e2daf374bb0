package generation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GenerationRequest is one learner query moving through the pipeline. It is
// created once by the enqueuer and then mutated only through guarded
// transitions keyed by ID.
type GenerationRequest struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	LearnerQuery      string         `gorm:"column:learner_query;type:text;not null" json:"learner_query"`
	GradeLevel        int            `gorm:"column:grade_level;not null" json:"grade_level"`
	DeclaredInterests datatypes.JSON `gorm:"column:declared_interests" json:"declared_interests"`
	Status            Status         `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	AttemptCount      int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`

	Topic            string         `gorm:"column:topic;type:text" json:"topic,omitempty"`
	Clarification    datatypes.JSON `gorm:"column:clarification" json:"clarification,omitempty"`
	RetrievedContext datatypes.JSON `gorm:"column:retrieved_context" json:"-"`
	Artifacts        datatypes.JSON `gorm:"column:artifacts" json:"artifacts,omitempty"`
	RenderedVideoRef string         `gorm:"column:rendered_video_ref;type:text" json:"-"`
	Error            datatypes.JSON `gorm:"column:error" json:"error,omitempty"`

	CancelRequestedAt *time.Time `gorm:"column:cancel_requested_at" json:"cancel_requested_at,omitempty"`
	ResubmittedAt     *time.Time `gorm:"column:resubmitted_at" json:"resubmitted_at,omitempty"`

	ClaimedBy   string     `gorm:"column:claimed_by;type:varchar(128);index" json:"-"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at" json:"-"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index" json:"updated_at"`
}

func (GenerationRequest) TableName() string { return "generation_request" }

type Clarification struct {
	Questions []string `json:"questions"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Artifacts.Video is set only by finalizing -> completed.
type Artifacts struct {
	Script   string `json:"script,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
	Video    string `json:"video,omitempty"`
}

type ErrorKind string

const (
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindNonRetryable        ErrorKind = "non_retryable"
	ErrorKindBudgetExhausted     ErrorKind = "budget_exhausted"
	ErrorKindRedeliveryExhausted ErrorKind = "redelivery_exhausted"
)

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stage   Status    `json:"stage,omitempty"`
}

// ContextChunk is a retrieved corpus chunk kept with the request so a resumed
// run can generate the script without repeating retrieval.
type ContextChunk struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"similarity_score"`
}

func (r *GenerationRequest) Interests() []string {
	var out []string
	_ = decodeJSON(r.DeclaredInterests, &out)
	return out
}

func (r *GenerationRequest) ClarificationValue() *Clarification {
	var c Clarification
	if !decodeJSON(r.Clarification, &c) {
		return nil
	}
	return &c
}

func (r *GenerationRequest) ArtifactsValue() *Artifacts {
	var a Artifacts
	if !decodeJSON(r.Artifacts, &a) {
		return nil
	}
	return &a
}

func (r *GenerationRequest) ErrorValue() *ErrorInfo {
	var e ErrorInfo
	if !decodeJSON(r.Error, &e) {
		return nil
	}
	return &e
}

func (r *GenerationRequest) ContextChunks() []ContextChunk {
	var out []ContextChunk
	_ = decodeJSON(r.RetrievedContext, &out)
	return out
}

func (r *GenerationRequest) CancelRequested() bool { return r.CancelRequestedAt != nil }

// ResubmissionPending is true while an enriched query waits to be validated.
func (r *GenerationRequest) ResubmissionPending() bool {
	return r.Status == StatusAwaitingClarification && r.ResubmittedAt != nil
}

// JSON encodes v for a datatypes.JSON column. Nil stays NULL.
func JSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	return datatypes.JSON(b)
}

func decodeJSON(raw datatypes.JSON, dst any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
