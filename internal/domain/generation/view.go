package generation

import (
	"time"

	"github.com/google/uuid"
)

// StatusView is the read contract exposed to pollers.
type StatusView struct {
	ID            uuid.UUID      `json:"id"`
	Status        Status         `json:"status"`
	Clarification *Clarification `json:"clarification,omitempty"`
	Artifacts     *Artifacts     `json:"artifacts,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (r *GenerationRequest) View() StatusView {
	v := StatusView{
		ID:        r.ID,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Status == StatusAwaitingClarification {
		v.Clarification = r.ClarificationValue()
	}
	if a := r.ArtifactsValue(); a != nil {
		if r.Status != StatusCompleted {
			a.Video = ""
		}
		v.Artifacts = a
	}
	if r.Status == StatusFailed {
		v.Error = r.ErrorValue()
	}
	return v
}
