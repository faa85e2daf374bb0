package realtime

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationStatus    EventType = "generation.status"
)

// Message is one event fanned out to subscribers. Channel is the request id
// so a client only sees events for the request it watches.
type Message struct {
	Channel    string    `json:"channel"`
	Event      EventType `json:"event"`
	RequestID  uuid.UUID `json:"request_id"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func CompletedMessage(id uuid.UUID, at time.Time) Message {
	return Message{
		Channel:    id.String(),
		Event:      EventGenerationCompleted,
		RequestID:  id,
		Status:     "completed",
		OccurredAt: at.UTC(),
	}
}

func StatusMessage(id uuid.UUID, status string, at time.Time) Message {
	return Message{
		Channel:    id.String(),
		Event:      EventGenerationStatus,
		RequestID:  id,
		Status:     status,
		OccurredAt: at.UTC(),
	}
}

// Final reports whether no later event can follow msg for its request.
func (m Message) Final() bool {
	if m.Event == EventGenerationCompleted {
		return true
	}
	switch m.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
