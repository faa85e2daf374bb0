package generation

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetter is the terminal record kept for operators when a request failed
// after exhausting its retry or redelivery budget. One per request.
type DeadLetter struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID     uuid.UUID `gorm:"type:uuid;column:request_id;not null;uniqueIndex" json:"request_id"`
	LastStage     Status    `gorm:"column:last_stage;type:varchar(32);not null" json:"last_stage"`
	AttemptCount  int       `gorm:"column:attempt_count;not null" json:"attempt_count"`
	DeliveryCount int       `gorm:"column:delivery_count;not null;default:0" json:"delivery_count"`
	ErrorKind     ErrorKind `gorm:"column:error_kind;type:varchar(32);not null" json:"error_kind"`
	Error         string    `gorm:"column:error;type:text" json:"error"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (DeadLetter) TableName() string { return "generation_dead_letter" }
