package generationrun

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

// Handler is the delivery processor the activity drives.
type Handler interface {
	Handle(ctx context.Context, id uuid.UUID, attempt int, extend func(context.Context) error) worker.Decision
}

type Activities struct {
	Log       *logger.Logger
	Processor Handler
}

// Deliver is one delivery of a request. Lease renewals are recorded as
// activity heartbeats so a dead worker is noticed by Temporal.
func (a *Activities) Deliver(ctx context.Context, in DeliverInput) (DeliverResult, error) {
	if a == nil || a.Processor == nil {
		return DeliverResult{}, fmt.Errorf("generationrun: activity not configured")
	}
	id, err := uuid.Parse(in.RequestID)
	if err != nil || id == uuid.Nil {
		if a.Log != nil {
			a.Log.Error("Dropping delivery with malformed request_id", "request_id", in.RequestID)
		}
		return DeliverResult{Ack: true, Outcome: "malformed"}, nil
	}

	extend := func(ctx context.Context) error {
		activity.RecordHeartbeat(ctx, in.Attempt)
		return nil
	}
	d := a.Processor.Handle(ctx, id, in.Attempt, extend)
	return DeliverResult{
		Ack:          d.Ack,
		Outcome:      d.Outcome,
		Status:       string(d.Status),
		DelaySeconds: int(math.Ceil(d.Delay.Seconds())),
	}, nil
}
