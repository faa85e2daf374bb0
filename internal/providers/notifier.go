package providers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime/bus"
)

// Notifier publishes a completion event on the realtime bus.
type Notifier struct {
	bus bus.Bus
	now func() time.Time
}

func NewNotifier(b bus.Bus) *Notifier {
	return &Notifier{bus: b, now: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, requestID uuid.UUID) error {
	if n.bus == nil {
		return nil
	}
	return n.bus.Publish(ctx, realtime.CompletedMessage(requestID, n.now()))
}
