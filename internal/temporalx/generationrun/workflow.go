package generationrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// Lost activities (crashed worker, heartbeat timeout) are redelivered
	// after this delay.
	lostDeliveryDelay = 5 * time.Second
	// A parked request is re-checked this often in case a signal was missed.
	waitingPollInterval  = 10 * time.Minute
	continueDeliverLimit = 500
	continueHistoryLimit = 10000
)

// Workflow delivers one request id to the pipeline until a delivery is acked.
// Each activity run is one delivery; retries happen here, not in Temporal's
// activity retry policy, so the delivery count stays visible to the processor.
func Workflow(ctx workflow.Context, in Input) error {
	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		return fmt.Errorf("generationrun: missing request_id")
	}
	log := workflow.GetLogger(ctx)

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	resubmitCh := workflow.GetSignalChannel(ctx, SignalResubmit)

	deliveries := in.Deliveries
	for rounds := 1; ; rounds++ {
		drain(resubmitCh)
		deliveries++

		var out DeliverResult
		err := workflow.ExecuteActivity(actx, ActivityDeliver, DeliverInput{RequestID: requestID, Attempt: deliveries}).Get(ctx, &out)
		if err != nil {
			log.Warn("Delivery lost; redelivering", "request_id", requestID, "attempt", deliveries, "error", err)
			out = DeliverResult{Ack: false, Outcome: "lost", DelaySeconds: int(lostDeliveryDelay / time.Second)}
		}

		switch {
		case out.Ack && out.Outcome == "waiting":
			// The message is done; a resubmission starts a fresh delivery count.
			deliveries = 0
			waitForSignal(ctx, resubmitCh, waitingPollInterval)
		case out.Ack:
			return nil
		default:
			if err := workflow.Sleep(ctx, time.Duration(out.DelaySeconds)*time.Second); err != nil {
				return err
			}
		}

		if shouldContinueAsNew(ctx, rounds) {
			return workflow.NewContinueAsNewError(ctx, Workflow, Input{RequestID: requestID, Deliveries: deliveries})
		}
	}
}

func drain(ch workflow.ReceiveChannel) {
	for {
		var ignored any
		if !ch.ReceiveAsync(&ignored) {
			return
		}
	}
}

func waitForSignal(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var ignored any
		c.Receive(ctx, &ignored)
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func shouldContinueAsNew(ctx workflow.Context, rounds int) bool {
	if rounds >= continueDeliverLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
