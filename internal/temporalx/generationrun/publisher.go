package generationrun

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
)

// Publisher hands request ids to Temporal. A running workflow for the id is
// signalled instead of started twice, which is how resubmissions reach a
// parked request.
type Publisher struct {
	tc        temporalsdkclient.Client
	taskQueue string
}

func NewPublisher(tc temporalsdkclient.Client, taskQueue string) (*Publisher, error) {
	if tc == nil {
		return nil, fmt.Errorf("generationrun: temporal client required")
	}
	return &Publisher{tc: tc, taskQueue: taskQueue}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	if _, err := queue.Encode(msg); err != nil {
		return err
	}
	id := msg.RequestID.String()
	_, err := p.tc.SignalWithStartWorkflow(ctx, WorkflowIDPrefix+id, SignalResubmit, nil,
		temporalsdkclient.StartWorkflowOptions{
			ID:        WorkflowIDPrefix + id,
			TaskQueue: p.taskQueue,
		},
		WorkflowName, Input{RequestID: id},
	)
	if err != nil {
		return fmt.Errorf("generationrun: signal-with-start %s: %w", id, err)
	}
	return nil
}
