package generationrun

const (
	WorkflowName    = "generation_request"
	ActivityDeliver = "generation_deliver"
	// SignalResubmit wakes a workflow parked on awaiting_clarification.
	SignalResubmit = "generation_resubmit"
)

// WorkflowIDPrefix keys one workflow per request id.
const WorkflowIDPrefix = "generation-"

type Input struct {
	RequestID string `json:"request_id"`
	// Deliveries already made, carried across continue-as-new.
	Deliveries int `json:"deliveries,omitempty"`
}

type DeliverInput struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
}

type DeliverResult struct {
	Ack          bool   `json:"ack"`
	Outcome      string `json:"outcome"`
	Status       string `json:"status,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}
