package generation

import "fmt"

// Status is the closed set of lifecycle states for a GenerationRequest.
// Nothing outside this set is ever persisted.
type Status string

const (
	StatusPending               Status = "pending"
	StatusValidating            Status = "validating"
	StatusAwaitingClarification Status = "awaiting_clarification"
	StatusRetrieving            Status = "retrieving"
	StatusGeneratingScript      Status = "generating_script"
	StatusSynthesizingAudio     Status = "synthesizing_audio"
	StatusRenderingVideo        Status = "rendering_video"
	StatusFinalizing            Status = "finalizing"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusValidating,
	StatusAwaitingClarification,
	StatusRetrieving,
	StatusGeneratingScript,
	StatusSynthesizingAudio,
	StatusRenderingVideo,
	StatusFinalizing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// forward edges of the graph; failed and cancelled are reachable from every
// non-absorbing state and are handled in CanTransition.
var edges = map[Status][]Status{
	StatusPending:               {StatusValidating},
	StatusValidating:            {StatusAwaitingClarification, StatusRetrieving},
	StatusAwaitingClarification: {StatusValidating},
	StatusRetrieving:            {StatusGeneratingScript},
	StatusGeneratingScript:      {StatusSynthesizingAudio},
	StatusSynthesizingAudio:     {StatusRenderingVideo},
	StatusRenderingVideo:        {StatusFinalizing},
	StatusFinalizing:            {StatusCompleted},
}

func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown generation status %q", raw)
	}
	return s, nil
}

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Absorbing statuses never change again.
func (s Status) Absorbing() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses along the graph. Observed ranks for one request never
// decrease except for awaiting_clarification -> validating.
func (s Status) Rank() int {
	switch s {
	case StatusFailed, StatusCancelled:
		return 100
	}
	for i, v := range allStatuses {
		if v == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Absorbing() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next is the status entered when the work of s completes normally. The
// validating stage branches and is resolved by the orchestrator.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending, StatusAwaitingClarification:
		return StatusValidating, true
	case StatusRetrieving, StatusGeneratingScript, StatusSynthesizingAudio, StatusRenderingVideo, StatusFinalizing:
		return edges[s][0], true
	default:
		return "", false
	}
}
