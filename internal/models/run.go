package models

import "encoding/json"

// Run is one attempt by the assistant to generate a response within a conversation.
type Run struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusIncomplete     RunStatus = "incomplete"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
)

// Active reports whether the run may still write into the conversation. Only active runs are
// cancelled before new work starts.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusRequiresAction:
		return true
	default:
		return false
	}
}

// ToolCall is a function call the assistant requests before it can continue a run.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput is the result of a ToolCall submitted back to the backend.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RunOptions tune a run started on the backend. Zero values leave the backend defaults in place.
type RunOptions struct {
	AssistantID            string
	Model                  string
	TruncationLastMessages int
	MaxCompletionTokens    int
	VectorStoreIDs         []string
	AdditionalInstructions string
}
