// Package stream turns an assistant's server-sent event stream into the small closed set of
// semantic events the session controller applies to a transcript.
package stream

import "github.com/MegaGrindStone/assistant-chat/internal/models"

// Kind identifies a semantic stream event.
type Kind string

const (
	KindMessageStarted    Kind = "message-started"
	KindTextDelta         Kind = "text-delta"
	KindAnnotations       Kind = "annotations"
	KindToolOutputStarted Kind = "tool-output-started"
	KindToolOutputDelta   Kind = "tool-output-delta"
	KindRequiresAction    Kind = "requires-action"
	KindRunCompleted      Kind = "run-completed"
	KindRunFailed         Kind = "run-failed"
	KindRunCancelled      Kind = "run-cancelled"
	KindStreamError       Kind = "stream-error"
)

// Event is one decoded stream event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// Role and MessageID are set for KindMessageStarted. MessageID is empty when the frame did
	// not carry one.
	Role      models.Role
	MessageID string
	// Text is set for KindTextDelta and KindToolOutputDelta.
	Text string
	// Annotations is set for KindAnnotations.
	Annotations []models.Annotation

	// RunID and ToolCalls are set for KindRequiresAction.
	RunID     string
	ToolCalls []models.ToolCall

	// Err is set for KindRunFailed and KindStreamError.
	Err string

	// Synthesized marks a terminal event the decoder produced itself because the stream ended
	// without one.
	Synthesized bool
}

// Terminal reports whether the event ends the logical run.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindRunCompleted, KindRunFailed, KindRunCancelled:
		return true
	default:
		return false
	}
}

// endsStream reports whether no further events of this run arrive on the current stream. A run
// that requires action continues on the stream opened by submitting tool outputs.
func (e Event) endsStream() bool {
	return e.Terminal() || e.Kind == KindRequiresAction
}
