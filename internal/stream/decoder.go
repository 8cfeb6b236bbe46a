package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// DoneSentinel is the data of the explicit end-of-stream frame.
const DoneSentinel = "[DONE]"

// DefaultMaxEventSize is the largest frame a Decoder reads unless configured otherwise. Run frames
// repeat the assistant's instructions and tool schemas, and completed message frames the whole
// reply.
const DefaultMaxEventSize = 4 << 20

const (
	defaultGrace = 2 * time.Second

	errLoggerKey = "err"
)

// Decoder decodes server-sent event streams of an assistant run.
type Decoder struct {
	grace        time.Duration
	maxEventSize int
	logger       *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxEventSize sets the largest frame, in bytes, the decoder reads. A non-positive size keeps
// DefaultMaxEventSize.
func WithMaxEventSize(size int) DecoderOption {
	return func(d *Decoder) {
		if size > 0 {
			d.maxEventSize = size
		}
	}
}

// NewDecoder creates a Decoder. grace is how long the decoder waits, after the transport closed
// without a terminal event, before it synthesizes a completion. A non-positive grace uses the
// default of two seconds.
func NewDecoder(logger *slog.Logger, grace time.Duration, opts ...DecoderOption) Decoder {
	if grace <= 0 {
		grace = defaultGrace
	}
	d := Decoder{
		grace:        grace,
		maxEventSize: DefaultMaxEventSize,
		logger:       logger.With(slog.String("module", "stream")),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Decode returns the semantic events of the stream read from r. The sequence is lazy, finite and
// can be iterated once. Frames are only decoded once complete, whatever the chunking of r.
//
// A stream yields at most one terminal event; after it, or after a requires-action event, the
// rest of r is not read. If r ends without either, the decoder yields a synthesized
// KindRunCompleted: immediately after the explicit end sentinel, or after the grace delay when
// the transport closed. Frames that cannot be parsed are logged and skipped. A frame larger than
// the maximum event size cannot be skipped because the rest of r is unreadable after it; it yields
// a KindStreamError before the synthesized completion. When ctx is done the sequence stops without
// a terminal event.
func (d Decoder) Decode(ctx context.Context, r io.Reader) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		st := newDecodeState()
		sentinel := false

		for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: d.maxEventSize}) {
			if errors.Is(err, bufio.ErrTooLong) {
				d.logger.Error("Stream frame exceeds maximum event size",
					slog.Int("maxEventSize", d.maxEventSize))
				if !yield(Event{Kind: KindStreamError, Err: fmt.Sprintf("stream frame larger than %d bytes", d.maxEventSize)}) {
					return
				}
				break
			}
			if err != nil {
				d.logger.Warn("Stream transport ended without terminal event",
					slog.String(errLoggerKey, fmt.Errorf("%w: %w", models.ErrStreamInterrupted, err).Error()))
				break
			}
			if ctx.Err() != nil {
				return
			}
			if isSentinel(ev) {
				sentinel = true
				break
			}

			events, err := st.frame(ev.Type, ev.Data)
			if err != nil {
				d.logger.Warn("Skipping unparseable stream frame",
					slog.String("type", ev.Type),
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			for _, e := range events {
				if !yield(e) {
					return
				}
				if e.endsStream() {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		if !sentinel {
			if !sleepContext(ctx, d.grace) {
				return
			}
		}
		d.logger.Debug("Synthesizing run completion", slog.Bool("sentinel", sentinel))
		yield(Event{Kind: KindRunCompleted, Synthesized: true})
	}
}

func isSentinel(ev sse.Event) bool {
	return strings.TrimSpace(ev.Data) == DoneSentinel || ev.Type == "done"
}

// decodeState tracks what the stream announced so far, so repeated frames for the same tool call
// announce it only once.
type decodeState struct {
	toolCalls map[string]bool
}

func newDecodeState() *decodeState {
	return &decodeState{toolCalls: make(map[string]bool)}
}

// frame decodes one complete frame. Named frames are dispatched by event type; unnamed frames,
// as forwarded by proxies that strip the event field, are dispatched by their object field.
func (s *decodeState) frame(typ, data string) ([]Event, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	if typ == "" || typ == "message" {
		var obj wireObject
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrProtocol, err)
		}
		if obj.Object == "" && len(obj.Error) > 0 {
			return []Event{{Kind: KindStreamError, Err: errorText(obj.Error)}}, nil
		}
		typ = inferType(obj.Object)
	}

	switch {
	case typ == "error":
		return s.streamError(data)
	case typ == "thread.message.created":
		return s.messageCreated(data)
	case typ == "thread.message.delta":
		return s.messageDelta(data)
	case typ == "thread.run.step.delta":
		return s.stepDelta(data)
	case strings.HasPrefix(typ, "thread.run.step"):
		return nil, nil
	case strings.HasPrefix(typ, "thread.run"):
		var run wireRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrProtocol, err)
		}
		return runEvents(run), nil
	default:
		return nil, nil
	}
}

func inferType(object string) string {
	switch object {
	case "thread.message":
		// A message object on an unnamed frame is announced once, while in progress.
		return "thread.message.created"
	default:
		return object
	}
}

func (s *decodeState) streamError(data string) ([]Event, error) {
	var obj wireObject
	if err := json.Unmarshal([]byte(data), &obj); err == nil && len(obj.Error) > 0 {
		return []Event{{Kind: KindStreamError, Err: errorText(obj.Error)}}, nil
	}
	return []Event{{Kind: KindStreamError, Err: errorText(json.RawMessage(data))}}, nil
}

func (s *decodeState) messageCreated(data string) ([]Event, error) {
	var msg wireMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrProtocol, err)
	}
	if msg.Status != "" && msg.Status != "in_progress" {
		return nil, nil
	}
	return []Event{{Kind: KindMessageStarted, Role: messageRole(msg.Role), MessageID: msg.ID}}, nil
}

func (s *decodeState) messageDelta(data string) ([]Event, error) {
	var delta wireMessageDelta
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrProtocol, err)
	}

	var events []Event
	for _, c := range delta.Delta.Content {
		if c.Type != "text" || c.Text == nil {
			continue
		}
		if c.Text.Value != "" {
			events = append(events, Event{Kind: KindTextDelta, Text: c.Text.Value})
		}
		if len(c.Text.Annotations) > 0 {
			annotations := make([]models.Annotation, len(c.Text.Annotations))
			for i, a := range c.Text.Annotations {
				annotations[i] = a.annotation()
			}
			events = append(events, Event{Kind: KindAnnotations, Annotations: annotations})
		}
	}
	return events, nil
}

func (s *decodeState) stepDelta(data string) ([]Event, error) {
	var step wireStepDelta
	if err := json.Unmarshal([]byte(data), &step); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrProtocol, err)
	}

	var events []Event
	for _, call := range step.Delta.StepDetails.ToolCalls {
		if call.CodeInterpreter == nil {
			continue
		}
		key := fmt.Sprintf("%s/%d", step.ID, call.Index)
		if !s.toolCalls[key] {
			s.toolCalls[key] = true
			events = append(events, Event{Kind: KindToolOutputStarted})
		}
		if call.CodeInterpreter.Input != "" {
			events = append(events, Event{Kind: KindToolOutputDelta, Text: call.CodeInterpreter.Input})
		}
		for _, out := range call.CodeInterpreter.Outputs {
			if out.Type == "logs" && out.Logs != "" {
				events = append(events, Event{Kind: KindToolOutputDelta, Text: "\n" + out.Logs})
			}
		}
	}
	return events, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
