package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/stream"
	"github.com/MegaGrindStone/assistant-chat/internal/transcript"
)

// SendMessage sends text to the active conversation, creating one first if none is selected, and
// blocks until the response stream reaches a terminal event, fails, or the user switches away.
//
// The user's message is shown immediately, before any request for the assistant's reply. Every
// failure on this path is also surfaced in the transcript as an assistant message prefixed with
// "Error: ", and the session always returns to an idle state so input is re-enabled.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	send, err := c.BeginSend(ctx, text)
	if err != nil {
		return err
	}
	return send()
}

// BeginSend claims the session for sending text and returns the function performing the send
// described on SendMessage. The session is pending as soon as BeginSend returns, so a concurrent
// claim fails with models.ErrResponsePending. The returned function must be called exactly once,
// from any goroutine.
func (c *Controller) BeginSend(ctx context.Context, text string) (func() error, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != "" {
		return nil, models.Errorf(models.ErrAuth, "%s", c.fatal)
	}
	if c.state.Pending() {
		return nil, models.ErrResponsePending
	}
	conversationID, epoch := c.activeID, c.epoch
	firstMessage := conversationID == "" || c.transcript.Len() == 0
	ctx, cancel := context.WithCancel(ctx)
	c.cancelSend = cancel
	c.state = StateSending
	c.backgroundRun = false
	c.stopPollingLocked()
	c.notifyLocked()

	return func() error {
		defer cancel()
		return c.send(ctx, epoch, conversationID, firstMessage, text)
	}, nil
}

func (c *Controller) send(ctx context.Context, epoch uint64, conversationID string, firstMessage bool, text string) error {
	if conversationID == "" {
		id, err := c.createConversation(ctx, epoch)
		if err != nil {
			return c.failSend(ctx, epoch, "", err)
		}
		if id == "" {
			return nil
		}
		conversationID = id
	}

	appended := c.apply(epoch, func(t *transcript.Store) {
		t.Append(models.Message{Role: models.RoleUser, Text: text})
	})
	if !appended {
		return nil
	}

	if firstMessage && c.titles != nil {
		c.goBackground(func() { c.generateTitle(conversationID, text) })
	}

	c.guard.EnsureExclusive(ctx, conversationID)

	if err := c.backend.AppendMessage(ctx, conversationID, models.RoleUser, text); err != nil {
		return c.failSend(ctx, epoch, conversationID, err)
	}
	c.goBackground(func() { c.touch(context.WithoutCancel(ctx), conversationID) })

	body, err := c.backend.StartRunStream(ctx, conversationID, c.runOpts)
	if err != nil {
		return c.failSend(ctx, epoch, conversationID, err)
	}
	c.startPolling(epoch, conversationID, false)

	return c.consume(ctx, epoch, conversationID, body)
}

// createConversation creates a backend conversation, persists its record and selects it. It
// returns an empty id when the user switched elsewhere in the meantime.
func (c *Controller) createConversation(ctx context.Context, epoch uint64) (string, error) {
	id, err := c.backend.CreateConversation(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	record := models.NewConversation(id, c.userID, c.now())
	if err := c.store.UpsertConversation(ctx, record); err != nil {
		c.logger.Error("Failed to persist conversation record",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Info("Selection changed while creating conversation",
			slog.String("conversationID", id))
		return "", nil
	}
	c.activeID = id
	c.transcript.Reset()
	c.notifyLocked()
	c.mu.Unlock()

	c.refreshConversations(ctx)
	return id, nil
}

// consume applies the run's stream, and the streams opened by submitting tool outputs, until a
// terminal event.
func (c *Controller) consume(ctx context.Context, epoch uint64, conversationID string, body io.ReadCloser) error {
	for {
		if !c.setState(epoch, StateStreamingResponse) {
			body.Close()
			return nil
		}

		outcome := c.applyStream(ctx, epoch, body)
		body.Close()

		switch {
		case outcome.abandoned:
			c.logger.Debug("Stopped consuming stream", slog.String("conversationID", conversationID))
			return nil
		case outcome.terminal != nil:
			c.finish(epoch, conversationID)
			if outcome.terminal.Kind == stream.KindRunFailed {
				return fmt.Errorf("run failed: %s", outcome.terminal.Err)
			}
			return nil
		case outcome.action == nil:
			// The decoder yields a terminal or requires-action unless ctx ended.
			c.finish(epoch, conversationID)
			return ctx.Err()
		}

		if !c.setState(epoch, StateAwaitingToolOutput) {
			return nil
		}
		outputs := c.resolveTools(ctx, outcome.action.ToolCalls)

		var err error
		body, err = c.backend.SubmitToolOutputs(ctx, conversationID, outcome.action.RunID, outputs)
		if err != nil {
			return c.failSend(ctx, epoch, conversationID, fmt.Errorf("failed to submit tool outputs: %w", err))
		}
	}
}

type streamOutcome struct {
	terminal  *stream.Event
	action    *stream.Event
	abandoned bool
}

func (c *Controller) applyStream(ctx context.Context, epoch uint64, body io.Reader) streamOutcome {
	var outcome streamOutcome

	for ev := range c.decoder.Decode(ctx, body) {
		if ev.Kind == stream.KindAnnotations {
			ev.Annotations = c.resolveSources(ctx, ev.Annotations)
		}

		ok := c.apply(epoch, func(t *transcript.Store) {
			c.applyEvent(t, ev)
		})
		if !ok {
			outcome.abandoned = true
			return outcome
		}

		switch {
		case ev.Terminal():
			outcome.terminal = &ev
		case ev.Kind == stream.KindRequiresAction:
			outcome.action = &ev
		}
	}

	if outcome.terminal == nil && outcome.action == nil {
		c.mu.Lock()
		outcome.abandoned = c.epoch != epoch
		c.mu.Unlock()
	}
	return outcome
}

func (c *Controller) applyEvent(t *transcript.Store, ev stream.Event) {
	switch ev.Kind {
	case stream.KindMessageStarted:
		if !t.StartMessage(ev.MessageID, ev.Role) {
			c.logger.Debug("Stream continues a fetched message", slog.String("messageID", ev.MessageID))
		}
	case stream.KindToolOutputStarted:
		t.AppendPlaceholder(models.RoleToolOutput)
	case stream.KindTextDelta, stream.KindToolOutputDelta:
		if !t.AppendDelta(ev.Text) {
			c.logger.Warn("Delta received before any message", slog.String("kind", string(ev.Kind)))
		}
	case stream.KindAnnotations:
		t.ApplyAnnotations(ev.Annotations)
	case stream.KindStreamError:
		t.Append(models.Message{Role: models.RoleAssistant, Text: models.ErrorText(ev.Err)})
	case stream.KindRunFailed:
		t.Append(models.Message{Role: models.RoleAssistant, Text: models.ErrorText(ev.Err)})
	case stream.KindRunCancelled:
		c.logger.Info("Run cancelled")
	case stream.KindRunCompleted:
		if ev.Synthesized {
			c.logger.Debug("Run completion synthesized by decoder")
		}
	}
}

// resolveSources fills in file names of citations the stream only identified by file id.
func (c *Controller) resolveSources(ctx context.Context, annotations []models.Annotation) []models.Annotation {
	namer, ok := c.backend.(SourceNamer)
	if !ok {
		return annotations
	}
	for i, a := range annotations {
		if a.FileID == "" || a.FileName != "" {
			continue
		}
		name, err := namer.SourceName(ctx, a.FileID)
		if err != nil {
			c.logger.Warn("Failed to resolve citation source",
				slog.String("fileID", a.FileID),
				slog.String(errLoggerKey, err.Error()))
			name = models.DeletedFileName
		}
		annotations[i].FileName = name
	}
	return annotations
}

func (c *Controller) resolveTools(ctx context.Context, calls []models.ToolCall) []models.ToolOutput {
	outputs := make([]models.ToolOutput, 0, len(calls))
	for _, call := range calls {
		out, err := c.resolveTool(ctx, call)
		if err != nil {
			c.logger.Error("Tool call failed",
				slog.String("toolName", call.Name),
				slog.String(errLoggerKey, err.Error()))
			out = toolError(err)
		}
		outputs = append(outputs, models.ToolOutput{ToolCallID: call.ID, Output: out})
	}
	return outputs
}

func (c *Controller) resolveTool(ctx context.Context, call models.ToolCall) (string, error) {
	if c.tools == nil {
		return "", fmt.Errorf("tool %s is not available", call.Name)
	}
	return c.tools.Resolve(ctx, call)
}

func toolError(err error) string {
	res, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(res)
}

// finish returns the session to idle after a terminal event and schedules the drain fetch.
func (c *Controller) finish(epoch uint64, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.stopPollingLocked()
	c.cancelSend = nil
	c.state = StateIdleConversationLoaded
	c.notifyLocked()
	c.drainLocked(epoch, conversationID)
}

// failSend surfaces err in the transcript and returns the session to an idle state.
func (c *Controller) failSend(ctx context.Context, epoch uint64, conversationID string, err error) error {
	c.logger.Error("Failed to send message",
		slog.String("conversationID", conversationID),
		slog.String(errLoggerKey, err.Error()))

	if errors.Is(err, models.ErrNotFound) && conversationID != "" {
		c.forget(context.WithoutCancel(ctx), conversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return err
	}
	c.stopPollingLocked()
	c.cancelSend = nil
	if errors.Is(err, models.ErrAuth) {
		c.fatal = models.UserMessage(err)
	}
	if errors.Is(err, models.ErrNotFound) {
		c.activeID = ""
		c.transcript.Reset()
	}
	c.transcript.Append(models.Message{Role: models.RoleAssistant, Text: models.ErrorText(models.UserMessage(err))})
	if c.activeID == "" {
		c.state = StateIdleNoConversation
	} else {
		c.state = StateIdleConversationLoaded
	}
	c.notifyLocked()
	return err
}

func (c *Controller) generateTitle(conversationID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := c.titles.GenerateTitle(ctx, message)
	if err != nil {
		c.logger.Warn("Failed to generate conversation title",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = cleanTitle(title)
	if title == "" {
		return
	}
	if err := c.store.RenameConversation(ctx, conversationID, title); err != nil {
		c.logger.Warn("Failed to store conversation title",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	c.refreshConversations(ctx)
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength])
	}
	return title
}
