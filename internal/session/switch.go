package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/transcript"
)

// SwitchConversation makes conversationID the active conversation, or returns to the welcome
// state when it is empty. The transcript is cleared synchronously, before the history fetch
// starts. Results of work issued for the previous selection, including the stream of a send still
// in flight, are discarded from here on.
//
// If the latest run of the selected conversation is still generating, the session keeps polling
// the history until that run ends.
func (c *Controller) SwitchConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.stopPollingLocked()
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	c.activeID = conversationID
	c.backgroundRun = false
	c.transcript.Reset()
	if conversationID == "" {
		c.state = StateIdleNoConversation
	} else {
		c.state = StateIdleConversationLoaded
	}
	c.notifyLocked()
	c.mu.Unlock()

	if conversationID == "" {
		return nil
	}

	msgs, err := c.backend.ListMessages(ctx, conversationID)
	if err != nil {
		return c.failSwitch(ctx, epoch, conversationID, err)
	}
	c.apply(epoch, func(t *transcript.Store) {
		t.ReplaceAll(msgs)
	})

	runs, err := c.backend.ListRuns(ctx, conversationID, 1)
	if err != nil {
		c.logger.Warn("Failed to check for active run",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}
	if len(runs) == 0 || !runs[0].Status.Active() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil
	}
	c.logger.Info("Conversation has a run in progress, polling until it ends",
		slog.String("conversationID", conversationID),
		slog.String("runID", runs[0].ID))
	c.backgroundRun = true
	c.startPollingLocked(epoch, conversationID, true)
	c.notifyLocked()
	return nil
}

func (c *Controller) failSwitch(ctx context.Context, epoch uint64, conversationID string, err error) error {
	c.logger.Error("Failed to load conversation",
		slog.String("conversationID", conversationID),
		slog.String(errLoggerKey, err.Error()))

	if errors.Is(err, models.ErrNotFound) {
		c.forget(context.WithoutCancel(ctx), conversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || ctx.Err() != nil {
		return err
	}
	if errors.Is(err, models.ErrNotFound) {
		// The stale selection is dropped without a notice.
		c.activeID = ""
		c.state = StateIdleNoConversation
		c.transcript.Reset()
		c.notifyLocked()
		return err
	}
	if errors.Is(err, models.ErrAuth) {
		c.fatal = models.UserMessage(err)
	}
	c.transcript.Append(models.Message{Role: models.RoleAssistant, Text: models.ErrorText(models.UserMessage(err))})
	c.notifyLocked()
	return err
}

// forget removes the record of a conversation the backend no longer knows.
func (c *Controller) forget(ctx context.Context, conversationID string) {
	if err := c.store.DeleteConversation(ctx, conversationID); err != nil {
		c.logger.Warn("Failed to delete stale conversation record",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	c.refreshConversations(ctx)
}

func (c *Controller) startPolling(epoch uint64, conversationID string, background bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.startPollingLocked(epoch, conversationID, background)
}

func (c *Controller) startPollingLocked(epoch uint64, conversationID string, background bool) {
	c.stopPollingLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPoll = cancel
	c.goBackground(func() { c.poll(ctx, epoch, conversationID, background) })
}

func (c *Controller) stopPollingLocked() {
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

// poll reconciles the transcript with the backend's history until ctx is cancelled. In background
// mode it also watches the latest run and stops once that run is no longer active.
func (c *Controller) poll(ctx context.Context, epoch uint64, conversationID string, background bool) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.fetch(ctx, epoch, conversationID)
		if !background {
			continue
		}

		runs, err := c.backend.ListRuns(ctx, conversationID, 1)
		if err != nil {
			c.logger.Warn("Failed to check run status",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if len(runs) > 0 && runs[0].Status.Active() {
			continue
		}

		c.fetch(ctx, epoch, conversationID)
		c.mu.Lock()
		if c.epoch == epoch && ctx.Err() == nil {
			c.backgroundRun = false
			c.stopPoll = nil
			c.notifyLocked()
		}
		c.mu.Unlock()
		return
	}
}

// drainLocked schedules one more reconciliation fetch after the drain delay, so messages the
// backend persisted after the stream ended are picked up.
func (c *Controller) drainLocked(epoch uint64, conversationID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPoll = cancel
	c.goBackground(func() {
		defer cancel()
		t := time.NewTimer(c.drainDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		c.fetch(ctx, epoch, conversationID)
	})
}

// fetch replaces the transcript with the backend's history when that history is longer than what
// the session already shows.
func (c *Controller) fetch(ctx context.Context, epoch uint64, conversationID string) {
	msgs, err := c.backend.ListMessages(ctx, conversationID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Failed to reconcile transcript",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
		}
		return
	}
	c.apply(epoch, func(t *transcript.Store) {
		if !t.ReplaceAll(msgs) {
			c.logger.Debug("Ignoring history snapshot not longer than transcript",
				slog.String("conversationID", conversationID),
				slog.Int("snapshot", len(msgs)),
				slog.Int("watermark", t.Watermark()))
		}
	})
}
