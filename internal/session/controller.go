package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/runguard"
	"github.com/MegaGrindStone/assistant-chat/internal/stream"
	"github.com/MegaGrindStone/assistant-chat/internal/transcript"
)

// State is the state of a session's state machine.
type State string

const (
	StateIdleNoConversation     State = "idle-no-conversation"
	StateIdleConversationLoaded State = "idle-conversation-loaded"
	StateSending                State = "sending"
	StateStreamingResponse      State = "streaming-response"
	StateAwaitingToolOutput     State = "awaiting-tool-output"
)

// Pending reports whether the session is waiting for a response and must not accept a new
// message.
func (s State) Pending() bool {
	switch s {
	case StateSending, StateStreamingResponse, StateAwaitingToolOutput:
		return true
	default:
		return false
	}
}

// View is an immutable snapshot of a session for rendering.
type View struct {
	State          State            `json:"state"`
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
	// ResponseInProgress is set while this session streams a response, or while a run started
	// earlier is still generating on the backend for the loaded conversation.
	ResponseInProgress bool `json:"responseInProgress"`
	// FatalError is a non-retryable configuration problem; input stays disabled once set.
	FatalError string `json:"fatalError,omitempty"`
	// Conversations is the sidebar list as of the last refresh.
	Conversations []models.Conversation `json:"conversations"`
}

// Controller owns the active conversation and its transcript for one client session. The
// transcript and the active conversation id are only mutated through its methods.
//
// Methods are safe to call from multiple goroutines. Network calls are never made while holding
// the internal lock.
type Controller struct {
	backend Backend
	store   MetadataStore
	titles  TitleGenerator
	tools   ToolResolver
	guard   *runguard.Guard
	decoder stream.Decoder

	userID       string
	runOpts      models.RunOptions
	pollInterval time.Duration
	drainDelay   time.Duration
	now          func() time.Time

	logger *slog.Logger

	mu            sync.Mutex
	state         State
	activeID      string
	epoch         uint64
	transcript    *transcript.Store
	conversations []models.Conversation
	fatal         string
	backgroundRun bool
	cancelSend    context.CancelFunc
	stopPoll      context.CancelFunc
	updates       chan struct{}

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

const (
	defaultUserID       = "default-user"
	defaultPollInterval = 2 * time.Second
	defaultDrainDelay   = time.Second
	titleTimeout        = 30 * time.Second
	maxTitleLength      = 60

	errLoggerKey = "err"
)

// WithUserID sets the owner of the conversations listed by the session.
func WithUserID(userID string) Option {
	return func(c *Controller) {
		if userID != "" {
			c.userID = userID
		}
	}
}

// WithRunOptions sets the options of every run the session starts.
func WithRunOptions(opts models.RunOptions) Option {
	return func(c *Controller) {
		c.runOpts = opts
	}
}

// WithPollInterval sets the reconciliation poll period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithDrainDelay sets how long after a terminal run event the final reconciliation fetch runs.
func WithDrainDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.drainDelay = d
		}
	}
}

// WithGuard replaces the default Active-Run Guard.
func WithGuard(g *runguard.Guard) Option {
	return func(c *Controller) {
		c.guard = g
	}
}

// WithDecoder replaces the default stream decoder.
func WithDecoder(d stream.Decoder) Option {
	return func(c *Controller) {
		c.decoder = d
	}
}

// WithTools sets the resolver of tool calls requested by the assistant.
func WithTools(tools ToolResolver) Option {
	return func(c *Controller) {
		c.tools = tools
	}
}

// WithTitleGenerator sets the summarizer that names new conversations.
func WithTitleGenerator(titles TitleGenerator) Option {
	return func(c *Controller) {
		c.titles = titles
	}
}

// New creates a Controller with no conversation selected.
func New(backend Backend, store MetadataStore, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		backend:      backend,
		store:        store,
		userID:       defaultUserID,
		pollInterval: defaultPollInterval,
		drainDelay:   defaultDrainDelay,
		now:          time.Now,
		logger:       logger.With(slog.String("module", "session")),
		state:        StateIdleNoConversation,
		transcript:   transcript.New(),
		updates:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.guard == nil {
		c.guard = runguard.New(backend, logger)
	}
	if c.decoder == (stream.Decoder{}) {
		c.decoder = stream.NewDecoder(logger, 0)
	}
	return c
}

// View returns the current snapshot of the session.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	return View{
		State:              c.state,
		ConversationID:     c.activeID,
		Messages:           c.transcript.Messages(),
		ResponseInProgress: c.state.Pending() || c.backgroundRun,
		FatalError:         c.fatal,
		Conversations:      slices.Clone(c.conversations),
	}
}

// Updates returns a channel that receives a value whenever the view changed. Notifications are
// coalesced: a receiver that falls behind sees one pending value, then reads View.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notifyLocked() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Close stops polling, abandons any stream being consumed and waits for background work.
func (c *Controller) Close() {
	c.mu.Lock()
	c.epoch++
	c.stopPollingLocked()
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Conversations lists the metadata records of the session's user, most recently updated first.
func (c *Controller) Conversations(ctx context.Context) ([]models.Conversation, error) {
	convs, err := c.store.ListConversations(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conversations = slices.Clone(convs)
	c.mu.Unlock()
	return convs, nil
}

func (c *Controller) refreshConversations(ctx context.Context) {
	if _, err := c.Conversations(ctx); err != nil {
		c.logger.Warn("Failed to refresh conversations", slog.String(errLoggerKey, err.Error()))
		return
	}
	c.mu.Lock()
	c.notifyLocked()
	c.mu.Unlock()
}

// RenameConversation changes the display name of a conversation.
func (c *Controller) RenameConversation(ctx context.Context, conversationID, name string) error {
	if err := c.store.RenameConversation(ctx, conversationID, name); err != nil {
		return err
	}
	c.refreshConversations(ctx)
	return nil
}

// SetGroup marks a conversation as shared or single-user.
func (c *Controller) SetGroup(ctx context.Context, conversationID string, isGroup bool) error {
	conv, err := c.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.IsGroup = isGroup
	conv.UpdatedAt = c.now()
	if err := c.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}
	c.refreshConversations(ctx)
	return nil
}

// DeleteConversation removes a conversation record. Deleting the active conversation returns the
// session to the welcome state.
func (c *Controller) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := c.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	c.refreshConversations(ctx)

	c.mu.Lock()
	active := c.activeID == conversationID
	c.mu.Unlock()
	if active {
		return c.SwitchConversation(ctx, "")
	}
	return nil
}

func (c *Controller) conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		return models.Conversation{}, err
	}
	idx := slices.IndexFunc(convs, func(cv models.Conversation) bool { return cv.ID == conversationID })
	if idx < 0 {
		return models.Conversation{}, models.Errorf(models.ErrNotFound, "conversation %s", conversationID)
	}
	return convs[idx], nil
}

// touch bumps the record's update time so the conversation sorts first.
func (c *Controller) touch(ctx context.Context, conversationID string) {
	if err := c.store.TouchConversation(ctx, conversationID, c.now()); err != nil {
		c.logger.Warn("Failed to update conversation record",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	c.refreshConversations(ctx)
}

// apply runs fn against the transcript if the selection that issued it is still current and
// reports whether it ran.
func (c *Controller) apply(epoch uint64, fn func(t *transcript.Store)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	fn(c.transcript)
	c.notifyLocked()
	return true
}

func (c *Controller) setState(epoch uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	if c.state != state {
		c.state = state
		c.notifyLocked()
	}
	return true
}

func (c *Controller) goBackground(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
