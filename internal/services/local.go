package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/tmaxmax/go-sse"
	bolt "go.etcd.io/bbolt"
)

// OllamaChatter is the part of the Ollama client used for generation. *api.Client implements it.
type OllamaChatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Local is a conversation backend for offline development. Threads, messages and runs are kept in
// BoltDB, responses are generated by an Ollama model, and runs are streamed as the same
// server-sent events the Assistants API emits, so the rest of the application cannot tell the two
// backends apart.
//
// Like the hosted service, a run keeps generating when its stream reader goes away; only CancelRun
// stops it. Tool calls are not supported.
type Local struct {
	db           *bolt.DB
	chat         OllamaChatter
	model        string
	systemPrompt string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	logger *slog.Logger
}

type localRun struct {
	ID        string           `json:"id"`
	Status    models.RunStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	LastError string           `json:"lastError,omitempty"`
}

var (
	threadsBucket  = []byte("threads")
	messagesBucket = []byte("messages")
	runsBucket     = []byte("runs")
)

// NewLocal creates a Local backend storing its threads in store's database.
func NewLocal(store BoltDB, chat OllamaChatter, model, systemPrompt string, logger *slog.Logger) (*Local, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}

	err := store.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(threadsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local backend: %w", err)
	}

	return &Local{
		db:           store.db,
		chat:         chat,
		model:        model,
		systemPrompt: systemPrompt,
		cancels:      make(map[string]context.CancelFunc),
		logger:       logger.With(slog.String("module", "local")),
	}, nil
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%016d", seq))
}

func thread(tx *bolt.Tx, threadID string) (*bolt.Bucket, error) {
	b := tx.Bucket(threadsBucket).Bucket([]byte(threadID))
	if b == nil {
		return nil, models.Errorf(models.ErrNotFound, "thread %s", threadID)
	}
	return b, nil
}

// activeRun returns the run of the thread that has not reached a terminal status, if any.
func activeRun(b *bolt.Bucket) (localRun, bool, error) {
	c := b.Bucket(runsBucket).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var run localRun
		if err := json.Unmarshal(v, &run); err != nil {
			return localRun{}, false, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		if run.Status.Active() {
			return run, true, nil
		}
	}
	return localRun{}, false, nil
}

// CreateConversation creates an empty thread.
func (l *Local) CreateConversation(context.Context) (string, error) {
	threadID := "thread_" + uuid.New().String()
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(threadsBucket).CreateBucket([]byte(threadID))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket(messagesBucket); err != nil {
			return err
		}
		_, err = b.CreateBucket(runsBucket)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return threadID, nil
}

// AppendMessage adds a message to the thread. It fails with ErrConflict while a run of the thread
// is active.
func (l *Local) AppendMessage(_ context.Context, conversationID string, role models.Role, text string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := thread(tx, conversationID)
		if err != nil {
			return err
		}
		run, ok, err := activeRun(b)
		if err != nil {
			return err
		}
		if ok {
			return models.Errorf(models.ErrConflict, "thread %s already has an active run %s", conversationID, run.ID)
		}
		return putMessage(b, models.Message{
			ID:   "msg_" + uuid.New().String(),
			Role: role,
			Text: text,
		})
	})
}

func putMessage(b *bolt.Bucket, msg models.Message) error {
	mb := b.Bucket(messagesBucket)
	seq, err := mb.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}
	v, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return mb.Put(sequenceKey(seq), v)
}

// ListMessages returns the messages of the thread in the order they were added.
func (l *Local) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := l.db.View(func(tx *bolt.Tx) error {
		b, err := thread(tx, conversationID)
		if err != nil {
			return err
		}
		return b.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRuns returns up to limit runs of the thread, newest first.
func (l *Local) ListRuns(_ context.Context, conversationID string, limit int) ([]models.Run, error) {
	var runs []models.Run
	err := l.db.View(func(tx *bolt.Tx) error {
		b, err := thread(tx, conversationID)
		if err != nil {
			return err
		}
		c := b.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(runs) < limit; k, v = c.Prev() {
			var run localRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			runs = append(runs, models.Run{ID: run.ID, Status: run.Status})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// CancelRun stops the generation of a run. A run left active without a generation, for example
// by a crash, is marked cancelled directly.
func (l *Local) CancelRun(_ context.Context, conversationID, runID string) error {
	l.mu.Lock()
	cancel, ok := l.cancels[runID]
	l.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	return l.updateRun(conversationID, runID, func(run *localRun) {
		if run.Status.Active() {
			run.Status = models.RunStatusCancelled
		}
	})
}

func (l *Local) updateRun(conversationID, runID string, fn func(run *localRun)) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := thread(tx, conversationID)
		if err != nil {
			return err
		}
		return modifyRun(b, runID, fn)
	})
}

func modifyRun(b *bolt.Bucket, runID string, fn func(run *localRun)) error {
	rb := b.Bucket(runsBucket)
	c := rb.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var run localRun
		if err := json.Unmarshal(v, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run: %w", err)
		}
		if run.ID != runID {
			continue
		}
		fn(&run)
		nv, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		return rb.Put(bytes.Clone(k), nv)
	}
	return models.Errorf(models.ErrNotFound, "run %s", runID)
}

// StartRunStream starts generating a response to the thread's history and returns the run's event
// stream. opts are ignored except for AdditionalInstructions, which are appended to the system
// prompt.
func (l *Local) StartRunStream(_ context.Context, conversationID string, opts models.RunOptions) (io.ReadCloser, error) {
	run := localRun{
		ID:        "run_" + uuid.New().String(),
		Status:    models.RunStatusInProgress,
		CreatedAt: time.Now(),
	}

	var history []models.Message
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := thread(tx, conversationID)
		if err != nil {
			return err
		}
		active, ok, err := activeRun(b)
		if err != nil {
			return err
		}
		if ok {
			return models.Errorf(models.ErrConflict, "thread %s already has an active run %s", conversationID, active.ID)
		}

		if err := b.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			history = append(history, msg)
			return nil
		}); err != nil {
			return err
		}

		rb := b.Bucket(runsBucket)
		seq, err := rb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		v, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		return rb.Put(sequenceKey(seq), v)
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancels[run.ID] = cancel
	l.mu.Unlock()

	pr, pw := io.Pipe()
	go l.generate(ctx, conversationID, run, l.chatMessages(history, opts), pw)

	return pr, nil
}

// SubmitToolOutputs always fails: runs of the local backend never require tool outputs.
func (l *Local) SubmitToolOutputs(context.Context, string, string, []models.ToolOutput) (io.ReadCloser, error) {
	return nil, models.Errorf(models.ErrNotFound, "local runs have no pending tool calls")
}

func (l *Local) chatMessages(history []models.Message, opts models.RunOptions) []api.Message {
	system := l.systemPrompt
	if opts.AdditionalInstructions != "" {
		system = strings.TrimSpace(system + "\n\n" + opts.AdditionalInstructions)
	}

	msgs := make([]api.Message, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: system})
	}
	for _, msg := range history {
		role := "assistant"
		if msg.Role == models.RoleUser {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: msg.Text})
	}
	return msgs
}

func (l *Local) generate(ctx context.Context, threadID string, run localRun, msgs []api.Message, pw *io.PipeWriter) {
	defer pw.Close()
	defer func() {
		l.mu.Lock()
		delete(l.cancels, run.ID)
		l.mu.Unlock()
	}()

	logger := l.logger.With(slog.String("threadID", threadID), slog.String("runID", run.ID))
	w := &eventWriter{w: pw}

	w.run("thread.run.created", run.ID, models.RunStatusQueued, "")
	w.run("thread.run.in_progress", run.ID, models.RunStatusInProgress, "")

	msgID := "msg_" + uuid.New().String()
	w.write("thread.message.created", map[string]any{
		"id":     msgID,
		"object": "thread.message",
		"role":   "assistant",
		"status": "in_progress",
	})

	t := true
	req := api.ChatRequest{
		Model:    l.model,
		Messages: msgs,
		Stream:   &t,
	}

	var text strings.Builder
	err := l.chat.Chat(ctx, &req, func(res api.ChatResponse) error {
		if res.Message.Content == "" {
			return nil
		}
		text.WriteString(res.Message.Content)
		w.write("thread.message.delta", map[string]any{
			"id":     msgID,
			"object": "thread.message.delta",
			"delta": map[string]any{
				"content": []map[string]any{
					{"index": 0, "type": "text", "text": map[string]any{"value": res.Message.Content}},
				},
			},
		})
		return nil
	})

	status := models.RunStatusCompleted
	lastError := ""
	switch {
	case ctx.Err() != nil:
		status = models.RunStatusCancelled
	case err != nil:
		status = models.RunStatusFailed
		lastError = err.Error()
		logger.Error("Generation failed", slog.String(errLoggerKey, err.Error()))
	}

	if err := l.finishRun(threadID, run.ID, status, lastError, msgID, text.String()); err != nil {
		logger.Error("Failed to store run result", slog.String(errLoggerKey, err.Error()))
	}

	w.run("thread.run."+string(status), run.ID, status, lastError)
	w.done()
	if w.err != nil {
		logger.Debug("Stream reader went away before the run ended", slog.String(errLoggerKey, w.err.Error()))
	}
}

// finishRun stores the generated message, if any, and the terminal status of the run in one
// transaction, so a listing never shows a finished run without its message.
func (l *Local) finishRun(threadID, runID string, status models.RunStatus, lastError, msgID, text string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := thread(tx, threadID)
		if err != nil {
			return err
		}
		if text != "" {
			if err := putMessage(b, models.Message{ID: msgID, Role: models.RoleAssistant, Text: text}); err != nil {
				return err
			}
		}

		return modifyRun(b, runID, func(run *localRun) {
			run.Status = status
			run.LastError = lastError
		})
	})
}

// eventWriter encodes server-sent events. After the first write error, further events are
// dropped.
type eventWriter struct {
	w   io.Writer
	err error
}

func (e *eventWriter) write(typ string, payload any) {
	if e.err != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.err = fmt.Errorf("failed to marshal event: %w", err)
		return
	}

	msg := &sse.Message{Type: sse.Type(typ)}
	msg.AppendData(string(data))
	_, e.err = msg.WriteTo(e.w)
}

func (e *eventWriter) run(typ, runID string, status models.RunStatus, lastError string) {
	payload := map[string]any{
		"id":     runID,
		"object": "thread.run",
		"status": status,
	}
	if lastError != "" {
		payload["last_error"] = map[string]string{"code": "server_error", "message": lastError}
	}
	e.write(typ, payload)
}

func (e *eventWriter) done() {
	if e.err != nil {
		return
	}
	msg := &sse.Message{Type: sse.Type("done")}
	msg.AppendData("[DONE]")
	_, e.err = msg.WriteTo(e.w)
}
