package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// SessionFactory creates the controller of a new browser session.
type SessionFactory func() *session.Controller

// Option configures a Main.
type Option func(*Main)

// Main serves the chat API. Every browser session, identified by a cookie, owns its own
// controller, and changes to that controller are pushed to the session's SSE topic.
type Main struct {
	sseSrv     *sse.Server
	markdown   goldmark.Markdown
	newSession SessionFactory
	idleTTL    time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

type sessionEntry struct {
	ctrl     *session.Controller
	stop     context.CancelFunc
	lastSeen time.Time
	streams  int
}

type sessionKey struct{}

const (
	sessionCookie = "session_id"

	// DefaultSessionIdleTimeout is how long a browser session is kept without requests.
	DefaultSessionIdleTimeout = 30 * time.Minute

	errLoggerKey = "err"
)

var (
	transcriptSSEType = sse.Type("transcript")
	closeChatSSEType  = sse.Type("closeChat")
)

// WithSessionIdleTimeout sets how long a session may go without requests before its controller is
// closed. Sessions with a response in progress or an open SSE connection are kept. A non-positive
// timeout keeps DefaultSessionIdleTimeout.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(m *Main) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// NewMain creates a Main that builds controllers with newSession. The SSE server subscribes each
// client to the topic of the session it belongs to.
func NewMain(newSession SessionFactory, logger *slog.Logger, opts ...Option) *Main {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Main{
		markdown:   newMarkdown(),
		newSession: newSession,
		idleTTL:    DefaultSessionIdleTimeout,
		sessions:   make(map[string]*sessionEntry),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			id, ok := s.Req.Context().Value(sessionKey{}).(string)
			if !ok {
				return sse.Subscription{}, false
			}
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, sessionTopic(id)},
			}, true
		},
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.evictIdle()
	}()
	return m
}

// Handler returns the routes of the chat API.
func (m *Main) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", m.HandleConversations)
	mux.HandleFunc("POST /api/conversations/select", m.HandleSelectConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", m.HandleUpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", m.HandleDeleteConversation)
	mux.HandleFunc("POST /api/messages", m.HandleMessages)
	mux.HandleFunc("GET /api/transcript", m.HandleTranscript)
	mux.HandleFunc("GET /sse", m.HandleSSE)
	mux.HandleFunc("GET /health", m.HandleHealth)
	return mux
}

func sessionTopic(id string) string {
	return fmt.Sprintf("session-%s", id)
}

// session returns the controller of the request's browser session, issuing a new session cookie
// when the request carries none.
func (m *Main) session(w http.ResponseWriter, r *http.Request) (string, *session.Controller) {
	var id string
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		id = c.Value
	} else {
		id = uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.lastSeen = time.Now()
		return id, e.ctrl
	}
	ctx, stop := context.WithCancel(m.ctx)
	e := &sessionEntry{
		ctrl:     m.newSession(),
		stop:     stop,
		lastSeen: time.Now(),
	}
	m.sessions[id] = e
	m.logger.Debug("Session created", slog.String("sessionID", id))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forward(ctx, id, e.ctrl)
	}()
	return id, e.ctrl
}

// evictIdle closes the sessions idle for longer than the idle timeout until Main shuts down.
func (m *Main) evictIdle() {
	ticker := time.NewTicker(max(m.idleTTL/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.evictBefore(now.Add(-m.idleTTL))
		}
	}
}

func (m *Main) evictBefore(cutoff time.Time) {
	var idle []*sessionEntry
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.lastSeen.After(cutoff) || e.streams > 0 || e.ctrl.View().State.Pending() {
			continue
		}
		delete(m.sessions, id)
		idle = append(idle, e)
		m.logger.Debug("Session evicted", slog.String("sessionID", id))
	}
	m.mu.Unlock()

	for _, e := range idle {
		e.stop()
		e.ctrl.Close()
	}
}

// streaming tracks an open SSE connection of the session, which keeps it from being evicted.
func (m *Main) streaming(id string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.streams += delta
		e.lastSeen = time.Now()
	}
}

// forward publishes the view of ctrl every time it changes, until ctx is done.
func (m *Main) forward(ctx context.Context, id string, ctrl *session.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Updates():
		}

		data, err := m.renderView(ctrl.View())
		if err != nil {
			m.logger.Error("Failed to render view",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		msg := &sse.Message{Type: transcriptSSEType}
		msg.AppendData(string(data))
		if err := m.sseSrv.Publish(msg, sessionTopic(id)); err != nil {
			m.logger.Error("Failed to publish transcript",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// HandleSSE streams the transcript updates of the caller's session.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	id, _ := m.session(w, r)
	m.streaming(id, 1)
	defer m.streaming(id, -1)
	m.sseSrv.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
}

// Shutdown broadcasts a close event to all SSE clients, closes every session and waits up to 5
// seconds for the connections to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeChatSSEType}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	m.cancel()
	m.mu.Lock()
	for id, e := range m.sessions {
		e.stop()
		e.ctrl.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
