package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/session"
)

type selectRequest struct {
	ID string `json:"id"`
}

type updateRequest struct {
	Name    *string `json:"name"`
	IsGroup *bool   `json:"isGroup"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// HandleConversations lists the conversations of the session's user.
func (m *Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)

	convs, err := ctrl.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// HandleSelectConversation switches the session to the conversation with the given id, or back to
// the welcome screen when the id is empty. Failures to load the history are reported inside the
// transcript, so the handler always answers with the resulting view.
func (m *Main) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := ctrl.SwitchConversation(r.Context(), req.ID); err != nil {
		m.logger.Warn("Failed to load conversation",
			slog.String("conversationID", req.ID),
			slog.String(errLoggerKey, err.Error()))
	}
	m.writeView(w, http.StatusOK, ctrl.View())
}

// HandleUpdateConversation renames a conversation or flags it as a group conversation.
func (m *Main) HandleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)
	id := r.PathValue("id")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == nil && req.IsGroup == nil {
		http.Error(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			http.Error(w, "Name is required", http.StatusBadRequest)
			return
		}
		if err := ctrl.RenameConversation(r.Context(), id, name); err != nil {
			m.logger.Error("Failed to rename conversation",
				slog.String("conversationID", id),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, err)
			return
		}
	}
	if req.IsGroup != nil {
		if err := ctrl.SetGroup(r.Context(), id, *req.IsGroup); err != nil {
			m.logger.Error("Failed to update conversation",
				slog.String("conversationID", id),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteConversation removes a conversation record. Deleting the active conversation
// returns the session to the welcome screen.
func (m *Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)
	id := r.PathValue("id")

	if err := ctrl.DeleteConversation(r.Context(), id); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages sends a user message in the active conversation, creating one when none is
// active. The response streams in the background and reaches the client through the SSE
// endpoint; the handler answers 202 with the view at the time of acceptance.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	send, err := ctrl.BeginSend(context.WithoutCancel(r.Context()), text)
	if err != nil {
		writeError(w, err)
		return
	}
	v := ctrl.View()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := send(); err != nil {
			m.logger.Warn("Message not answered", slog.String(errLoggerKey, err.Error()))
		}
	}()

	m.writeView(w, http.StatusAccepted, v)
}

// HandleTranscript returns the current view of the session.
func (m *Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	_, ctrl := m.session(w, r)
	m.writeView(w, http.StatusOK, ctrl.View())
}

// HandleHealth reports the server as alive.
func (m *Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Main) writeView(w http.ResponseWriter, status int, v session.View) {
	data, err := m.renderView(v)
	if err != nil {
		m.logger.Error("Failed to render view", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrResponsePending):
		status = http.StatusConflict
	case errors.Is(err, models.ErrAuth), errors.Is(err, models.ErrTransport):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": models.UserMessage(err)})
}
