package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/session"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type message struct {
	ID          string              `json:"id,omitempty"`
	Role        models.Role         `json:"role"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Annotations []models.Annotation `json:"annotations,omitempty"`
}

type view struct {
	State              session.State `json:"state"`
	ConversationID     string        `json:"conversationId"`
	Messages           []message     `json:"messages"`
	ResponseInProgress bool          `json:"responseInProgress"`
	InputDisabled      bool          `json:"inputDisabled"`
	FatalError         string        `json:"fatalError,omitempty"`

	Conversations []models.Conversation `json:"conversations"`
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
		// Raw HTML in model output stays escaped.
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

func (m *Main) renderView(v session.View) ([]byte, error) {
	out := view{
		State:              v.State,
		ConversationID:     v.ConversationID,
		Messages:           make([]message, 0, len(v.Messages)),
		ResponseInProgress: v.ResponseInProgress,
		InputDisabled:      v.State.Pending() || v.FatalError != "",
		FatalError:         v.FatalError,
		Conversations:      v.Conversations,
	}
	if out.Conversations == nil {
		out.Conversations = []models.Conversation{}
	}
	for _, msg := range v.Messages {
		var buf bytes.Buffer
		if err := m.markdown.Convert([]byte(msg.Text), &buf); err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		out.Messages = append(out.Messages, message{
			ID:          msg.ID,
			Role:        msg.Role,
			Text:        msg.Text,
			HTML:        buf.String(),
			Annotations: msg.Annotations,
		})
	}
	return json.Marshal(out)
}
