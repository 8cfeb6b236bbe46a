// Package session orchestrates one client session's view of a conversation: sending messages,
// consuming response streams, reconciling against backend snapshots and switching the active
// conversation without letting one conversation's messages leak into another.
package session

import (
	"context"
	"io"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
)

// Backend is the hosted conversation service. Its failures wrap the error kinds of the models
// package: ErrNotFound for unknown conversations, ErrConflict when a non-terminal run blocks the
// request, ErrAuth for rejected credentials and ErrTransport for connection failures.
//
// Streams are returned as raw server-sent event bodies; the caller closes them.
type Backend interface {
	CreateConversation(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, conversationID string, role models.Role, text string) error
	ListRuns(ctx context.Context, conversationID string, limit int) ([]models.Run, error)
	CancelRun(ctx context.Context, conversationID, runID string) error
	StartRunStream(ctx context.Context, conversationID string, opts models.RunOptions) (io.ReadCloser, error)
	SubmitToolOutputs(ctx context.Context, conversationID, runID string, outputs []models.ToolOutput) (io.ReadCloser, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// SourceNamer is implemented by backends that can resolve the file id of a citation into a file
// name. Streamed annotations only carry file ids.
type SourceNamer interface {
	SourceName(ctx context.Context, fileID string) (string, error)
}

// MetadataStore persists the conversation records listed in the sidebar.
type MetadataStore interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	UpsertConversation(ctx context.Context, conversation models.Conversation) error
	RenameConversation(ctx context.Context, conversationID, newName string) error
	TouchConversation(ctx context.Context, conversationID string, updatedAt time.Time) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// TitleGenerator summarizes the first message of a conversation into a short title.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// ToolResolver runs a tool call requested by the assistant and returns its output.
type ToolResolver interface {
	Resolve(ctx context.Context, call models.ToolCall) (string, error)
}
