package models

import "strings"

// Message is a single entry of a conversation. Text is mutable while the owning run streams and
// immutable once the run reaches a terminal status.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the assistant, including error notices
	// surfaced to the user.
	RoleAssistant Role = "assistant"
	// RoleToolOutput represents the visible output of a tool run by the assistant, such as
	// code interpreter logs.
	RoleToolOutput Role = "tool-output"
)

// Annotation is a citation reference attached to streamed text. Text is the exact marker inserted
// by the model (e.g. "【6:0†source】") and FileName the resolved source it points to.
type Annotation struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

const (
	// AnnotationFileCitation marks a citation of a file found by file search.
	AnnotationFileCitation = "file_citation"
	// AnnotationFilePath marks a reference to a file generated by a tool.
	AnnotationFilePath = "file_path"

	// DeletedFileName is used as the source name of a citation whose file no longer exists.
	DeletedFileName = "[Deleted File]"
)

// SourceReference renders the human-readable replacement of a citation marker.
func (a Annotation) SourceReference() string {
	return "(Source: " + a.FileName + ")"
}

// ErrorText renders the text of an assistant message that reports a failure to the user.
func ErrorText(msg string) string {
	return "Error: " + strings.TrimPrefix(msg, "Error: ")
}
