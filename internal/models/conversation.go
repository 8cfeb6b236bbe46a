package models

import "time"

// Conversation is the metadata record of a persistent, named sequence of messages exchanged between
// a user and the assistant. The record is owned by the metadata store; the backend owns the messages.
type Conversation struct {
	ID        string    `json:"conversationId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"isGroup"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultConversationName is the layout used to name a conversation before a title is generated.
const DefaultConversationName = "2006-01-02 15:04:05"

// NewConversation returns a record for a freshly created backend conversation, named after its
// creation time.
func NewConversation(id, userID string, now time.Time) Conversation {
	return Conversation{
		ID:        id,
		UserID:    userID,
		Name:      now.Format(DefaultConversationName),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
