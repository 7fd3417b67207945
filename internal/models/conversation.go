package models

import "time"

type Conversation struct {
	ID         string
	Title      string
	DocumentID string // empty when the conversation is not scoped to one document
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry of a conversation. Seq is the sole ordering key
// for history reconstruction; CreatedAt is advisory. Messages are
// append-only and immutable once written.
type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           MessageRole
	Content        string
	Sources        []Source // assistant messages only
	CreatedAt      time.Time
}
