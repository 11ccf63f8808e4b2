package model

import "time"

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// Conversation groups messages under a client-supplied, unique sessionId.
type Conversation struct {
	ID             string
	SessionID      string
	OwnerUsername  string // empty if anonymous
	CollectionHint string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one append-only turn in a Conversation.
type Message struct {
	ID             string
	ConversationID string
	ClientMsgID    string // caller-supplied idempotency key, may be empty
	Role           Role
	Content        string
	OwnerUsername  string
	ExternalVecID  string // set once indexed into the vector store
	Metadata       map[string]string
	CreatedAt      time.Time
}
