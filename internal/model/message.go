package model

import "time"

// Attachment describes a single file attached to a message.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message belongs to exactly one conversation. ReplyTo goes one level deep:
// a reply preview never carries its own ReplyTo.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         UserPublic  `json:"sender"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"`
	ReplyTo        *Message    `json:"reply_to,omitempty"`
	Reaction       string      `json:"reaction,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      *time.Time  `json:"updated_at,omitempty"`
}
