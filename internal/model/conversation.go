package model

import "time"

// Conversation is a two-party thread as seen by one viewer: Participant is
// always the counterpart, never the viewer. Created server-side when two
// users first message each other.
type Conversation struct {
	ID          string     `json:"id"`
	Participant UserPublic `json:"participant"`
	LastMessage *Message   `json:"last_message,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
