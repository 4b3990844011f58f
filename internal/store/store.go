package store

import (
	"context"
	"errors"

	"github.com/classline/messenger/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists users, conversations and messages.
// Implementations: postgres.Store, memory.Store (for -mem and tests).
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	UserByID(ctx context.Context, id string) (*model.User, error)
	UserByUsername(ctx context.Context, username string) (*model.User, error)

	// Conversations returns the viewer's conversations ordered by activity,
	// newest first. beforeID is a keyset cursor: "" starts from the top,
	// otherwise the page starts strictly after the named conversation.
	Conversations(ctx context.Context, viewerID, beforeID string, limit int) ([]model.Conversation, error)
	// FindOrCreateConversation returns the id of the two-party conversation,
	// creating it on first contact. The pair is unordered.
	FindOrCreateConversation(ctx context.Context, viewerID, otherID string) (string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)

	// Messages returns the newest limit messages in ascending creation order.
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// CreateMessage inserts the message and touches the conversation's
	// activity timestamp in the same transaction.
	CreateMessage(ctx context.Context, m *model.Message) error

	Close()
}
