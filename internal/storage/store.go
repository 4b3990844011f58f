package storage

import "context"

// SessionStore holds access tokens and web-push subscriptions.
// Implementations: redis.Client, memory.Client (for -mem without Redis).
type SessionStore interface {
	SaveToken(ctx context.Context, token, userID string) error
	// UserIDByToken resolves a bearer token; returns "" for an unknown token.
	UserIDByToken(ctx context.Context, token string) (string, error)
	DeleteToken(ctx context.Context, token string) error

	// AddPushSubscription stores a serialized push subscription for a user.
	// Adding the same subscription twice is a no-op.
	AddPushSubscription(ctx context.Context, userID, subscription string) error
	PushSubscriptions(ctx context.Context, userID string) ([]string, error)
	RemovePushSubscription(ctx context.Context, userID, subscription string) error

	Close() error
}
