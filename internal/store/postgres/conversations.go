package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

func (s *Store) Conversations(ctx context.Context, viewerID, beforeID string, limit int) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("store.Conversations", time.Now())()
	// An unknown cursor must surface as ErrNotFound, not an empty page: the
	// keyset subselect below would compare against a NULL tuple and silently
	// return nothing.
	if beforeID != "" {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, beforeID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("store.Conversations cursor: %w", err)
		}
		if !exists {
			return nil, store.ErrNotFound
		}
	}

	// Keyset cursor on (updated_at, id): stable under new activity pushing
	// conversations to the top, unlike OFFSET.
	query := `
		SELECT c.id, c.updated_at, u.id, u.username, COALESCE(u.avatar_url,'')
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END
		WHERE $1 IN (c.user_a, c.user_b)`
	args := []any{viewerID}
	if beforeID != "" {
		query += ` AND (c.updated_at, c.id) < (SELECT updated_at, id FROM conversations WHERE id = $2)`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY c.updated_at DESC, c.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.Conversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, limit)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UpdatedAt, &c.Participant.ID, &c.Participant.Username, &c.Participant.AvatarURL); err != nil {
			return nil, fmt.Errorf("store.Conversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.Conversations rows: %w", err)
	}

	for i := range convs {
		last, err := s.lastMessage(ctx, convs[i].ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		convs[i].LastMessage = last
	}
	return convs, nil
}

func (s *Store) FindOrCreateConversation(ctx context.Context, viewerID, otherID string) (string, error) {
	defer logger.DeferLogDuration("store.FindOrCreateConversation", time.Now())()
	id, err := s.findConversation(ctx, viewerID, otherID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	now := time.Now().UTC()
	newID := uuid.New().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT ((LEAST(user_a, user_b)), (GREATEST(user_a, user_b))) DO NOTHING`,
		newID, viewerID, otherID, now,
	)
	if err != nil {
		return "", fmt.Errorf("store.FindOrCreateConversation insert: %w", err)
	}
	// Re-select covers the lost race: another request may have created it.
	return s.findConversation(ctx, viewerID, otherID)
}

func (s *Store) findConversation(ctx context.Context, userA, userB string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM conversations
		 WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1)`,
		userA, userB,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store.findConversation: %w", err)
	}
	return id, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("store.IsParticipant", time.Now())()
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1 AND $2 IN (user_a, user_b))`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store.IsParticipant: %w", err)
	}
	return exists, nil
}

func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("store.ParticipantIDs", time.Now())()
	var userA, userB string
	err := s.pool.QueryRow(ctx,
		`SELECT user_a, user_b FROM conversations WHERE id = $1`, conversationID,
	).Scan(&userA, &userB)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.ParticipantIDs: %w", err)
	}
	return []string{userA, userB}, nil
}
