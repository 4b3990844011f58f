package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

const messageColumns = `
	m.id, m.conversation_id, m.content, m.reply_to_id, COALESCE(m.reaction,''),
	m.created_at, m.updated_at,
	COALESCE(m.file_name,''), COALESCE(m.file_url,''), COALESCE(m.file_content_type,''), COALESCE(m.file_size,0),
	u.id, u.username, COALESCE(u.avatar_url,'')`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var fileName, fileURL, fileContentType string
	var fileSize int64
	err := s.Scan(
		&m.ID, &m.ConversationID, &m.Content, &m.ReplyToID, &m.Reaction,
		&m.CreatedAt, &m.UpdatedAt,
		&fileName, &fileURL, &fileContentType, &fileSize,
		&m.Sender.ID, &m.Sender.Username, &m.Sender.AvatarURL,
	)
	if err != nil {
		return err
	}
	if fileURL != "" {
		m.Attachment = &model.Attachment{
			Name:        fileName,
			URL:         fileURL,
			ContentType: fileContentType,
			Size:        fileSize,
		}
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("store.Messages", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store.Messages query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("store.Messages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.Messages rows: %w", err)
	}

	// The query walks newest-first for the LIMIT; the caller wants ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if err := s.attachReplyPreviews(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachReplyPreviews fills ReplyTo one level deep.
func (s *Store) attachReplyPreviews(ctx context.Context, msgs []model.Message) error {
	for i := range msgs {
		if msgs[i].ReplyToID == nil {
			continue
		}
		preview, err := s.messageByID(ctx, *msgs[i].ReplyToID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		preview.ReplyToID = nil
		msgs[i].ReplyTo = preview
	}
	return nil
}

func (s *Store) messageByID(ctx context.Context, id string) (*model.Message, error) {
	m := &model.Message{}
	err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.messageByID: %w", err)
	}
	return m, nil
}

func (s *Store) lastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	m := &model.Message{}
	err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, conversationID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.lastMessage: %w", err)
	}
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("store.CreateMessage", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.CreateMessage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var fileName, fileURL, fileContentType *string
	var fileSize *int64
	if m.Attachment != nil {
		fileName = &m.Attachment.Name
		fileURL = &m.Attachment.URL
		fileContentType = &m.Attachment.ContentType
		fileSize = &m.Attachment.Size
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, reply_to_id, reaction,
		                       file_name, file_url, file_content_type, file_size, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10, $11)`,
		m.ID, m.ConversationID, m.Sender.ID, m.Content, m.ReplyToID, m.Reaction,
		fileName, fileURL, fileContentType, fileSize, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.CreateMessage insert: %w", err)
	}

	// Activity bump drives conversation list ordering.
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("store.CreateMessage touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.CreateMessage commit: %w", err)
	}
	return nil
}
