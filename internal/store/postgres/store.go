package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("store.CreateUser", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, avatar_url, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.AvatarURL, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.CreateUser: %w", err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("store.UserByID", time.Now())()
	u := &model.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(avatar_url,''), created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.UserByID: %w", err)
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("store.UserByUsername", time.Now())()
	u := &model.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(avatar_url,''), created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.UserByUsername: %w", err)
	}
	return u, nil
}
