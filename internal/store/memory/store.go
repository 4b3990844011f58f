package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

type conversation struct {
	id        string
	userA     string
	userB     string
	updatedAt time.Time
}

// Store keeps everything in process memory. Used by the -mem flag and tests.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	conversations map[string]*conversation
	messages      map[string][]model.Message // by conversation id, ascending
}

func New() *Store {
	return &Store{
		users:         make(map[string]*model.User),
		conversations: make(map[string]*conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (s *Store) Close() {}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return nil
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Conversations(ctx context.Context, viewerID, beforeID string, limit int) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.userA == viewerID || c.userB == viewerID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].updatedAt.Equal(all[j].updatedAt) {
			return all[i].updatedAt.After(all[j].updatedAt)
		}
		return all[i].id > all[j].id
	})

	start := 0
	if beforeID != "" {
		found := false
		for i, c := range all {
			if c.id == beforeID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, store.ErrNotFound
		}
	}

	out := make([]model.Conversation, 0, limit)
	for _, c := range all[start:] {
		if len(out) == limit {
			break
		}
		otherID := c.userA
		if otherID == viewerID {
			otherID = c.userB
		}
		conv := model.Conversation{ID: c.id, UpdatedAt: c.updatedAt}
		if u, ok := s.users[otherID]; ok {
			conv.Participant = u.ToPublic()
		} else {
			conv.Participant = model.UserPublic{ID: otherID}
		}
		if msgs := s.messages[c.id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			conv.LastMessage = &last
		}
		out = append(out, conv)
	}
	return out, nil
}

func (s *Store) FindOrCreateConversation(ctx context.Context, viewerID, otherID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if (c.userA == viewerID && c.userB == otherID) || (c.userA == otherID && c.userB == viewerID) {
			return c.id, nil
		}
	}
	c := &conversation{
		id:        uuid.New().String(),
		userA:     viewerID,
		userB:     otherID,
		updatedAt: time.Now().UTC(),
	}
	s.conversations[c.id] = c
	return c.id, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return c.userA == userID || c.userB == userID, nil
}

func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return []string{c.userA, c.userB}, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].ReplyToID == nil {
			continue
		}
		if preview := s.findMessageLocked(conversationID, *out[i].ReplyToID); preview != nil {
			cp := *preview
			cp.ReplyToID = nil
			cp.ReplyTo = nil
			out[i].ReplyTo = &cp
		}
	}
	return out, nil
}

func (s *Store) findMessageLocked(conversationID, id string) *model.Message {
	for i := range s.messages[conversationID] {
		if s.messages[conversationID][i].ID == id {
			return &s.messages[conversationID][i]
		}
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	if u, ok := s.users[m.Sender.ID]; ok {
		m.Sender = u.ToPublic()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	c.updatedAt = m.CreatedAt
	return nil
}
