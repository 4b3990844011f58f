package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

func seedUser(t *testing.T, s *Store, id, username string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), &model.User{
		ID:        id,
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}))
}

func seedMessage(t *testing.T, s *Store, convID, msgID, senderID, content string, at time.Time) {
	t.Helper()
	require.NoError(t, s.CreateMessage(context.Background(), &model.Message{
		ID:             msgID,
		ConversationID: convID,
		Sender:         model.UserPublic{ID: senderID},
		Content:        content,
		CreatedAt:      at,
	}))
}

func TestFindOrCreateIgnoresPairOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")

	id1, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	id2, err := s.FindOrCreateConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestConversationsCursorWalksActivityOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	base := time.Now().UTC()

	var ids []string
	for i, name := range []string{"adam", "beth", "chris"} {
		other := "o" + name
		seedUser(t, s, other, name)
		id, err := s.FindOrCreateConversation(ctx, "u1", other)
		require.NoError(t, err)
		seedMessage(t, s, id, "m-"+name, other, "hi", base.Add(time.Duration(i)*time.Second))
		ids = append(ids, id)
	}

	page1, err := s.Conversations(ctx, "u1", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[2], page1[0].ID)
	assert.Equal(t, ids[1], page1[1].ID)
	require.NotNil(t, page1[0].LastMessage)
	assert.Equal(t, "m-chris", page1[0].LastMessage.ID)

	page2, err := s.Conversations(ctx, "u1", page1[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, ids[0], page2[0].ID)
}

func TestConversationsUnknownCursorRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	_, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	page, err := s.Conversations(ctx, "u1", "no-such-id", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, page)
}

func TestConversationsExcludeOutsiders(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	_, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	page, err := s.Conversations(ctx, "u3", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMessagesReturnsNewestWindowAscending(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	id, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i, mid := range []string{"m1", "m2", "m3"} {
		seedMessage(t, s, id, mid, "u1", mid, base.Add(time.Duration(i)*time.Second))
	}

	msgs, err := s.Messages(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestMessagesFillsReplyPreviewOneLevel(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	id, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	base := time.Now().UTC()
	seedMessage(t, s, id, "m1", "u1", "root", base)
	replyTo := "m1"
	require.NoError(t, s.CreateMessage(ctx, &model.Message{
		ID:             "m2",
		ConversationID: id,
		Sender:         model.UserPublic{ID: "u2"},
		Content:        "first reply",
		ReplyToID:      &replyTo,
		CreatedAt:      base.Add(time.Second),
	}))
	replyTo2 := "m2"
	require.NoError(t, s.CreateMessage(ctx, &model.Message{
		ID:             "m3",
		ConversationID: id,
		Sender:         model.UserPublic{ID: "u1"},
		Content:        "second reply",
		ReplyToID:      &replyTo2,
		CreatedAt:      base.Add(2 * time.Second),
	}))

	msgs, err := s.Messages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[2].ReplyTo)
	assert.Equal(t, "first reply", msgs[2].ReplyTo.Content)
	// The preview itself never nests further.
	assert.Nil(t, msgs[2].ReplyTo.ReplyTo)
	assert.Nil(t, msgs[2].ReplyTo.ReplyToID)
}

func TestCreateMessageBumpsConversationActivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	for _, other := range []string{"u2", "u3"} {
		seedUser(t, s, other, other)
		_, err := s.FindOrCreateConversation(ctx, "u1", other)
		require.NoError(t, err)
	}

	page, err := s.Conversations(ctx, "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	oldest := page[1].ID

	seedMessage(t, s, oldest, "m1", "u1", "bump", time.Now().UTC().Add(time.Hour))

	page, err = s.Conversations(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, oldest, page[0].ID)
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	s := New()
	err := s.CreateMessage(context.Background(), &model.Message{
		ID:             "m1",
		ConversationID: "missing",
		CreatedAt:      time.Now().UTC(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateMessageResolvesSenderProfile(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u1", Username: "alice", AvatarURL: "http://a/pic.png"}))
	seedUser(t, s, "u2", "bob")
	id, err := s.FindOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	seedMessage(t, s, id, "m1", "u1", "hi", time.Now().UTC())
	msgs, err := s.Messages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender.Username)
	assert.Equal(t, "http://a/pic.png", msgs[0].Sender.AvatarURL)
}
