package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundtrip(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.SaveToken(ctx, "tok-1", "u1"))
	uid, err := c.UserIDByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	require.NoError(t, c.DeleteToken(ctx, "tok-1"))
	uid, err = c.UserIDByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Empty(t, uid)
}

func TestUnknownTokenMapsToNoUser(t *testing.T) {
	c := New()
	uid, err := c.UserIDByToken(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Empty(t, uid)
}

func TestPushSubscriptionsDeduplicate(t *testing.T) {
	c := New()
	ctx := context.Background()

	sub := `{"endpoint":"https://push.example/a"}`
	require.NoError(t, c.AddPushSubscription(ctx, "u1", sub))
	require.NoError(t, c.AddPushSubscription(ctx, "u1", sub))
	require.NoError(t, c.AddPushSubscription(ctx, "u1", `{"endpoint":"https://push.example/b"}`))

	subs, err := c.PushSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestRemovePushSubscription(t *testing.T) {
	c := New()
	ctx := context.Background()

	a := `{"endpoint":"https://push.example/a"}`
	b := `{"endpoint":"https://push.example/b"}`
	require.NoError(t, c.AddPushSubscription(ctx, "u1", a))
	require.NoError(t, c.AddPushSubscription(ctx, "u1", b))

	require.NoError(t, c.RemovePushSubscription(ctx, "u1", a))
	subs, err := c.PushSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, b, subs[0])

	// Removing for a user with no subscriptions is a no-op.
	require.NoError(t, c.RemovePushSubscription(ctx, "u2", a))
}

func TestSubscriptionsAreScopedPerUser(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.AddPushSubscription(ctx, "u1", `{"endpoint":"https://push.example/a"}`))

	subs, err := c.PushSubscriptions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
