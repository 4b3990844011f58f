package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFrameTargetsConversationTopic(t *testing.T) {
	f, err := MessageFrame("c1", map[string]string{"id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "conversation:c1", f.Topic)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "m1", payload["id"])
}

func TestNotifyFrameCarriesRefetchHint(t *testing.T) {
	f, err := NotifyFrame("c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, FrameNotify, f.Type)
	assert.Empty(t, f.Topic)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "c1", payload["conversation_id"])
	assert.Equal(t, "m1", payload["message_id"])
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "user:u1", UserTopic("u1"))
	assert.Equal(t, "conversation:c1", ConversationTopic("c1"))
}
