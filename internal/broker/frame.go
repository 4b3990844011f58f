// Package broker implements the classline message-broker protocol: JSON
// frames over WebSocket with topic-scoped subscriptions, plus the client
// session used by the messaging overlay.
package broker

import "encoding/json"

type FrameType string

const (
	// Client to broker.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// Broker to client.
	FrameMessage FrameType = "message"
	FrameNotify  FrameType = "notify"
	FrameError   FrameType = "error"
)

// Frame is one wire frame. Payload stays raw on purpose: notify payloads are
// not contractually typed and are only ever used as a refetch hint.
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageFrame builds the broadcast frame for a new message. payload must
// marshal to the message object the overlay appends.
func MessageFrame(conversationID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameMessage, Topic: ConversationTopic(conversationID), Payload: raw}, nil
}

// NotifyFrame builds the refetch hint sent to user topics. Receivers must
// not rely on the payload shape.
func NotifyFrame(conversationID, messageID string) (Frame, error) {
	raw, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"message_id":      messageID,
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameNotify, Payload: raw}, nil
}

// UserTopic is the per-viewer notification topic.
func UserTopic(userID string) string { return "user:" + userID }

// ConversationTopic is the per-conversation broadcast topic.
func ConversationTopic(conversationID string) string { return "conversation:" + conversationID }
