package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// brokerStub accepts WebSocket connections and records every frame each one
// sends. Frames pushed through send() go to the most recent connection.
type brokerStub struct {
	t *testing.T

	mu     sync.Mutex
	tokens []string
	conns  []*websocket.Conn
	frames []Frame
}

func newBrokerStub(t *testing.T) (*brokerStub, string) {
	t.Helper()
	stub := &brokerStub{t: t}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.tokens = append(stub.tokens, r.Header.Get("Authorization"))
		stub.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.mu.Unlock()

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			stub.mu.Lock()
			stub.frames = append(stub.frames, f)
			stub.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(stub.closeAll)
	return stub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *brokerStub) send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns)
	return s.conns[len(s.conns)-1].WriteJSON(f)
}

func (s *brokerStub) frameTopics(ft FrameType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var topics []string
	for _, f := range s.frames {
		if f.Type == ft {
			topics = append(topics, f.Topic)
		}
	}
	return topics
}

func (s *brokerStub) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *brokerStub) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func TestActivateDialsWithBearerAndSubscribesUserTopic(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)

	var connects int
	var mu sync.Mutex
	s.OnConnect = func() {
		mu.Lock()
		connects++
		mu.Unlock()
	}

	s.Activate("tok-1")
	defer s.Deactivate()

	require.Eventually(t, func() bool {
		topics := stub.frameTopics(FrameSubscribe)
		return len(topics) == 1 && topics[0] == "user:u1"
	}, waitFor, tick)

	stub.mu.Lock()
	require.NotEmpty(t, stub.tokens)
	assert.Equal(t, "Bearer tok-1", stub.tokens[0])
	stub.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 1
	}, waitFor, tick)
}

func TestSubscribeAndUnsubscribeReachTheWire(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)
	s.Activate("tok-1")
	defer s.Deactivate()

	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)

	s.Subscribe("conversation:c1")
	require.Eventually(t, func() bool {
		topics := stub.frameTopics(FrameSubscribe)
		return len(topics) == 2 && topics[1] == "conversation:c1"
	}, waitFor, tick)

	s.Unsubscribe("conversation:c1")
	require.Eventually(t, func() bool {
		topics := stub.frameTopics(FrameUnsubscribe)
		return len(topics) == 1 && topics[0] == "conversation:c1"
	}, waitFor, tick)
}

func TestUnsubscribeUnknownTopicSendsNothing(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)
	s.Activate("tok-1")
	defer s.Deactivate()

	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)

	s.Unsubscribe("conversation:never")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stub.frameTopics(FrameUnsubscribe))
}

func TestIncomingFramesDispatchToCallbacks(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)

	type received struct {
		topic   string
		payload string
	}
	var mu sync.Mutex
	var messages, notifies []received
	s.OnMessage = func(topic string, payload json.RawMessage) {
		mu.Lock()
		messages = append(messages, received{topic, string(payload)})
		mu.Unlock()
	}
	s.OnNotify = func(topic string, payload json.RawMessage) {
		mu.Lock()
		notifies = append(notifies, received{topic, string(payload)})
		mu.Unlock()
	}

	s.Activate("tok-1")
	defer s.Deactivate()
	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)

	require.NoError(t, stub.send(Frame{Type: FrameMessage, Topic: "conversation:c1", Payload: []byte(`{"id":"m1"}`)}))
	require.NoError(t, stub.send(Frame{Type: FrameNotify, Topic: "user:u1", Payload: []byte(`{"conversation_id":"c1"}`)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && len(notifies) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, "conversation:c1", messages[0].topic)
	assert.JSONEq(t, `{"id":"m1"}`, messages[0].payload)
	assert.Equal(t, "user:u1", notifies[0].topic)
	mu.Unlock()
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)
	s.Activate("tok-1")
	defer s.Deactivate()

	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)
	s.Subscribe("conversation:c1")
	require.Eventually(t, func() bool {
		return len(stub.frameTopics(FrameSubscribe)) == 2
	}, waitFor, tick)

	// Drop the connection server-side; the session must redial and replay
	// its desired topics.
	stub.mu.Lock()
	stub.conns[0].Close()
	stub.mu.Unlock()

	require.Eventually(t, func() bool { return stub.connCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		topics := stub.frameTopics(FrameSubscribe)
		if len(topics) != 4 {
			return false
		}
		seen := map[string]bool{}
		for _, topic := range topics[2:] {
			seen[topic] = true
		}
		return seen["user:u1"] && seen["conversation:c1"]
	}, waitFor, tick)
}

func TestDeactivateBeforeActivateIsSafe(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1/ws", "u1", 20*time.Millisecond, 0)
	s.Deactivate()
	s.Deactivate()
}

func TestDeactivateStopsReconnecting(t *testing.T) {
	stub, url := newBrokerStub(t)
	s := NewSession(url, "u1", 20*time.Millisecond, 0)
	s.Activate("tok-1")

	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)
	s.Deactivate()
	s.Deactivate()

	count := stub.connCount()
	assert.Never(t, func() bool { return stub.connCount() > count }, 150*time.Millisecond, tick)
	assert.False(t, s.Connected())
}
