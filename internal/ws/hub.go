package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/classline/messenger/internal/broker"
	"github.com/classline/messenger/internal/logger"
)

// Membership answers whether a user may subscribe to a conversation topic.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Hub routes frames between topics and connected clients. Every client is
// implicitly subscribed to its own user topic; conversation topics are
// granted per subscribe frame after a membership check.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // by user id
	topics  map[string]map[*Client]struct{}
	total   int

	maxConns   int
	membership Membership
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(membership Membership, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		membership: membership,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.topics = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.subscribeLocked(c, broker.UserTopic(c.userID))
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	for topic := range c.topics {
		h.unsubscribeLocked(c, topic)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleFrame dispatches a frame received from a client. Only subscription
// management flows client-to-server; messages are posted over REST.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame broker.Frame) {
	switch frame.Type {
	case broker.FrameSubscribe:
		h.handleSubscribe(ctx, c, frame.Topic)
	case broker.FrameUnsubscribe:
		h.handleUnsubscribe(c, frame.Topic)
	default:
		h.sendToClient(c, errorFrame(frame.Topic, "unknown frame type"))
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, topic string) {
	switch {
	case topic == broker.UserTopic(c.userID):
		// Already granted on connect.
		return
	case strings.HasPrefix(topic, "conversation:"):
		conversationID := strings.TrimPrefix(topic, "conversation:")
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ok, err := h.membership.IsParticipant(ctx, conversationID, c.userID)
		if err != nil {
			logger.Errorf("ws check membership conversation=%s user=%s: %v", conversationID, c.userID, err)
			h.sendToClient(c, errorFrame(topic, "internal error"))
			return
		}
		if !ok {
			h.sendToClient(c, errorFrame(topic, "not a participant"))
			return
		}
	default:
		h.sendToClient(c, errorFrame(topic, "unknown topic"))
		return
	}

	h.mu.Lock()
	h.subscribeLocked(c, topic)
	h.mu.Unlock()
}

func (h *Hub) handleUnsubscribe(c *Client, topic string) {
	if topic == broker.UserTopic(c.userID) {
		// The user topic lives as long as the connection.
		return
	}
	h.mu.Lock()
	h.unsubscribeLocked(c, topic)
	h.mu.Unlock()
}

func (h *Hub) subscribeLocked(c *Client, topic string) {
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Publish delivers a frame to every client subscribed to its topic.
func (h *Hub) Publish(frame broker.Frame) {
	h.mu.RLock()
	subs, ok := h.topics[frame.Topic]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, frame)
	}
}

// UserOnline reports whether the user has at least one live connection.
// The offline path falls back to Web Push.
func (h *Hub) UserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) sendToClient(c *Client, frame broker.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func errorFrame(topic, msg string) broker.Frame {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return broker.Frame{Type: broker.FrameError, Topic: topic, Payload: payload}
}
