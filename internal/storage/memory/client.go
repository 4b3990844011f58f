package memory

import (
	"context"
	"sync"
	"time"
)

const tokenTTL = 30 * 24 * time.Hour

type item struct {
	val string
	exp time.Time
}

type Client struct {
	mu     sync.RWMutex
	tokens map[string]item
	subs   map[string][]string
}

func New() *Client {
	return &Client{
		tokens: make(map[string]item),
		subs:   make(map[string][]string),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveToken(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = item{val: userID, exp: time.Now().Add(tokenTTL)}
	return nil
}

func (c *Client) UserIDByToken(ctx context.Context, token string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[token]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) DeleteToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
	return nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID, subscription string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs[userID] {
		if s == subscription {
			return nil
		}
	}
	c.subs[userID] = append(c.subs[userID], subscription)
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.subs[userID]))
	copy(out, c.subs[userID])
	return out, nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, subscription string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[userID][:0]
	for _, s := range c.subs[userID] {
		if s != subscription {
			kept = append(kept, s)
		}
	}
	c.subs[userID] = kept
	return nil
}
