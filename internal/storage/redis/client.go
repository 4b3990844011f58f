package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tokens live 30 days; push subscriptions stay until the endpoint
// rejects a delivery and the sender removes them.
const TokenTTL = 30 * 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SaveToken(ctx context.Context, token, userID string) error {
	return c.cli.Set(ctx, "token:"+token, userID, TokenTTL).Err()
}

// UserIDByToken resolves token:{token}; a missing key is not an error.
func (c *Client) UserIDByToken(ctx context.Context, token string) (string, error) {
	val, err := c.cli.Get(ctx, "token:"+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteToken(ctx context.Context, token string) error {
	return c.cli.Del(ctx, "token:"+token).Err()
}

// AddPushSubscription appends to push:subs:{user}; the LRem first keeps
// re-registration of the same browser from duplicating the entry.
func (c *Client) AddPushSubscription(ctx context.Context, userID, subscription string) error {
	key := "push:subs:" + userID
	if err := c.cli.LRem(ctx, key, 0, subscription).Err(); err != nil {
		return err
	}
	return c.cli.RPush(ctx, key, subscription).Err()
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]string, error) {
	val, err := c.cli.LRange(ctx, "push:subs:"+userID, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, subscription string) error {
	return c.cli.LRem(ctx, "push:subs:"+userID, 0, subscription).Err()
}

// FlushDB clears the current Redis database (tokens and subscriptions).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
