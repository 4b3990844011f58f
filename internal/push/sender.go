package push

import (
	"context"
	"encoding/json"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/classline/messenger/internal/logger"
)

// Subscription is the push subscription a browser registers.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscriptionSource lists and prunes the stored subscriptions of a user.
type SubscriptionSource interface {
	PushSubscriptions(ctx context.Context, userID string) ([]string, error)
	RemovePushSubscription(ctx context.Context, userID, subscription string) error
}

// Sender delivers Web Push notifications. A nil Sender is a no-op, so the
// server can run without VAPID keys configured.
type Sender struct {
	subs SubscriptionSource
	opts *webpush.Options
}

func NewSender(subs SubscriptionSource, keys *VAPIDKeys, subscriber string) *Sender {
	if keys == nil || keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil
	}
	return &Sender{
		subs: subs,
		opts: &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             60,
		},
	}
}

// Notify pushes to every registered endpoint of the user. Endpoints that
// answer 404 or 410 are gone and get removed from storage. Delivery errors
// are logged, never propagated: pushes are best effort.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s == nil {
		return
	}
	list, err := s.subs.PushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: list subscriptions for %s: %v", userID, err)
		return
	}
	if len(list) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for _, raw := range list {
		var sub Subscription
		if json.Unmarshal([]byte(raw), &sub) != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.opts)
		if err != nil {
			logger.Errorf("push: send to %s: %v", trimEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := s.subs.RemovePushSubscription(ctx, userID, raw); err != nil {
				logger.Errorf("push: remove gone subscription: %v", err)
			}
		}
	}
}

func trimEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return endpoint
}
