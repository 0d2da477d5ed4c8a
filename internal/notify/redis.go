package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisNotifier implements Notifier.
var _ Notifier = (*RedisNotifier)(nil)

// RedisNotifier publishes change events over Redis pub/sub, where the
// real-time gateway processes subscribe and fan out to connected clients.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a notifier backed by an existing Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("RedisNotifier.Publish: marshal failed", "topic", topic, "error", err)
		return
	}
	if err := n.client.Publish(ctx, topic, data).Err(); err != nil {
		slog.Warn("RedisNotifier.Publish: publish failed", "topic", topic, "error", err)
	}
}
