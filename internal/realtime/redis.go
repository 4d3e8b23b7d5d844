// ABOUTME: Redis pub/sub relay so events published on one node reach sockets on every node
// ABOUTME: Publishes JSON envelopes to murmur:{channel} and feeds received ones into the local Broadcaster

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/murmur/internal/metrics"
)

// RedisKeyPrefix namespaces murmur channels in Redis.
const RedisKeyPrefix = "murmur:"

// relayEnvelope is the JSON published to Redis.
type relayEnvelope struct {
	Event         Event  `json:"event"`
	ExcludeConnID string `json:"exclude,omitempty"`
}

// RedisRelay implements Publisher over Redis PUBLISH. Every node, including
// the publishing one, receives events through its Run loop, so Publish does
// not deliver locally.
type RedisRelay struct {
	client *redis.Client
	local  *Broadcaster
	logger *slog.Logger
}

// NewRedisRelay creates a relay that delivers received events into local.
// Pass nil logger for default.
func NewRedisRelay(client *redis.Client, local *Broadcaster, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		local:  local,
		logger: logger.With("component", "redis_relay"),
	}
}

// NewRedisClient parses url (redis://...) and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Publish sends the event to every node subscribed to event.Channel.
func (r *RedisRelay) Publish(ctx context.Context, event Event, excludeConnID string) error {
	data, err := json.Marshal(relayEnvelope{Event: event, ExcludeConnID: excludeConnID})
	if err != nil {
		return fmt.Errorf("marshaling relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, RedisKeyPrefix+event.Channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Run pattern-subscribes to all murmur channels and forwards messages into
// the local broadcaster until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, RedisKeyPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription confirmation so Publish calls made after
	// Run starts are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to redis: %w", err)
	}
	r.logger.Info("redis relay subscribed", "pattern", RedisKeyPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, msg *redis.Message) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "error", err)
		return
	}

	if env.Event.Channel == "" {
		env.Event.Channel = strings.TrimPrefix(msg.Channel, RedisKeyPrefix)
	}

	if err := r.local.Publish(ctx, env.Event, env.ExcludeConnID); err != nil {
		metrics.BroadcastFailures.Inc()
		r.logger.Warn("local delivery failed", "channel", env.Event.Channel, "error", err)
	}
}
