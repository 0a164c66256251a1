package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventBus wraps the in-memory EventBus and also publishes every
// event to a Redis Pub/Sub channel, so a StatusEmitter running in one
// process fans status changes out to SSE subscribers attached to any
// other process sharing the same Redis instance (spec §4.10's "sink
// that fan-outs to subscribers").
//
// Fan-out strategy:
//   - Redis Pub/Sub: cross-process, at-most-once delivery to other
//     worker instances
//   - In-memory: immediate push to this process's own SSE subscribers
//
// Usage:
//
//	bus, err := events.NewRedisEventBus(ctx, redisClient, "ocx-status")
//	bus.Emit("session.status_change", "/events/evt-1", "evt-1", data)
//	defer bus.Close()
type RedisEventBus struct {
	*EventBus // embedded -- SSE subscribers, Subscribe/Unsubscribe still work

	client  *redis.Client
	channel string
	logger  *log.Logger
	cancel  context.CancelFunc
}

// NewRedisEventBus creates a Redis-backed event bus and starts a
// background subscriber that re-publishes remote messages into this
// process's in-memory bus, so every subscriber sees both local and
// cross-process events through one Subscribe call.
func NewRedisEventBus(ctx context.Context, client *redis.Client, channel string) (*RedisEventBus, error) {
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	bus := &RedisEventBus{
		EventBus: NewEventBus(),
		client:   client,
		channel:  channel,
		logger:   log.New(log.Writer(), "[STATUS-BUS] ", log.LstdFlags),
		cancel:   cancel,
	}

	sub := client.Subscribe(subCtx, channel)
	go bus.relayLoop(subCtx, sub)

	bus.logger.Printf("connected to redis pub/sub channel %q", channel)
	return bus, nil
}

func (rb *RedisEventBus) relayLoop(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event CloudEvent
			if err := unmarshalCloudEvent([]byte(msg.Payload), &event); err != nil {
				rb.logger.Printf("dropping malformed status event: %v", err)
				continue
			}
			rb.EventBus.Publish(&event)
		}
	}
}

// Emit creates a CloudEvent, publishes it to Redis (at-most-once fan-out
// to other processes), and fans out to this process's in-memory
// subscribers (SSE stream). Never blocks the caller on the Redis round
// trip: the publish runs in a goroutine, matching spec §4.10's "the
// emitter must never block the ingest path".
func (rb *RedisEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	rb.publishToRedis(event)
	rb.EventBus.Publish(event)
}

func (rb *RedisEventBus) publishToRedis(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		rb.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rb.client.Publish(ctx, rb.channel, payload).Err(); err != nil {
			rb.logger.Printf("redis publish failed: %s -> %v", event.ID, err)
		}
	}()
}

// PublishRaw publishes a pre-built CloudEvent to Redis and the
// in-memory bus. Used for replaying or forwarding events.
func (rb *RedisEventBus) PublishRaw(event *CloudEvent) {
	rb.publishToRedis(event)
	rb.EventBus.Publish(event)
}

// Close stops the background relay and leaves the Redis client itself
// open, since callers typically share one client across subsystems.
func (rb *RedisEventBus) Close() error {
	rb.cancel()
	rb.logger.Printf("status bus closed")
	return nil
}

// HealthCheck verifies the Redis connection backing the bus is alive.
func (rb *RedisEventBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// MarshalStats returns basic telemetry about the bus.
func (rb *RedisEventBus) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":         "redis-pubsub",
		"channel":         rb.channel,
		"sse_subscribers": rb.EventBus.SubscriberCount(),
	}
}

// ensure interface compatibility
var _ EventEmitter = (*RedisEventBus)(nil)
