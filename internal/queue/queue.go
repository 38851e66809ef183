package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names used by the pipeline.
const (
	StreamWebhookEvents = "webhook-events" // pointer messages from the gateway
	StreamScoreDeltas   = "score-deltas"   // deltas for the reconciler
)

// Message is one delivered stream entry.
type Message struct {
	ID     string
	Values map[string]string
}

// Queue is an append-only message stream with consumer-group semantics,
// backed by Redis Streams. Delivery is at-least-once: an entry stays in the
// group's pending set until acknowledged, and pending entries are replayed
// to a consumer on restart.
type Queue struct {
	client *redis.Client
}

// New connects a queue to Redis.
func New(addr, password string, db int) *Queue {
	return &Queue{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Publish appends a message and returns its monotonic stream id.
func (q *Queue) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group (and the stream if needed).
// Creating an already-existing group is not an error.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume delivers up to count new messages to this consumer, blocking up to
// block if none are available. A timeout returns no messages and no error.
func (q *Queue) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	return q.read(ctx, stream, group, consumer, ">", count, block)
}

// ConsumePending re-delivers messages this consumer received but never
// acknowledged, with ids greater than start ("0" reads from the beginning of
// the pending list). Callers page through the list by passing the last
// delivered id as the next start, so an entry that stays pending is read at
// most once per pass.
func (q *Queue) ConsumePending(ctx context.Context, stream, group, consumer, start string, count int64) ([]Message, error) {
	return q.read(ctx, stream, group, consumer, start, count, 0)
}

func (q *Queue) read(ctx context.Context, stream, group, consumer, id string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	var out []Message
	for _, str := range res {
		for _, msg := range str.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				} else {
					values[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: msg.ID, Values: values})
		}
	}
	return out, nil
}

// Ack removes a message from the group's pending set.
func (q *Queue) Ack(ctx context.Context, stream, group, id string) error {
	if err := q.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Ping validates connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
