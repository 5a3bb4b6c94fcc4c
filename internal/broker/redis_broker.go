package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgefleet/conductor/internal/logx"
)

// RedisBroker implements Broker on top of Redis Streams, using
// XGROUP CREATE / XADD / XREADGROUP / XACK / XTRIM. It is the
// production transport: message delivery survives a PM or worker
// process restart because pending entries stay attributed to the
// consumer group until acknowledged.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an already-configured *redis.Client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Dial builds a *redis.Client from addr and wraps it.
func Dial(addr string) *RedisBroker {
	return NewRedisBroker(redis.NewClient(&redis.Options{Addr: addr}))
}

func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		logx.ErrorErr(logx.CatBroker, "create consumer group", err, "stream", stream, "group", group)
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		logx.ErrorErr(logx.CatBroker, "publish", err, "stream", stream)
		return "", err
	}
	logx.Debug(logx.CatBroker, "published", "stream", stream, "id", id)
	return id, nil
}

func (b *RedisBroker) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	// go-redis sends BLOCK 0 (wait forever) for a zero Block; a negative
	// value omits BLOCK, which is the non-blocking poll the interface
	// documents for block <= 0.
	redisBlock := block
	if redisBlock <= 0 {
		redisBlock = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    redisBlock,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		logx.ErrorErr(logx.CatBroker, "consume", err, "stream", stream, "group", group)
		return nil, err
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, Message{ID: m.ID, Stream: s.Stream, Fields: fields})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group, messageID string) error {
	if err := b.client.XAck(ctx, stream, group, messageID).Err(); err != nil {
		logx.ErrorErr(logx.CatBroker, "ack", err, "stream", stream, "group", group, "id", messageID)
		return err
	}
	return nil
}

func (b *RedisBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		logx.ErrorErr(logx.CatBroker, "trim", err, "stream", stream)
		return err
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
