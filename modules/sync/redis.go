package sync

import (
	"context"
	"encoding/json"
	gosync "sync"

	"github.com/redis/go-redis/v9"
)

// RedisEngine carries envelopes over a redis pub/sub channel.
type RedisEngine struct {
	client  *redis.Client
	channel string
	owns    bool

	mu   gosync.Mutex
	subs []*redis.PubSub
}

// NewRedisEngine wraps an existing client. The caller keeps ownership of the
// client; Close only tears down subscriptions.
func NewRedisEngine(client *redis.Client, channel string) *RedisEngine {
	return &RedisEngine{client: client, channel: channel}
}

// OpenRedisEngine connects to addr and owns the resulting client.
func OpenRedisEngine(addr, channel string) *RedisEngine {
	e := NewRedisEngine(redis.NewClient(&redis.Options{Addr: addr}), channel)
	e.owns = true
	return e
}

// Publish sends the envelope as JSON on the channel.
func (e *RedisEngine) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.client.Publish(ctx, e.channel, payload).Err()
}

// Subscribe starts a pub/sub consumer. It returns once the subscription is
// confirmed, so envelopes published afterwards are not missed. Payloads that
// do not decode as envelopes are dropped.
func (e *RedisEngine) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := e.client.Subscribe(ctx, e.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}()
	return nil
}

// Close stops the subscriptions and, when the engine opened the client,
// closes it too.
func (e *RedisEngine) Close() error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	if e.owns {
		return e.client.Close()
	}
	return nil
}
