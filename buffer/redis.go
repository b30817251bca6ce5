package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Broker backed by a Redis server: lists for the response
// buffer, plain keys with TTL for run records, pub/sub for topics.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOption configures the Redis broker.
type RedisOption func(*Redis)

// WithKeyTTL overrides the TTL applied to lists on append.
func WithKeyTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// NewRedis creates a broker on an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    DefaultKeyTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append RPUSHes value and refreshes the list TTL.
func (r *Redis) Append(ctx context.Context, listKey, value string) error {
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, listKey, value)
	pipe.Expire(ctx, listKey, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Range returns list elements from start to stop inclusive.
func (r *Redis) Range(ctx context.Context, listKey string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, listKey, start, stop).Result()
}

// Set writes a key with a TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get reads a key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Keys enumerates keys matching a glob pattern.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

// Delete removes keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Publish sends payload on channel.
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe starts receiving payloads published to channel.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// Confirm the subscription before returning so no publish between
	// subscribe and first receive is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan string, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan string
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		select {
		case s.ch <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

// Messages yields published payloads.
func (s *redisSub) Messages() <-chan string {
	return s.ch
}

// Close unsubscribes and stops the pump.
func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
