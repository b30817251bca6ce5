// Package buffer provides the per-run response buffer and its pub/sub
// broker: an ordered append-only list per run plus notification topics
// that tell stream consumers when to range the list again. The
// notification payload is a trigger only; truth is the list.
package buffer

import (
	"context"
	"time"
)

// DefaultKeyTTL bounds how long run keys survive without activity so
// orphaned runs are reclaimed without cross-instance coordination.
const DefaultKeyTTL = 24 * time.Hour

// Subscription is a live pub/sub subscription. Messages is closed when
// the subscription is closed or the broker shuts down.
type Subscription interface {
	// Messages yields payloads published to the subscribed channel.
	Messages() <-chan string

	// Close unsubscribes and releases the subscription.
	Close() error
}

// Broker is the buffer's storage and messaging contract: ordered
// append, range scan, TTL keys, glob enumeration and publish/subscribe.
// Any store offering these operations satisfies the response-buffer
// semantics.
type Broker interface {
	// Append adds value at the end of the list and refreshes its TTL.
	Append(ctx context.Context, listKey, value string) error

	// Range returns list elements from start to stop inclusive;
	// stop -1 means the end of the list.
	Range(ctx context.Context, listKey string, start, stop int64) ([]string, error)

	// Set writes a key with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a key; returns "" and false when absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Keys enumerates keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes keys.
	Delete(ctx context.Context, keys ...string) error

	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe starts receiving payloads published to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the broker's resources.
	Close() error
}
