package buffer

import (
	"context"
	"strings"
	"sync"
	"time"
)

const subscriberBuffer = 64

// Memory is an in-process Broker with the same semantics as the Redis
// implementation. It backs tests and single-node deployments.
type Memory struct {
	mu     sync.RWMutex
	lists  map[string][]string
	kv     map[string]memoryValue
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memorySub struct {
	broker  *Memory
	channel string
	ch      chan string
	once    sync.Once
}

// NewMemory creates an in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		lists: make(map[string][]string),
		kv:    make(map[string]memoryValue),
		subs:  make(map[string]map[*memorySub]struct{}),
	}
}

// Append adds value at the end of the list.
func (m *Memory) Append(ctx context.Context, listKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[listKey] = append(m.lists[listKey], value)
	return nil
}

// Range returns list elements from start to stop inclusive.
func (m *Memory) Range(ctx context.Context, listKey string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[listKey]
	n := int64(len(list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// Set writes a key with a TTL; ttl 0 means no expiry.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := memoryValue{value: value}
	if ttl != 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.kv[key] = v
	return nil
}

// Get reads a key.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		return "", false, nil
	}
	return v.value, true, nil
}

// Keys enumerates keys matching a glob pattern. Only '*' wildcards are
// supported, matching the patterns the key scheme uses.
func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []string
	for key, v := range m.kv {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			continue
		}
		if globMatch(pattern, key) {
			out = append(out, key)
		}
	}
	for key := range m.lists {
		if globMatch(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Delete removes keys and lists.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.kv, key)
		delete(m.lists, key)
	}
	return nil
}

// Publish sends payload to every subscriber of channel. Non-blocking:
// a subscriber whose buffer is full misses the payload, which is safe
// because notifications only trigger a range over the list.
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe starts receiving payloads published to channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySub{
		broker:  m,
		channel: channel,
		ch:      make(chan string, subscriberBuffer),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close closes every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	subs := make([]*memorySub, 0)
	for _, chanSubs := range m.subs {
		for sub := range chanSubs {
			subs = append(subs, sub)
		}
	}
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// Messages yields published payloads.
func (s *memorySub) Messages() <-chan string {
	return s.ch
}

// Close unsubscribes and closes the message channel.
func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if subs := s.broker.subs[s.channel]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.broker.subs, s.channel)
			}
		}
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// globMatch matches pattern against s where '*' matches any substring.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}
