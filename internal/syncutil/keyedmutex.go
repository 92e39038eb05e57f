// Package syncutil provides locking primitives keyed by string.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex serializes work per key over a fixed pool of channel-based
// mutexes. Memory stays bounded regardless of how many keys are seen; two
// keys hashing to the same shard share a lock. Waiters give up when their
// context ends.
type KeyedMutex struct {
	shards    []chan struct{}
	normalize func(string) string
}

// Option configures a KeyedMutex.
type Option func(*KeyedMutex)

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(m *KeyedMutex) {
		if n > 0 {
			m.shards = make([]chan struct{}, n)
		}
	}
}

// CaseInsensitive folds keys to upper case before hashing.
func CaseInsensitive() Option {
	return func(m *KeyedMutex) {
		m.normalize = func(k string) string { return strings.ToUpper(strings.TrimSpace(k)) }
	}
}

// NewKeyedMutex creates a keyed mutex.
func NewKeyedMutex(opts ...Option) *KeyedMutex {
	m := &KeyedMutex{shards: make([]chan struct{}, DefaultShards)}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // start unlocked
	}
	return m
}

// LockContext acquires the lock for key. On success the caller MUST call the
// returned unlock function. On context cancellation it returns the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	if m.normalize != nil {
		key = m.normalize(key)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
