package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count of NewContextShardedMutex.
const DefaultShards = 256

// ContextShardedMutex is an in-process Locker. Keys hash onto a fixed set of
// slots, so memory stays bounded however many escrows are live, and keys that
// share a slot wait on each other.
type ContextShardedMutex struct {
	slots []chan struct{}
}

// NewContextShardedMutex returns a mutex with DefaultShards slots.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexSize(DefaultShards)
}

// NewContextShardedMutexSize returns a mutex with n slots (at least one).
func NewContextShardedMutexSize(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{slots: make([]chan struct{}, n)}
	for i := range m.slots {
		// A token in the slot means it is held.
		m.slots[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext waits for key's slot or for ctx to end.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := m.slots[m.slot(key)]

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.slots)))
}
