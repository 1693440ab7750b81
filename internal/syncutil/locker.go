// Package syncutil provides keyed locks used to serialize state changes on a
// single escrow or dispute id.
package syncutil

import "context"

// Locker acquires an exclusive lock for a key. On success it returns an
// unlock function that the caller MUST call. If ctx ends first the context
// error is returned and nothing is held.
//
// Locks are not reentrant, and ContextShardedMutex keys can share a shard.
// Code that holds a key and then takes another must take it from a
// different Locker.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

var (
	_ Locker = (*ContextShardedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)
