// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const keyMutexShards = 128

// KeyMutex is a fixed pool of mutexes keyed by string, used where state
// is partitioned per workspace and callers on different workspaces should
// not serialize against each other. Memory stays bounded no matter how
// many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The zero value is ready to use.
type KeyMutex struct {
	shards [keyMutexShards]sync.Mutex
}

// Lock acquires the mutex guarding key and returns its unlock function.
//
//	unlock := m.Lock(workspaceID)
//	defer unlock()
func (m *KeyMutex) Lock(key string) (unlock func()) {
	mu := &m.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % keyMutexShards
}
