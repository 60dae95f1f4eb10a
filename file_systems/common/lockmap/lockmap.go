// Package lockmap provides a sharded map of exclusive locks keyed by integer.
//
// It behaves as if there were one mutex for every possible key, but only keeps
// state for keys that are currently held or waited on. Keys are spread over a
// fixed number of shards; acquiring a key only synchronizes with other callers
// whose keys land on the same shard.
package lockmap

import (
	"sync"
)

// NumShards is the number of shards in a [LockMap]. It's prime so that keys
// that are multiples of small numbers still spread out.
const NumShards uint64 = 43

type lockState struct {
	held    bool
	waiters uint64
	cond    *sync.Cond
}

type lockShard struct {
	mu    sync.Mutex
	state map[uint64]*lockState
}

func (shard *lockShard) acquire(key uint64) {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.state[key]
	if !ok {
		state = &lockState{cond: sync.NewCond(&shard.mu)}
		shard.state[key] = state
	}

	for state.held {
		state.waiters++
		state.cond.Wait()
		state.waiters--
	}
	state.held = true
}

func (shard *lockShard) release(key uint64) {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.state[key]
	if !ok || !state.held {
		panic("lockmap: release of unlocked key")
	}

	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, key)
	}
}

// LockMap is a set of exclusive locks addressed by key. The zero value is not
// usable; create one with [New].
type LockMap struct {
	shards [NumShards]lockShard
}

// New creates an empty LockMap.
func New() *LockMap {
	lmap := &LockMap{}
	for i := range lmap.shards {
		lmap.shards[i].state = make(map[uint64]*lockState)
	}
	return lmap
}

// Acquire blocks until the lock for `key` is available and takes it.
func (lmap *LockMap) Acquire(key uint64) {
	lmap.shards[key%NumShards].acquire(key)
}

// Release releases the lock for `key`. Releasing a key that isn't held panics,
// same as unlocking an unlocked [sync.Mutex].
func (lmap *LockMap) Release(key uint64) {
	lmap.shards[key%NumShards].release(key)
}

// heldKeys returns the number of keys with live state. Used by tests.
func (lmap *LockMap) heldKeys() int {
	total := 0
	for i := range lmap.shards {
		lmap.shards[i].mu.Lock()
		total += len(lmap.shards[i].state)
		lmap.shards[i].mu.Unlock()
	}
	return total
}
