package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// LockTable serialises work per key using a fixed set of mutexes. Keys are assigned to
// stripes by murmur3 hash, so two keys may share a stripe but one key always maps to
// the same one.
type LockTable struct {
	stripes    []sync.Mutex
	hasherPool sync.Pool
}

func NewLockTable(stripes int) *LockTable {
	if stripes < 1 {
		stripes = 1
	}
	lt := &LockTable{stripes: make([]sync.Mutex, stripes)}

	// Create pool of hash functions to avoid allocation overhead
	lt.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return lt
}

// Lock acquires the stripe for key and returns its release function.
func (lt *LockTable) Lock(key string) func() {
	mu := &lt.stripes[lt.Bucket(key)]
	mu.Lock()
	return mu.Unlock
}

// Bucket returns the stripe index for key.
func (lt *LockTable) Bucket(key string) int {
	return int(lt.getHash(key) % uint64(len(lt.stripes)))
}

func (lt *LockTable) Stripes() int {
	return len(lt.stripes)
}

func (lt *LockTable) getHash(key string) uint64 {
	hasher := lt.hasherPool.Get().(hash.Hash64)
	defer lt.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
