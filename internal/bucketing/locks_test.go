package bucketing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketIsStable(t *testing.T) {
	lt := NewLockTable(16)
	for _, key := range []string{"alice", "bob", "carol"} {
		b := lt.Bucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, lt.Bucket(key))
	}
	assert.Equal(t, 1, NewLockTable(0).Stripes())
}

func TestLockSerialisesSameKey(t *testing.T) {
	lt := NewLockTable(4)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := lt.Lock("alice")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
