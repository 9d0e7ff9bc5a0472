package snapshots

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry struct {
	headerOID string
	header    Header
	payload   []byte
}

// byteLRU is an LRU bounded by total payload bytes rather than entry count.
// Not safe for concurrent use; Store guards it with its mutex.
type byteLRU struct {
	lru      *simplelru.LRU[string, *cacheEntry]
	size     int64
	maxBytes int64
}

func newByteLRU(maxBytes int64) *byteLRU {
	c := &byteLRU{maxBytes: maxBytes}
	// Count bound is unreachable; eviction is driven by the byte budget.
	lru, err := simplelru.NewLRU[string, *cacheEntry](math.MaxInt32, func(_ string, e *cacheEntry) {
		c.size -= int64(len(e.payload))
	})
	if err != nil {
		panic(err)
	}
	c.lru = lru
	return c
}

func (c *byteLRU) get(key string) (*cacheEntry, bool) {
	return c.lru.Get(key)
}

// add inserts e and evicts least-recently-used entries until the budget holds.
// Payloads larger than the whole budget are not cached.
func (c *byteLRU) add(key string, e *cacheEntry) {
	c.lru.Remove(key)
	n := int64(len(e.payload))
	if n > c.maxBytes {
		return
	}
	c.lru.Add(key, e)
	c.size += n
	for c.size > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *byteLRU) remove(key string) {
	c.lru.Remove(key)
}

func (c *byteLRU) len() int {
	return c.lru.Len()
}
