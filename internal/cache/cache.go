package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ScoreCache defines a generic interface for caching per-example scores.
type ScoreCache interface {
	// Get retrieves scores from the cache.
	Get(key uint64) ([]float32, bool)
	// Put stores scores in the cache.
	Put(key uint64, scores []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// Key digests a namespace and any number of integer sequences. Sequence
// boundaries are part of the digest, so ([1 2], [3]) and ([1], [2 3]) differ.
func Key(namespace string, seqs ...[]int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)

	var buf [8]byte
	for _, seq := range seqs {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(seq)))
		_, _ = d.Write(buf[:])
		for _, v := range seq {
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}

// LRUCache is a bounded in-memory ScoreCache that evicts the least recently
// used entry once Capacity is reached. Values are copied on the way in and
// out, so callers never alias cached scores.
type LRUCache struct {
	Capacity int

	lru *lru.Cache[uint64, []float32]
}

// NewLRUCache returns a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	// NewWithEvict only fails for a non-positive size.
	l, _ := lru.NewWithEvict[uint64, []float32](capacity, func(uint64, []float32) {
		cacheEvictions.Inc()
	})
	return &LRUCache{Capacity: capacity, lru: l}
}

func (c *LRUCache) Get(key uint64) ([]float32, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

func (c *LRUCache) Put(key uint64, scores []float32) {
	c.lru.Add(key, append([]float32(nil), scores...))
}

func (c *LRUCache) Size() int {
	return c.lru.Len()
}
