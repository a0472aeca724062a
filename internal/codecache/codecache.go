// Package codecache is the sharded, concurrent store of compiled
// native code keyed by ir.Block.Fingerprint. The key type comes from
// the teacher's internal/compilationcache.Key (this core's fingerprint
// key is literally the teacher's [sha256.Size]byte, not a redesign).
// Invalidation is eager: Invalidate and InvalidateAll remove entries
// and release their mappings under the shard lock; each shard's epoch
// counter only records how many bulk invalidations it has seen.
package codecache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
)

// DefaultShards matches spec: 64 shards, hash(fingerprint) % N.
const DefaultShards = 64

// Entry pairs a compiled block with the tier that produced it. Tier-2
// entries are pinned out of the per-shard LRU's eviction path — only
// Invalidate of their fingerprint or InvalidateAll removes them.
type Entry struct {
	Block *jit.CompiledBlock
	Tier  int
}

// ReleaseFunc releases a CompiledBlock's native code mapping. Passed
// in at construction rather than imported directly so this package
// never needs to know about internal/jit/tier1 or tier2 specifically —
// both expose a Release(*jit.CompiledBlock) error of this shape.
type ReleaseFunc func(*jit.CompiledBlock) error

// Cache is the top-level sharded code cache.
type Cache struct {
	shards  []*shard
	release ReleaseFunc
}

type shard struct {
	mu      sync.RWMutex
	lru     *lru.Cache[ir.Fingerprint, *Entry] // tier-1, evictable
	pinned  map[ir.Fingerprint]*Entry          // tier-2, not evictable
	epoch   atomic.Uint64
	release ReleaseFunc
}

// New builds a Cache with the given shard count (DefaultShards if n <=
// 0) and per-shard tier-1 LRU capacity.
func New(n, perShardCapacity int, release ReleaseFunc) (*Cache, error) {
	if n <= 0 {
		n = DefaultShards
	}
	c := &Cache{shards: make([]*shard, n), release: release}
	for i := range c.shards {
		s := &shard{pinned: make(map[ir.Fingerprint]*Entry), release: release}
		l, err := lru.NewWithEvict[ir.Fingerprint, *Entry](perShardCapacity, s.onEvict)
		if err != nil {
			return nil, err
		}
		s.lru = l
		c.shards[i] = s
	}
	return c, nil
}

// onEvict is the golang-lru eviction callback: releases a tier-1
// entry's native code mapping the moment the LRU drops it.
func (s *shard) onEvict(_ ir.Fingerprint, e *Entry) {
	if s.release != nil && e != nil {
		_ = s.release(e.Block)
	}
}

func (c *Cache) shardFor(fp ir.Fingerprint) *shard {
	var h uint64
	for _, b := range fp[:8] {
		h = h<<8 | uint64(b)
	}
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns the entry for fp, or ok=false on a miss or if the entry
// was shot down by an intervening InvalidateAll.
func (c *Cache) Get(fp ir.Fingerprint) (*Entry, bool) {
	s := c.shardFor(fp)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.pinned[fp]; ok {
		return e, true
	}
	if e, ok := s.lru.Get(fp); ok {
		return e, true
	}
	return nil, false
}

// Put installs e under fp, evicting the shard's coldest tier-1 entry
// if the LRU is at capacity (tier-2 entries bypass the LRU entirely
// and are never auto-evicted).
func (c *Cache) Put(fp ir.Fingerprint, e *Entry) {
	s := c.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Tier >= 2 {
		s.pinned[fp] = e
		return
	}
	s.lru.Add(fp, e)
}

// Invalidate removes a single fingerprint's entry, releasing its
// native code mapping.
func (c *Cache) Invalidate(fp ir.Fingerprint) {
	s := c.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pinned[fp]; ok {
		delete(s.pinned, fp)
		if s.release != nil {
			_ = s.release(e.Block)
		}
		return
	}
	// Remove invokes the shard's eviction callback (onEvict) itself,
	// which performs the release — no separate release call needed here.
	s.lru.Remove(fp)
}

// InvalidateAll empties every shard: it bumps the shard's epoch,
// releases each pinned tier-2 mapping and purges the LRU, which
// releases each tier-1 mapping through onEvict, so its cost grows with
// the number of cached entries. internal/vm calls it at shutdown.
func (c *Cache) InvalidateAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.epoch.Add(1)
		for _, e := range s.pinned {
			if s.release != nil {
				_ = s.release(e.Block)
			}
		}
		s.pinned = make(map[ir.Fingerprint]*Entry)
		// Purge invokes onEvict per entry, releasing every tier-1 mapping.
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// Epoch returns the current shootdown generation for fp's shard —
// exposed for tests and for callers that want to detect a concurrent
// invalidation race without holding the shard lock across a longer
// operation.
func (c *Cache) Epoch(fp ir.Fingerprint) uint64 {
	return c.shardFor(fp).epoch.Load()
}
