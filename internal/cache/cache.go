// Package cache implements a read-through, write-back block cache sitting
// between a volume and its [schema.Device]. The capacity is a byte budget
// rather than an entry count, as the block size varies by profile.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/desertwitch/govol/internal/schema"
)

// Stats holds counters of a [Cache]. It is meant to be passed by value.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
	Entries    int
	Dirty      int
	Bytes      uint64
	Budget     uint64
}

// HitRatio returns hits / (hits + misses), or 0 without any lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// entry is a cached block. Its data is never handed out, only copies of it,
// so a cached block is an immutable snapshot until replaced by a put.
type entry struct {
	id         schema.BlockID
	data       []byte
	dirty      bool
	lastAccess time.Time
}

// Cache is a least-recently-used block cache with write-back of dirty blocks
// on eviction or [Cache.Flush].
type Cache struct {
	sync.Mutex
	device  schema.Device
	budget  uint64
	used    uint64
	entries map[schema.BlockID]*list.Element
	lru     *list.List
	stats   Stats
	now     func() time.Time
	log     *slog.Logger
}

// New returns a pointer to a new [Cache] over a device. A budget smaller than
// one block is raised to one block. A nil logger means [slog.Default].
func New(device schema.Device, budget uint64, log *slog.Logger) *Cache {
	if bs := uint64(device.BlockSize()); budget < bs {
		budget = bs
	}

	if log == nil {
		log = slog.Default()
	}

	return &Cache{
		device:  device,
		budget:  budget,
		entries: make(map[schema.BlockID]*list.Element),
		lru:     list.New(),
		now:     time.Now,
		log:     log,
	}
}

// Get returns a copy of a block, reading it from the device on a miss.
func (c *Cache) Get(id schema.BlockID) ([]byte, error) {
	c.Lock()
	defer c.Unlock()

	if el, ok := c.entries[id]; ok {
		e := el.Value.(*entry) //nolint:forcetypeassert
		e.lastAccess = c.now()
		c.lru.MoveToFront(el)
		c.stats.Hits++

		return slices.Clone(e.data), nil
	}

	data, err := c.device.ReadBlock(id)
	if err != nil {
		return nil, fmt.Errorf("(cache-get) %w", err)
	}
	c.stats.Misses++

	c.insert(&entry{id: id, data: data, lastAccess: c.now()})
	if err := c.evict(); err != nil {
		return nil, err
	}

	return slices.Clone(data), nil
}

// Put replaces a block in the cache and marks it dirty. The device is only
// written on eviction or flush.
func (c *Cache) Put(id schema.BlockID, data []byte) error {
	if len(data) != int(c.device.BlockSize()) {
		return fmt.Errorf("(cache-put) %w: got %d bytes for block %d", schema.ErrInvalidArgument, len(data), id)
	}

	c.Lock()
	defer c.Unlock()

	if el, ok := c.entries[id]; ok {
		e := el.Value.(*entry) //nolint:forcetypeassert
		e.data = slices.Clone(data)
		e.dirty = true
		e.lastAccess = c.now()
		c.lru.MoveToFront(el)

		return nil
	}

	c.insert(&entry{id: id, data: slices.Clone(data), dirty: true, lastAccess: c.now()})

	return c.evict()
}

func (c *Cache) insert(e *entry) {
	c.entries[e.id] = c.lru.PushFront(e)
	c.used += uint64(len(e.data))
}

// evict drops least-recently-used entries until the budget holds, writing
// dirty ones back first. The most recent entry is always kept.
func (c *Cache) evict() error {
	for c.used > c.budget && c.lru.Len() > 1 {
		el := c.lru.Back()
		e := el.Value.(*entry) //nolint:forcetypeassert

		if e.dirty {
			if err := c.device.WriteBlock(e.id, e.data); err != nil {
				return fmt.Errorf("(cache-evict) write-back of block %d: %w", e.id, err)
			}
			c.stats.WriteBacks++
		}

		c.lru.Remove(el)
		delete(c.entries, e.id)
		c.used -= uint64(len(e.data))
		c.stats.Evictions++
	}

	return nil
}

// Flush writes every dirty block back to the device in ascending block order.
// Entries stay cached and become clean.
func (c *Cache) Flush() error {
	c.Lock()
	defer c.Unlock()

	dirty := make([]*entry, 0, len(c.entries))
	for _, el := range c.entries {
		if e := el.Value.(*entry); e.dirty { //nolint:forcetypeassert
			dirty = append(dirty, e)
		}
	}

	slices.SortFunc(dirty, func(a, b *entry) int {
		return int(int64(a.id) - int64(b.id))
	})

	for _, e := range dirty {
		if err := c.device.WriteBlock(e.id, e.data); err != nil {
			return fmt.Errorf("(cache-flush) block %d: %w", e.id, err)
		}
		e.dirty = false
		c.stats.WriteBacks++
	}

	if len(dirty) > 0 {
		c.log.Debug("Flushed block cache", "blocks", len(dirty))
	}

	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.Lock()
	defer c.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.used
	s.Budget = c.budget

	for _, el := range c.entries {
		if el.Value.(*entry).dirty { //nolint:forcetypeassert
			s.Dirty++
		}
	}

	return s
}

// LastAccess returns when a cached block was last touched.
func (c *Cache) LastAccess(id schema.BlockID) (time.Time, bool) {
	c.Lock()
	defer c.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return time.Time{}, false
	}

	return el.Value.(*entry).lastAccess, true //nolint:forcetypeassert
}
