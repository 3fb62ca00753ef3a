// Package cache is a bounded, byte-weighted LRU for decoded rasters.
//
// Entries are keyed by file identity, mtime, frame index, output geometry
// and decoded pixel format. Concurrent requests for the same key are
// collapsed: at most one producer runs per key, everybody else waits on it.
// Returned values are immutable by convention; eviction only drops the
// cache's reference, so a value handed to a caller stays valid.
package cache

import (
	"container/list"
	"context"
	"sync"
)

// Key identifies one decoded raster.
type Key struct {
	Path   string
	MTime  int64
	Frame  int64
	Width  int
	Height int
	Format int32
}

// Value is a decoded raster with its geometry.
type Value struct {
	Data   []byte
	Width  int
	Height int
	Format int32
}

// Stats is a snapshot of cache occupancy and traffic.
type Stats struct {
	Bytes     int64
	MaxBytes  int64
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key  Key
	val  Value
	elem *list.Element
}

type flight struct {
	done chan struct{}
	val  Value
	err  error
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	max      int64
	bytes    int64
	entries  map[Key]*entry
	lru      *list.List // front = most recently used
	inflight map[Key]*flight
	mtimes   map[string]int64

	hits, misses, evictions uint64
}

// New returns a cache holding at most maxBytes of raster data.
func New(maxBytes int64) *Cache {
	return &Cache{
		max:      maxBytes,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
		inflight: make(map[Key]*flight),
		mtimes:   make(map[string]int64),
	}
}

// Get returns the cached raster for key, if present.
func (c *Cache) Get(key Key) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	if !ok {
		c.misses++
		return Value{}, false
	}
	c.hits++
	return e.val, true
}

// GetOrCompute returns the cached raster for key, running producer at most
// once per key across concurrent callers. A waiting caller may abandon the
// wait via ctx; the producer is never interrupted and its result is still
// inserted. A failed producer inserts nothing and waiters see its error.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, producer func() (Value, error)) (Value, error) {
	c.mu.Lock()
	c.noteMTimeLocked(key)
	if e, ok := c.lookupLocked(key); ok {
		c.hits++
		c.mu.Unlock()
		return e.val, nil
	}
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return Value{}, ctx.Err()
		}
	}
	c.misses++
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.val, f.err = producer()

	c.mu.Lock()
	delete(c.inflight, key)
	if f.err == nil {
		c.insertLocked(key, f.val)
	}
	c.mu.Unlock()
	close(f.done)
	return f.val, f.err
}

// Invalidate drops all entries for a file identity, regardless of mtime.
// It returns the number of entries removed.
func (c *Cache) Invalidate(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(path)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.lru.Init()
	c.bytes = 0
	c.mtimes = make(map[string]int64)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Bytes:     c.bytes,
		MaxBytes:  c.max,
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) lookupLocked(key Key) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e, true
}

// noteMTimeLocked invalidates a file's entries when its mtime moved on.
func (c *Cache) noteMTimeLocked(key Key) {
	if prev, ok := c.mtimes[key.Path]; ok && prev != key.MTime {
		c.invalidateLocked(key.Path)
	}
	c.mtimes[key.Path] = key.MTime
}

func (c *Cache) invalidateLocked(path string) int {
	n := 0
	for k, e := range c.entries {
		if k.Path == path {
			c.removeLocked(e)
			n++
		}
	}
	delete(c.mtimes, path)
	return n
}

func (c *Cache) insertLocked(key Key, val Value) {
	size := int64(len(val.Data))
	if size > c.max {
		// Larger than the whole cache: serve it, don't store it.
		return
	}
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	e := &entry{key: key, val: val}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.bytes += size
	for c.bytes > c.max {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		c.evictions++
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.val.Data))
}
