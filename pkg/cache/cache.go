/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the bounded LRU/TTL advice cache: a real
// doubly-linked-list LRU backed by a map index, with background purge and
// pressure-aware reconfiguration.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/pressure"
)

// entry is the value stored in the list; the map index points at the
// list.Element wrapping it so both lookup and LRU reordering are O(1).
type entry struct {
	key        string
	value      any
	insertedAt time.Time
	lastAccess time.Time
}

// Cache is a bounded, optionally-expiring, LRU-evicted store. It is safe
// for concurrent use by multiple goroutines.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List
	index      map[string]*list.Element

	purgeCancel chan struct{}
	purgeWG     sync.WaitGroup
}

// New builds a Cache. maxEntries must be > 0; a caller that wants
// "disabled" semantics should use Null() instead, resolving the Open
// Question about max=0 LRUs by keeping "disabled" out of this type
// entirely.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		return nil, errors.ErrDisabled
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		index:      make(map[string]*list.Element),
	}, nil
}

// Get returns the value for key and true if present and unexpired. A hit
// updates LRU recency. An expired entry is evicted as a side effect of
// the lookup.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		c.removeElement(el)
		return nil, false
	}
	e.lastAccess = time.Now()
	c.ll.MoveToFront(el)
	return e.value, true
}

// Set inserts or updates key, evicting the least-recently-used entry if
// the cache is over capacity afterward.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	needsPurgeRestart := c.ll.Len() == 0
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.insertedAt = time.Now()
		e.lastAccess = e.insertedAt
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	e := &entry{key: key, value: value, insertedAt: time.Now(), lastAccess: time.Now()}
	el := c.ll.PushFront(e)
	c.index[key] = el

	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
	}
	c.mu.Unlock()

	if needsPurgeRestart {
		c.startPurgeLoop()
	}
}

// evictOldest removes the LRU tail entry. Caller must hold c.mu.
func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
}

// removeElement drops el from both the list and the index. Caller must
// hold c.mu.
func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, e.key)
}

func (c *Cache) expired(e *entry) bool {
	if c.ttl <= 0 {
		return false
	}
	return time.Now().After(e.insertedAt.Add(c.ttl))
}

// Purge removes all expired entries. It walks every entry, so it runs in
// O(n) of the cache size, not O(n_expired).
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	if c.ttl <= 0 {
		return
	}
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.expired(e) {
			c.removeElement(el)
		}
		el = prev
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.index = make(map[string]*list.Element)
}

// Size returns the current number of entries, including any not yet
// purged past their TTL.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Reconfigure changes ttl/maxEntries at runtime, e.g. in response to a
// memory pressure transition. Shrinking maxEntries evicts immediately
// down to the new bound.
func (c *Cache) Reconfigure(maxEntries int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxEntries > 0 {
		c.maxEntries = maxEntries
	}
	c.ttl = ttl
	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
	}
}

// Flush drops every entry; used on Critical pressure.
func (c *Cache) Flush() {
	c.Clear()
}

// EvictOldestN evicts up to n least-recently-used entries, bounded to
// avoid long stalls on a single pressure-callback invocation.
func (c *Cache) EvictOldestN(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n && c.ll.Len() > 0; i++ {
		c.evictOldest()
	}
}

// startPurgeLoop launches a background goroutine that purges expired
// entries on an interval equal to ttl. It stops itself once the cache is
// empty and is restarted by the next Set call, per spec.md §4.B.
func (c *Cache) startPurgeLoop() {
	c.mu.Lock()
	if c.ttl <= 0 || c.purgeCancel != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.purgeCancel = stop
	c.mu.Unlock()

	c.purgeWG.Add(1)
	go func() {
		defer c.purgeWG.Done()
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.purgeLocked()
				empty := c.ll.Len() == 0
				if empty {
					c.purgeCancel = nil
				}
				c.mu.Unlock()
				if empty {
					return
				}
			}
		}
	}()
}

// Shutdown stops the background purge loop, if running.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	stop := c.purgeCancel
	c.purgeCancel = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.purgeWG.Wait()
}

// AttachPressure wires the cache into a pressure.Monitor's cleanup hooks,
// implementing the High/Critical reconfiguration rules from spec.md §4.B.
func (c *Cache) AttachPressure(m *pressure.Monitor) {
	m.OnLevelChange(func(l pressure.Level) {
		switch l {
		case pressure.Critical:
			c.Flush()
		case pressure.High:
			c.mu.Lock()
			half := c.ll.Len() / 2
			c.mu.Unlock()
			if half > 1000 {
				half = 1000
			}
			c.EvictOldestN(half)
		}
	})
}

// NullCache is a Cache-shaped decorator that always misses reads and
// no-ops writes, resolving the spec's max=0 Open Question by making
// "disabled" an explicit wrapper type rather than a degenerate LRU.
type NullCache struct{}

// Null constructs a NullCache.
func Null() *NullCache { return &NullCache{} }

func (n *NullCache) Get(string) (any, bool) { return nil, false }
func (n *NullCache) Set(string, any)        {}
func (n *NullCache) Purge()                 {}
func (n *NullCache) Clear()                 {}
func (n *NullCache) Size() int              { return 0 }

// Interface is the contract both Cache and NullCache satisfy, letting
// callers (the scheduler, rate limiter) depend on the abstraction instead
// of a concrete type.
type Interface interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Purge()
	Clear()
	Size() int
}

var (
	_ Interface = (*Cache)(nil)
	_ Interface = (*NullCache)(nil)
)

// New0 constructs either a *Cache or a NullCache depending on limit,
// matching the CACHE_LIMIT=0-disables convention from spec.md §6/§8
// while keeping the zero-capacity case out of the Cache type itself.
func New0(limit int, ttl time.Duration) Interface {
	if limit <= 0 {
		return Null()
	}
	c, err := New(limit, ttl)
	if err != nil {
		// limit was validated > 0 above; New cannot fail here.
		return Null()
	}
	return c
}
