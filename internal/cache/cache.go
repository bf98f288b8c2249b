// Package cache implements the request-servicing core's cache engine: a
// named, thread-safe, size-bounded, LRU-evicting, TTL-expiring,
// single-flight-capable associative store from string keys to byte
// buffers.
//
// # Locking discipline
//
// A single mutex protects everything in a Cache: the key→entry map, the
// intrusive LRU list, currentSize, and the statistics counters. A
// sync.Cond bound to that mutex coordinates single-flight waiters — the
// pattern used by WaitCreateEntry/GetOrCompute to let one goroutine
// compute a value while N others block on it, grounded on the same
// cond-plus-AfterFunc-timer idiom the teacher uses for its own pool wait
// (oriys-nova/internal/pool/pool_acquisition.go's waitForVMLocked).
//
// # Invariants
//
//   - An entry is reachable from the LRU list iff it is reachable from
//     the map; they are mutated together under mu.
//   - Sum of len(value) over entries with value != nil equals currentSize.
//   - After every SetValue, currentSize <= maxSize, unless every entry
//     other than the one just written is itself value-absent (a
//     concurrent single-flight population in progress) — eviction must
//     never destroy those, so the cache can transiently exceed maxSize.
package cache

import (
	"errors"
	"path"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitCreateEntry/GetOrCompute when the
// deadline elapses before the in-flight computation resolves.
var ErrTimeout = errors.New("cache: wait timeout")

// ErrEntryTooLarge is returned by SetValue when the value would exceed
// the cache's per-entry size cap; the entry is deleted rather than kept
// half-populated.
var ErrEntryTooLarge = errors.New("cache: entry exceeds per-entry size cap")

// FreeFunc is called with a value being evicted or overwritten, mirroring
// the source's caller-supplied freeProc. Most callers can leave this nil;
// it exists for parity with collaborators that track buffer ownership
// outside the Go heap.
type FreeFunc func(value []byte)

// Entry is one cache slot. A nil Value means "another goroutine is
// currently computing this key" (spec.md §3's value-absent state).
// FindEntry and GetOrCompute hand callers a copy of the value; Value()
// returns the value itself and is only valid while the cache lock is held
// (between WaitCreateEntry and its release func).
type Entry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero => never expires
	cost      time.Duration
	reuse     uint64

	prev, next *Entry
	owner      *Cache
}

// Key returns the entry's key.
func (e *Entry) Key() string { return e.key }

// Value returns the entry's current value, or nil if a computation for
// this key is still in flight. Must only be called while the owning
// cache's lock is held by the caller (e.g. inside the window between
// WaitCreateEntry and the returned release func).
func (e *Entry) Value() []byte { return e.value }

// Stats is a point-in-time snapshot of a Cache's counters.
type Stats struct {
	Name        string
	Entries     int
	CurrentSize int64
	MaxSize     int64
	Hits        uint64
	Misses      uint64
	Expired     uint64
	Flushed     uint64
	Pruned      uint64
	SavedCost   time.Duration
}

// Cache is a named, size-bounded, LRU-ordered, TTL-aware map from string
// keys to byte buffers.
type Cache struct {
	name               string
	maxSize            int64
	maxEntry           int64
	defaultTTL         time.Duration
	defaultWaitTimeout time.Duration
	freeProc           FreeFunc

	mu   sync.Mutex
	cond *sync.Cond

	entries     map[string]*Entry
	head, tail  *Entry // head = MRU, tail = LRU
	currentSize int64

	hits, misses, expired, flushed, pruned uint64
}

// New constructs a standalone Cache. Most callers should instead go
// through a Registry (see registry.go) so caches are reachable by name.
func New(name string, maxSize, maxEntry int64, defaultTTL, defaultWaitTimeout time.Duration, freeProc FreeFunc) *Cache {
	c := &Cache{
		name:               name,
		maxSize:            maxSize,
		maxEntry:           maxEntry,
		defaultTTL:         defaultTTL,
		defaultWaitTimeout: defaultWaitTimeout,
		freeProc:           freeProc,
		entries:            make(map[string]*Entry),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the cache's name.
func (c *Cache) Name() string { return c.name }

// DefaultTTL returns the cache's configured default TTL.
func (c *Cache) DefaultTTL() time.Duration { return c.defaultTTL }

// DefaultWaitTimeout returns the cache's configured default single-flight
// wait timeout.
func (c *Cache) DefaultWaitTimeout() time.Duration { return c.defaultWaitTimeout }

func (c *Cache) expiredLocked(e *Entry) bool {
	return !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt)
}

// --- intrusive LRU list, head = MRU, tail = LRU ---

func (c *Cache) unlinkLocked(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) pushFrontLocked(e *Entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) moveToFrontLocked(e *Entry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

// --- core operations (spec.md §4.1) ---

// FindEntry returns a copy of the value for key, or (nil, false) if the
// key is missing, its value is still being computed, or it has expired
// (expiry is lazy: checked on access, and removal happens here).
func (c *Cache) FindEntry(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expiredLocked(e) {
		c.deleteEntryLocked(e)
		c.expired++
		c.misses++
		return nil, false
	}
	if e.value == nil {
		c.misses++
		return nil, false
	}
	e.reuse++
	c.moveToFrontLocked(e)
	c.hits++
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, true
}

// createEntryLocked creates a new entry if absent; if present but
// expired it unsets the value, counts an expiry, and reports isNew=true;
// if present and valid it reports isNew=false and bumps the reuse count.
// In every success path the entry is re-linked at MRU.
func (c *Cache) createEntryLocked(key string) (*Entry, bool) {
	if e, ok := c.entries[key]; ok {
		if c.expiredLocked(e) {
			c.unsetValueLocked(e)
			c.expired++
			c.moveToFrontLocked(e)
			return e, true
		}
		e.reuse++
		c.moveToFrontLocked(e)
		return e, false
	}
	e := &Entry{key: key, owner: c}
	c.entries[key] = e
	c.pushFrontLocked(e)
	return e, true
}

// CreateEntry is the exported, self-locking form of createEntryLocked.
func (c *Cache) CreateEntry(key string) (entry *Entry, isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createEntryLocked(key)
}

// timedWaitLocked blocks on the cache's condition variable until
// signaled/broadcast or until deadline elapses (the zero Time means wait
// forever). Mirrors the teacher's own cond+AfterFunc idiom for giving a
// sync.Cond an absolute deadline.
func (c *Cache) timedWaitLocked(deadline time.Time) error {
	if !deadline.IsZero() {
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		timer := time.AfterFunc(time.Until(deadline), func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}
	c.cond.Wait()
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return ErrTimeout
	}
	return nil
}

// TimedWait exposes the cache's condition variable with absolute-time
// semantics; the caller must not hold the cache lock.
func (c *Cache) TimedWait(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedWaitLocked(deadline)
}

// Signal wakes one goroutine blocked in TimedWait/WaitCreateEntry.
func (c *Cache) Signal() {
	c.mu.Lock()
	c.cond.Signal()
	c.mu.Unlock()
}

// Broadcast wakes every goroutine blocked in TimedWait/WaitCreateEntry.
func (c *Cache) Broadcast() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WaitCreateEntry calls CreateEntry; if the returned entry is !isNew but
// still value-absent (another goroutine is computing it), it waits on the
// cache's condition variable until signaled or deadline passes, then
// retries. On success it returns the entry with the cache lock held by
// the caller — release must be called exactly once to release it. On
// timeout it returns ErrTimeout with the lock already released.
func (c *Cache) WaitCreateEntry(key string, deadline time.Time) (entry *Entry, isNew bool, release func(), err error) {
	c.mu.Lock()
	for {
		e, isNewEntry := c.createEntryLocked(key)
		if isNewEntry || e.value != nil {
			return e, isNewEntry, func() { c.mu.Unlock() }, nil
		}
		if werr := c.timedWaitLocked(deadline); werr != nil {
			c.mu.Unlock()
			return nil, false, func() {}, werr
		}
	}
}

// setValueLocked frees any previous value, installs the new one, updates
// currentSize, and evicts from the LRU tail while currentSize > maxSize,
// skipping the entry just written and any still value-absent entries.
func (c *Cache) setValueLocked(e *Entry, value []byte, absoluteExpiry time.Time, cost time.Duration) error {
	if e.value != nil {
		c.currentSize -= int64(len(e.value))
		if c.freeProc != nil {
			c.freeProc(e.value)
		}
		e.value = nil
	}

	size := int64(len(value))
	if c.maxEntry > 0 && size > c.maxEntry {
		c.deleteEntryLocked(e)
		return ErrEntryTooLarge
	}

	e.value = value
	e.expiresAt = absoluteExpiry
	e.cost = cost
	c.currentSize += size
	c.moveToFrontLocked(e)
	c.evictLocked(e)
	return nil
}

// SetValue is the exported, self-locking form of setValueLocked. ttl<=0
// means the entry never expires.
func (c *Cache) SetValue(entry *Entry, value []byte, ttl time.Duration, cost time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	return c.setValueLocked(entry, value, expiry, cost)
}

// evictLocked walks the LRU list from the tail, deleting entries until
// currentSize <= maxSize. The entry just written and any entry whose
// value is still absent (a concurrent population) are skipped rather
// than deleted; per spec.md §9 this means a cache can transiently exceed
// maxSize when every other resident entry is in flight.
func (c *Cache) evictLocked(justWritten *Entry) {
	if c.maxSize <= 0 {
		return
	}
	node := c.tail
	for c.currentSize > c.maxSize && node != nil {
		prev := node.prev
		if node != justWritten && node.value != nil {
			c.deleteEntryLocked(node)
			c.pruned++
		}
		node = prev
	}
}

func (c *Cache) unsetValueLocked(e *Entry) {
	if e.value != nil {
		c.currentSize -= int64(len(e.value))
		if c.freeProc != nil {
			c.freeProc(e.value)
		}
		e.value = nil
	}
	e.expiresAt = time.Time{}
}

// UnsetValue releases an entry's value but keeps it in the map/LRU list.
func (c *Cache) UnsetValue(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsetValueLocked(entry)
}

func (c *Cache) deleteEntryLocked(e *Entry) {
	c.unlinkLocked(e)
	if e.value != nil {
		c.currentSize -= int64(len(e.value))
		if c.freeProc != nil {
			c.freeProc(e.value)
		}
		e.value = nil
	}
	delete(c.entries, e.key)
}

// DeleteEntry removes an entry from the cache entirely.
func (c *Cache) DeleteEntry(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteEntryLocked(entry)
}

// FlushEntry removes an entry and counts it as an explicit flush, as
// distinct from a pruning eviction or a lazy TTL expiry.
func (c *Cache) FlushEntry(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.deleteEntryLocked(e)
	c.flushed++
	return true
}

// FlushAll removes every entry, counting each as a flush.
func (c *Cache) FlushAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for _, e := range c.entries {
		if e.value != nil {
			if c.freeProc != nil {
				c.freeProc(e.value)
			}
			e.value = nil
		}
	}
	c.entries = make(map[string]*Entry)
	c.head, c.tail = nil, nil
	c.currentSize = 0
	c.flushed += uint64(n)
	return n
}

// FlushByExactKeys flushes each listed key, returning the number found.
func (c *Cache) FlushByExactKeys(keys []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			c.deleteEntryLocked(e)
			c.flushed++
			n++
		}
	}
	return n
}

// FlushByPattern flushes every key matching glob (shell-glob semantics:
// '*', '?', '[...]'), mirroring the source's Tcl_StringMatch-based
// ns_cache_flush -glob. path.Match implements the same glob grammar
// closely enough for key matching and needs no extra dependency — see
// DESIGN.md for why this one operation stays on the standard library.
func (c *Cache) FlushByPattern(glob string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var toDelete []*Entry
	for key, e := range c.entries {
		if ok, _ := path.Match(glob, key); ok {
			toDelete = append(toDelete, e)
		}
	}
	for _, e := range toDelete {
		c.deleteEntryLocked(e)
		c.flushed++
	}
	return len(toDelete)
}

// Range iterates live entries from MRU to LRU, lazily evicting any
// expired entries it encounters and skipping value-absent ones, calling
// fn(key, value) for each. Iteration stops early if fn returns false.
// This replaces the source's firstEntry/nextEntry cursor pair with the
// idiomatic Go callback-iterator shape.
func (c *Cache) Range(fn func(key string, value []byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.head
	for node != nil {
		next := node.next
		if c.expiredLocked(node) {
			c.deleteEntryLocked(node)
			c.expired++
			node = next
			continue
		}
		if node.value == nil {
			node = next
			continue
		}
		if !fn(node.key, node.value) {
			return
		}
		node = next
	}
}

// Stats returns a snapshot of the cache's counters and the aggregate
// saved-cost figure (sum of reuseCount * cost across resident entries).
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var saved time.Duration
	for _, e := range c.entries {
		saved += time.Duration(e.reuse) * e.cost
	}
	return Stats{
		Name:        c.name,
		Entries:     len(c.entries),
		CurrentSize: c.currentSize,
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Expired:     c.expired,
		Flushed:     c.flushed,
		Pruned:      c.pruned,
		SavedCost:   saved,
	}
}

// ComputeFunc produces a value, its TTL, and the cost it took to compute.
type ComputeFunc func() (value []byte, ttl time.Duration, cost time.Duration, err error)

// GetOrCompute implements the single-flight getOrCompute algorithm from
// spec.md §4.1's "Key algorithms": at most one goroutine ever runs
// compute for a given key at a time; concurrent callers block on
// WaitCreateEntry and receive the computed result.
func (c *Cache) GetOrCompute(key string, deadline time.Time, compute ComputeFunc) ([]byte, error) {
	for {
		entry, isNew, release, err := c.WaitCreateEntry(key, deadline)
		if err != nil {
			return nil, err
		}
		if !isNew {
			if entry.value != nil {
				c.hits++
				cp := make([]byte, len(entry.value))
				copy(cp, entry.value)
				release()
				return cp, nil
			}
			// WaitCreateEntry only ever returns locked with !isNew when a
			// value is present; this is a defensive fallback.
			release()
			continue
		}

		c.misses++
		release()
		value, ttl, cost, cerr := compute()
		if cerr != nil {
			c.mu.Lock()
			c.deleteEntryLocked(entry)
			c.mu.Unlock()
			c.Broadcast()
			return nil, cerr
		}
		if err := c.SetValue(entry, value, ttl, cost); err != nil {
			c.Broadcast()
			return nil, err
		}
		c.Broadcast()
		cp := make([]byte, len(value))
		copy(cp, value)
		return cp, nil
	}
}
