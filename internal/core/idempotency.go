package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU holding recent results
	lru *IdempotencyLRU

	// Tier 2: event log lookup (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for the durable dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// CompositeKey is the cache key for one command type and idempotency key.
func CompositeKey(commandType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandType, idempotencyKey)
}

// Lookup checks whether a command has been applied. The cached result is
// returned when the LRU still holds it; a tier-2 hit returns a nil result.
// With lruOnly set the durable tier is skipped.
func (ic *IdempotencyChecker) Lookup(commandType string, idempotencyKey string, lruOnly bool) (bool, *Result) {
	key := CompositeKey(commandType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if res, ok := ic.lru.Get(key); ok {
		ic.metrics.RecordDuplicate(commandType, "lru")
		return true, res
	}

	// Tier 2: event log check (cold path)
	if ic.dbChecker != nil && !lruOnly {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// Assume not duplicate; the unique index on the event log is the
			// final guard against a double write.
			ic.metrics.RecordTier2Error()
			return false, nil
		}

		if isDup {
			ic.metrics.RecordDuplicate(commandType, "db")
			ic.lru.Add(key, nil)
			return true, nil
		}
	}

	return false, nil
}

// MarkProcessed adds the result to the LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string, res *Result) {
	ic.lru.Add(CompositeKey(commandType, idempotencyKey), res)
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache from composite keys to results.
// Not thread-safe: only accessed under the engine mutex.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key    string
	result *Result
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the stored result and promotes the key
func (lru *IdempotencyLRU) Get(key string) (*Result, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts a key (or promotes and updates it if present)
func (lru *IdempotencyLRU) Add(key string, res *Result) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		if res != nil {
			elem.Value.(*lruEntry).result = res
		}
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, result: res})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys, oldest first, without results. Used on
// restart so recent duplicates avoid the database.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key, nil)
	}
}

// Keys returns keys from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe: only accessed under the engine mutex.
type IdempotencyMetrics struct {
	duplicatesLRU map[string]int64 // command_type -> count
	duplicatesDB  map[string]int64
	tier2Errors   int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU: make(map[string]int64),
		duplicatesDB:  make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesDB[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (lru int64, db int64) {
	return m.duplicatesLRU[commandType], m.duplicatesDB[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
