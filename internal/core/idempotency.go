package core

import (
	"container/list"
	"fmt"

	"MarketLedger/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication of block transactions.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(txType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(txType, key string) string {
	return fmt.Sprintf("%s:%s", txType, key)
}

// IsDuplicate checks if a transaction has been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(txType string, idempotencyKey string) bool {
	key := compositeKey(txType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(txType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(txType, idempotencyKey)
		if err != nil {
			// a lookup failure must not stall the chain; treat as new
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(txType, "postgres")
			ic.add(key)
			return true
		}
	}
	return false
}

// MarkProcessed adds key to LRU after the block holding it is committed
func (ic *IdempotencyChecker) MarkProcessed(txType string, idempotencyKey string) {
	ic.add(compositeKey(txType, idempotencyKey))
}

// Warm loads recently applied composite keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.add(k)
	}
}

func (ic *IdempotencyChecker) add(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(txType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(txType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe; only accessed from the single-threaded block processor.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts or promotes key and reports whether an older key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() <= lru.capacity {
		return false
	}
	oldest := lru.lruList.Back()
	lru.lruList.Remove(oldest)
	delete(lru.cache, oldest.Value.(string))
	lru.evictions++
	return true
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
