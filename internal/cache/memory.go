package cache

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// rowEntry is one cached row and the moment it stops being served
type rowEntry struct {
	row     json.RawMessage
	staleAt time.Time
}

// MemoryCache keeps the most recently used rows in process. A row is served
// for ttl after it was fetched; stale rows are dropped on lookup and by a
// periodic sweep.
type MemoryCache struct {
	rows *lru.Cache[string, rowEntry]
	ttl  time.Duration
	now  func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

// NewMemoryCache creates a row cache holding at most size rows
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	rows, err := lru.New[string, rowEntry](size)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache{
		rows: rows,
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go mc.sweepLoop()
	return mc, nil
}

// Get returns a fresh row. A stale row is evicted and reported as a miss.
func (mc *MemoryCache) Get(key string) (json.RawMessage, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.rows.Get(key)
	if !ok {
		return nil, false
	}
	if !mc.now().Before(entry.staleAt) {
		mc.rows.Remove(key)
		return nil, false
	}
	return entry.row, true
}

// Set stores a copy of row, since callers hand in slices of a larger
// response body
func (mc *MemoryCache) Set(key string, row json.RawMessage) {
	entry := rowEntry{
		row:     append(json.RawMessage(nil), row...),
		staleAt: mc.now().Add(mc.ttl),
	}

	mc.mu.Lock()
	mc.rows.Add(key, entry)
	mc.mu.Unlock()
}

// Len returns the number of held rows, stale ones not yet swept included
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.rows.Len()
}

// Close stops the sweeper
func (mc *MemoryCache) Close() {
	mc.once.Do(func() { close(mc.stop) })
}

func (mc *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(mc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.sweep()
		case <-mc.stop:
			return
		}
	}
}

// sweep evicts every stale row
func (mc *MemoryCache) sweep() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	for _, key := range mc.rows.Keys() {
		if entry, ok := mc.rows.Peek(key); ok && !now.Before(entry.staleAt) {
			mc.rows.Remove(key)
		}
	}
}

// NoopCache never holds a row; resolvers use it when caching is off
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (nc *NoopCache) Get(string) (json.RawMessage, bool) { return nil, false }

func (nc *NoopCache) Set(string, json.RawMessage) {}

func (nc *NoopCache) Close() {}
