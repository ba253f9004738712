package wire

import (
	"container/list"
	"sync"
)

// DefaultMaxCachedStatements bounds the number of prepared statements kept
// resident in a StatementCache regardless of their combined SQL text size.
const DefaultMaxCachedStatements = 256

// DefaultMaxCachedStatementBytes bounds the combined SQL text size of all
// cached prepared statements. Once either bound is exceeded the
// least-recently-used entry is evicted.
const DefaultMaxCachedStatementBytes = 8 << 20 // 8MiB

// PreparedStatement is the cache's record of a successfully Parsed
// statement: its server-assigned name, the SQL text it was parsed from (used
// to detect whether a future Parse with the same name is identical and can
// be skipped), the parameter OIDs the backend reported, and the epoch the
// entry was created in.
type PreparedStatement struct {
	Name       string
	SQL        string
	ParamOids  []uint32
	Fields     FieldDescriptors
	epoch      uint64
}

// StatementCache is a bounded, epoch-invalidated cache of prepared
// statements, keyed by statement name. It exists to avoid re-sending Parse
// for a statement the driver has already prepared on this connection, while
// bounding how much server-side and client-side memory repeated distinct
// queries can consume.
//
// Invalidation epoch: DEALLOCATE ALL, DISCARD ALL, and a change of
// search_path all invalidate every entry prepared before the statement that
// caused them, without requiring the cache to be walked and cleared
// eagerly. borrow() compares an entry's epoch against the cache's current
// epoch and treats a stale entry as a miss, triggering a transparent
// re-Parse.
type StatementCache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	order       *list.List // front = most recently used
	maxEntries  int
	maxBytes    int
	totalBytes  int
	epoch       uint64

	// onEvict, if set, is invoked with a statement's server-side name
	// (PreparedStatement.Name, not the cache key) whenever an entry leaves
	// the cache other than via Remove — LRU eviction or a stale-epoch miss
	// in Borrow. The connection uses this to queue a CloseStatement for the
	// name so the server-side statement doesn't leak for the life of the
	// connection.
	onEvict func(name string)
}

type cacheEntry struct {
	key  string
	stmt *PreparedStatement
}

// NewStatementCache constructs a StatementCache bounded by maxEntries and
// maxBytes. A zero or negative bound falls back to the package default.
func NewStatementCache(maxEntries, maxBytes int) *StatementCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCachedStatements
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCachedStatementBytes
	}

	return &StatementCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// SetEvictCallback installs fn as the cache's eviction callback. Not
// goroutine-safe with concurrent Borrow/Put/Remove calls; intended to be
// called once, right after construction.
func (c *StatementCache) SetEvictCallback(fn func(name string)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Epoch returns the cache's current invalidation epoch.
func (c *StatementCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Invalidate bumps the invalidation epoch, causing every entry borrowed
// afterwards (including ones already resident) to be treated as stale.
// Called after DEALLOCATE ALL, DISCARD ALL, or a detected search_path change.
func (c *StatementCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
}

// Borrow returns the cached statement for name, or nil if absent or stale
// with respect to the current epoch. A stale entry is evicted eagerly.
func (c *StatementCache) Borrow(name string) *PreparedStatement {
	c.mu.Lock()

	el, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	entry := el.Value.(*cacheEntry)
	if entry.stmt.epoch != c.epoch {
		staleName := entry.stmt.Name
		c.removeElement(el)
		cb := c.onEvict
		c.mu.Unlock()
		if cb != nil {
			cb(staleName)
		}
		return nil
	}

	c.order.MoveToFront(el)
	c.mu.Unlock()
	return entry.stmt
}

// Put inserts or replaces the cached statement for name, stamping it with the
// cache's current epoch, then evicts least-recently-used entries until both
// bounds are satisfied.
func (c *StatementCache) Put(name string, stmt *PreparedStatement) {
	c.mu.Lock()

	stmt.epoch = c.epoch

	if el, ok := c.entries[name]; ok {
		old := el.Value.(*cacheEntry).stmt
		c.totalBytes -= len(old.SQL)
		el.Value = &cacheEntry{key: name, stmt: stmt}
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&cacheEntry{key: name, stmt: stmt})
		c.entries[name] = el
	}

	c.totalBytes += len(stmt.SQL)
	evicted := c.evict()
	cb := c.onEvict
	c.mu.Unlock()

	if cb != nil {
		for _, name := range evicted {
			cb(name)
		}
	}
}

// Remove drops the named entry, e.g. after a Close(Statement) message.
func (c *StatementCache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[name]; ok {
		c.removeElement(el)
	}
}

// evict drops least-recently-used entries until both bounds are satisfied,
// returning the server-side statement names of everything it removed.
func (c *StatementCache) evict() []string {
	var evicted []string
	for (len(c.entries) > c.maxEntries || c.totalBytes > c.maxBytes) && c.order.Len() > 0 {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, oldest.Value.(*cacheEntry).stmt.Name)
		c.removeElement(oldest)
	}
	return evicted
}

func (c *StatementCache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.totalBytes -= len(entry.stmt.SQL)
	delete(c.entries, entry.key)
	c.order.Remove(el)
}

// Len reports the number of resident entries, irrespective of staleness.
func (c *StatementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
