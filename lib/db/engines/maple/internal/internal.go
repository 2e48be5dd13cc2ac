package internal

import (
	"slices"
	"sync"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Row Chains (retained versions of one row)
// --------------------------------------------------------------------------

// RowVersion is one committed state of a row. A nil Row marks a deletion.
type RowVersion struct {
	Version db.Version
	Row     db.Row
}

// RowChain holds the retained versions of one row, oldest first.
//
// Thread-safety: all methods are safe for concurrent use. Appends and prunes are
// additionally serialized by the store's commit lock.
type RowChain struct {
	mu       sync.RWMutex
	versions []RowVersion
}

// NewRowChain creates an empty chain
func NewRowChain() *RowChain {
	return &RowChain{}
}

// At returns the row visible at version v.
func (c *RowChain) At(v db.Version) (db.Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].Version <= v {
			r := c.versions[i].Row
			return r, r != nil
		}
	}
	return nil, false
}

// Latest returns the newest version of the chain.
func (c *RowChain) Latest() (db.Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.versions) == 0 {
		return 0, false
	}
	return c.versions[len(c.versions)-1].Version, true
}

// Append adds a new newest version.
func (c *RowChain) Append(v db.Version, row db.Row) {
	c.mu.Lock()
	c.versions = append(c.versions, RowVersion{Version: v, Row: row})
	c.mu.Unlock()
}

// Remove drops the entry of version v (used to undo a failed commit).
func (c *RowChain) Remove(v db.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = slices.DeleteFunc(c.versions, func(rv RowVersion) bool { return rv.Version == v })
}

// Prune drops all versions that no snapshot at or above horizon can observe.
// It returns true if the chain holds nothing visible anymore and can be removed.
func (c *RowChain) Prune(horizon db.Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// index of the newest version <= horizon
	idx := -1
	for i := range c.versions {
		if c.versions[i].Version > horizon {
			break
		}
		idx = i
	}
	if idx > 0 {
		c.versions = slices.Delete(c.versions, 0, idx)
	}

	// a single deletion below the horizon hides the row for every observer
	if len(c.versions) == 1 && c.versions[0].Row == nil && c.versions[0].Version <= horizon {
		c.versions = nil
	}
	return len(c.versions) == 0
}

// Len returns the number of retained versions.
func (c *RowChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// --------------------------------------------------------------------------
// Tables
// --------------------------------------------------------------------------

// Table is the committed storage of one table.
type Table struct {
	Name      string
	CreatedAt db.Version
	Rows      *xsync.MapOf[db.RowKey, *RowChain]

	mu      sync.RWMutex
	indexes []string
}

// NewTable creates an empty table with the provided hash function
func NewTable(name string, createdAt db.Version, hasher func(db.RowKey, uint64) uint64) *Table {
	return &Table{
		Name:      name,
		CreatedAt: createdAt,
		Rows:      xsync.NewMapOfWithHasher[db.RowKey, *RowChain](hasher),
	}
}

// Indexes returns a copy of the indexed columns.
func (t *Table) Indexes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.indexes)
}

// HasIndex reports whether column is indexed.
func (t *Table) HasIndex(column string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.indexes, column)
}

// SetIndexes replaces the indexed columns and returns the previous list.
func (t *Table) SetIndexes(columns []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.indexes
	t.indexes = slices.Clone(columns)
	slices.Sort(t.indexes)
	return prev
}

// --------------------------------------------------------------------------
// GC Events
// --------------------------------------------------------------------------

// Event tells the garbage collector that a row chain received a new version.
type Event struct {
	Table *Table
	Key   db.RowKey
}
