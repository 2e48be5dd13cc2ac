package maple

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple/internal"
)

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// pendingTable buffers the writes of one table. A nil row marks a deletion.
type pendingTable struct {
	rows    map[db.RowKey]db.Row
	inserts int
	keys    []db.RowKey // merged key cache, reset on every write
}

// snapshot implements db.Snapshot for one version of a mapleStore
type snapshot struct {
	store       *mapleStore
	id          uint64
	version     db.Version
	writable    bool
	holdsWriter bool
	done        atomic.Bool

	mu       sync.Mutex
	keyCache map[string][]db.RowKey // committed keys per table at version

	// buffered writes (writable snapshots only)
	created map[string]bool
	indexes map[string][]string
	pending map[string]*pendingTable
}

func newSnapshot(s *mapleStore, id uint64, v db.Version, writable, holdsWriter bool) *snapshot {
	snap := &snapshot{
		store:       s,
		id:          id,
		version:     v,
		writable:    writable,
		holdsWriter: holdsWriter,
		keyCache:    make(map[string][]db.RowKey),
	}
	if writable {
		snap.created = make(map[string]bool)
		snap.indexes = make(map[string][]string)
		snap.pending = make(map[string]*pendingTable)
	}
	return snap
}

func (snap *snapshot) Version() db.Version { return snap.version }

func (snap *snapshot) Writable() bool { return snap.writable }

// committedTable returns the committed table if it is visible at the snapshot version.
func (snap *snapshot) committedTable(name string) (*internal.Table, bool) {
	tbl, ok := snap.store.tables.Load(name)
	if !ok || tbl.CreatedAt > snap.version {
		return nil, false
	}
	return tbl, true
}

func (snap *snapshot) HasTable(name string) bool {
	if snap.created[name] {
		return true
	}
	_, ok := snap.committedTable(name)
	return ok
}

func (snap *snapshot) Tables() []string {
	var names []string
	snap.store.tables.Range(func(name string, tbl *internal.Table) bool {
		if tbl.CreatedAt <= snap.version {
			names = append(names, name)
		}
		return true
	})
	for name := range snap.created {
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (snap *snapshot) checkOpen() error {
	if snap.done.Load() {
		return db.ErrSnapshotClosed
	}
	return nil
}

func (snap *snapshot) checkWritable() error {
	if err := snap.checkOpen(); err != nil {
		return err
	}
	if !snap.writable {
		return db.ErrReadOnly
	}
	return nil
}

func (snap *snapshot) ReadTable(name string) (db.TableReader, error) {
	if err := snap.checkOpen(); err != nil {
		return nil, err
	}
	return snap.view(name)
}

func (snap *snapshot) WriteTable(name string) (db.TableWriter, error) {
	if err := snap.checkWritable(); err != nil {
		return nil, err
	}
	return snap.view(name)
}

func (snap *snapshot) view(name string) (*tableView, error) {
	if !snap.HasTable(name) {
		return nil, fmt.Errorf("%w: %s", db.ErrNoSuchTable, name)
	}
	tbl, _ := snap.committedTable(name)
	return &tableView{snap: snap, name: name, tbl: tbl}, nil
}

func (snap *snapshot) CreateTable(name string) error {
	if err := snap.checkWritable(); err != nil {
		return err
	}
	if snap.HasTable(name) {
		return fmt.Errorf("%w: %s", db.ErrTableExists, name)
	}
	snap.created[name] = true
	return nil
}

func (snap *snapshot) currentIndexes(table string) []string {
	if cols, ok := snap.indexes[table]; ok {
		return cols
	}
	if tbl, ok := snap.committedTable(table); ok {
		return tbl.Indexes()
	}
	return nil
}

func (snap *snapshot) CreateIndex(table, column string) error {
	if err := snap.checkWritable(); err != nil {
		return err
	}
	if !snap.HasTable(table) {
		return fmt.Errorf("%w: %s", db.ErrNoSuchTable, table)
	}
	cols := slices.Clone(snap.currentIndexes(table))
	if slices.Contains(cols, column) {
		return nil
	}
	cols = append(cols, column)
	slices.Sort(cols)
	snap.indexes[table] = cols
	return nil
}

func (snap *snapshot) DropIndex(table, column string) error {
	if err := snap.checkWritable(); err != nil {
		return err
	}
	if !snap.HasTable(table) {
		return fmt.Errorf("%w: %s", db.ErrNoSuchTable, table)
	}
	cols := slices.Clone(snap.currentIndexes(table))
	snap.indexes[table] = slices.DeleteFunc(cols, func(c string) bool { return c == column })
	return nil
}

func (snap *snapshot) Commit(publish db.PublishFunc) (db.Version, error) {
	if err := snap.checkWritable(); err != nil {
		return 0, err
	}
	defer snap.Close()
	return snap.store.commit(snap, publish)
}

func (snap *snapshot) Rollback() error { return snap.Close() }

func (snap *snapshot) Close() error {
	if snap.done.Swap(true) {
		return nil
	}
	snap.store.unpin(snap.id)
	if snap.holdsWriter {
		snap.store.releaseWriter()
	}
	return nil
}

// pendingFor returns the write buffer of a table, creating it on first use.
func (snap *snapshot) pendingFor(name string) *pendingTable {
	p, ok := snap.pending[name]
	if !ok {
		p = &pendingTable{rows: make(map[db.RowKey]db.Row)}
		snap.pending[name] = p
	}
	return p
}

// committedKeys returns the sorted keys of all rows of tbl visible at the snapshot version.
func (snap *snapshot) committedKeys(tbl *internal.Table) []db.RowKey {
	if tbl == nil {
		return nil
	}
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if keys, ok := snap.keyCache[tbl.Name]; ok {
		return keys
	}
	keys := make([]db.RowKey, 0, tbl.Rows.Size())
	tbl.Rows.Range(func(key db.RowKey, chain *internal.RowChain) bool {
		if _, ok := chain.At(snap.version); ok {
			keys = append(keys, key)
		}
		return true
	})
	slices.Sort(keys)
	snap.keyCache[tbl.Name] = keys
	return keys
}

// --------------------------------------------------------------------------
// Table View
// --------------------------------------------------------------------------

// tableView implements db.TableReader and db.TableWriter over a snapshot
type tableView struct {
	snap *snapshot
	name string
	tbl  *internal.Table // nil for tables created in this snapshot
}

func (t *tableView) Name() string { return t.name }

func (t *tableView) pending() *pendingTable {
	if t.snap.pending == nil {
		return nil
	}
	return t.snap.pending[t.name]
}

func (t *tableView) committed(key db.RowKey) (db.Row, bool) {
	if t.tbl == nil {
		return nil, false
	}
	chain, ok := t.tbl.Rows.Load(key)
	if !ok {
		return nil, false
	}
	return chain.At(t.snap.version)
}

func (t *tableView) Get(key db.RowKey) (db.Row, bool) {
	if p := t.pending(); p != nil {
		if row, ok := p.rows[key]; ok {
			return row, row != nil
		}
	}
	return t.committed(key)
}

func (t *tableView) Has(key db.RowKey) bool {
	_, ok := t.Get(key)
	return ok
}

func (t *tableView) Keys() []db.RowKey {
	base := t.snap.committedKeys(t.tbl)
	p := t.pending()
	if p == nil || len(p.rows) == 0 {
		return base
	}
	if p.keys != nil {
		return p.keys
	}

	keys := make([]db.RowKey, 0, len(base)+p.inserts)
	for _, k := range base {
		if row, ok := p.rows[k]; ok && row == nil {
			continue
		}
		keys = append(keys, k)
	}
	for k, row := range p.rows {
		if row == nil {
			continue
		}
		if _, ok := t.committed(k); ok {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	p.keys = keys
	return keys
}

func (t *tableView) Len() int {
	return len(t.Keys())
}

func (t *tableView) Indexes() []string {
	return slices.Clone(t.snap.currentIndexes(t.name))
}

func (t *tableView) Lookup(column string, value any) []db.RowKey {
	want := db.IndexKey(value)

	var base []db.RowKey
	if t.tbl != nil {
		if t.tbl.HasIndex(column) {
			base = t.snap.store.indexLookup(t.snap, t.tbl, column)[want]
		} else {
			for _, k := range t.snap.committedKeys(t.tbl) {
				if row, ok := t.committed(k); ok && db.IndexKey(row[column]) == want {
					base = append(base, k)
				}
			}
		}
	}

	p := t.pending()
	if p == nil || len(p.rows) == 0 {
		return slices.Clone(base)
	}

	// overlay buffered writes
	var keys []db.RowKey
	for _, k := range base {
		if _, touched := p.rows[k]; !touched {
			keys = append(keys, k)
		}
	}
	for k, row := range p.rows {
		if row != nil && db.IndexKey(row[column]) == want {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (t *tableView) write(key db.RowKey, row db.Row) error {
	if err := t.snap.checkWritable(); err != nil {
		return err
	}
	p := t.snap.pendingFor(t.name)
	p.rows[key] = row
	p.keys = nil
	return nil
}

func (t *tableView) Insert(row db.Row) (db.RowKey, error) {
	if err := t.snap.checkWritable(); err != nil {
		return 0, err
	}
	if row == nil {
		row = db.Row{}
	}
	key := t.snap.store.nextKey()
	if err := t.write(key, row); err != nil {
		return 0, err
	}
	t.snap.pending[t.name].inserts++
	return key, nil
}

func (t *tableView) Put(key db.RowKey, row db.Row) error {
	if err := t.snap.checkWritable(); err != nil {
		return err
	}
	if row == nil {
		row = db.Row{}
	}
	existed := t.Has(key)
	t.snap.store.observeKey(key)
	if err := t.write(key, row); err != nil {
		return err
	}
	if !existed {
		t.snap.pending[t.name].inserts++
	}
	return nil
}

func (t *tableView) Update(key db.RowKey, row db.Row) error {
	if err := t.snap.checkWritable(); err != nil {
		return err
	}
	if !t.Has(key) {
		return fmt.Errorf("%w: %s/%d", db.ErrNoSuchRow, t.name, key)
	}
	if row == nil {
		row = db.Row{}
	}
	return t.write(key, row)
}

func (t *tableView) Delete(key db.RowKey) error {
	if err := t.snap.checkWritable(); err != nil {
		return err
	}
	if !t.Has(key) {
		return fmt.Errorf("%w: %s/%d", db.ErrNoSuchRow, t.name, key)
	}
	return t.write(key, nil)
}

// --------------------------------------------------------------------------
// Index Cache
// --------------------------------------------------------------------------

// indexLookup returns the index of column at the snapshot version, building it
// once per (table, column, version).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *mapleStore) indexLookup(snap *snapshot, tbl *internal.Table, column string) map[string][]db.RowKey {
	key := indexCacheKey{table: tbl.Name, column: column, version: snap.version}
	idx, _ := s.indexCache.LoadOrCompute(key, func() map[string][]db.RowKey {
		idx := make(map[string][]db.RowKey)
		for _, k := range snap.committedKeys(tbl) {
			chain, ok := tbl.Rows.Load(k)
			if !ok {
				continue
			}
			if row, ok := chain.At(snap.version); ok {
				ik := db.IndexKey(row[column])
				idx[ik] = append(idx[ik], k)
			}
		}
		return idx
	})
	return idx
}
