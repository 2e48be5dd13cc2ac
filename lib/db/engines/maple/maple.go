package maple

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/dObj/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for store behavior and structure
const (
	magicNum            = "MAPLEOBJ"             // File format identifier
	mapleVersion        = 1                      // File format version
	keyLength           = 64                     // Required encryption key length
	replicaShift        = 48                     // Row keys carry the replica id in the high bits
	defaultGCInterval   = 100 * time.Millisecond // Default interval between GC runs
	defaultMaxChangeLog = 1 << 16                // Default number of retained per-commit deltas
)

var log = logger.GetLogger("maple")

// WriteMode selects how concurrent writers are coordinated.
type WriteMode uint8

const (
	// WriteExclusive serializes writers: BeginWrite blocks until the previous writer finished.
	WriteExclusive WriteMode = iota
	// WriteOptimistic lets writers run concurrently; the first committer wins and later
	// conflicting commits fail with db.ErrConflict.
	WriteOptimistic
)

func (m WriteMode) String() string {
	switch m {
	case WriteExclusive:
		return "exclusive"
	case WriteOptimistic:
		return "optimistic"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the store behavior during initialization
type Options struct {
	WriteMode    WriteMode     // Writer coordination
	ReplicaID    uint16        // Stored in the high bits of every allocated row key
	GCInterval   time.Duration // Time between GC runs
	SyncOnCommit bool          // Persist after every commit (only with a path)
	MaxChangeLog int           // Number of retained per-commit deltas (0 = unlimited)
}

// DefaultOptions returns the default store options
func DefaultOptions() *Options {
	return &Options{
		WriteMode:    WriteExclusive,
		GCInterval:   defaultGCInterval,
		SyncOnCommit: true,
		MaxChangeLog: defaultMaxChangeLog,
	}
}

// --------------------------------------------------------------------------
// Core Maple store structure
// --------------------------------------------------------------------------

type indexCacheKey struct {
	table   string
	column  string
	version db.Version
}

// mapleStore implements db.Store with multi-version row chains
type mapleStore struct {
	path   string
	aead   cipher.AEAD
	opts   Options
	hasher func(db.RowKey, uint64) uint64

	tables   *xsync.MapOf[string, *internal.Table]
	version  atomic.Uint64 // latest committed version
	keySeq   atomic.Uint64 // last allocated row key (without replica bits)
	pristine atomic.Bool

	writer   chan struct{} // exclusive writer lock (usable with a context)
	commitMu sync.Mutex    // serializes installing versions and the garbage collector

	logMu     sync.RWMutex
	logBase   db.Version     // changeLog[i] is the delta of version logBase+1+i
	changeLog []db.ChangeSet // per-commit deltas

	pinMu   sync.Mutex
	pins    *util.MapHeap // open snapshots: key = snapshot id, priority = version
	snapSeq atomic.Uint64
	horizon atomic.Uint64 // versions below the horizon may be pruned

	indexCache *xsync.MapOf[indexCacheKey, map[string][]db.RowKey]

	// garbage collection
	events *util.LockFreeMPSC[internal.Event]
	gcDone chan struct{}
	closed atomic.Bool

	// statistics
	commitTimer gometrics.Timer
	rowSizes    gometrics.Histogram
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// Factory returns a db.StoreFactory creating maple stores with the given options
func Factory(opts *Options) db.StoreFactory {
	return func(path string, encryptionKey []byte) (db.Store, error) {
		return NewMapleStore(path, encryptionKey, opts)
	}
}

// NewMapleStore opens the store persisted at path (volatile if path is empty).
// If encryptionKey is not nil it must be 64 bytes long and is used to seal the
// persisted state.
//
// Thread-safety: This function is thread-safe; every call creates an independent store.
func NewMapleStore(path string, encryptionKey []byte, opts *Options) (db.Store, error) {

	// Generate default options if not provided
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}

	s := &mapleStore{
		path:        path,
		opts:        *opts,
		hasher:      createIdentityHasher(),
		tables:      xsync.NewMapOf[string, *internal.Table](),
		writer:      make(chan struct{}, 1),
		pins:        util.NewMapHeap(),
		indexCache:  xsync.NewMapOf[indexCacheKey, map[string][]db.RowKey](),
		events:      util.NewLockFreeMPSC[internal.Event](),
		commitTimer: gometrics.NewTimer(),
		rowSizes:    gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
	}
	s.pristine.Store(true)

	if encryptionKey != nil {
		aead, err := newAEAD(encryptionKey)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}

	// restore persisted state
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Infof("creating new store at %s", path)
		case err != nil:
			return nil, fmt.Errorf("maple: read %s: %w", path, err)
		default:
			state, err := s.decodeFile(data)
			if err != nil {
				return nil, fmt.Errorf("maple: open %s: %w", path, err)
			}
			if err := s.applyState(state); err != nil {
				return nil, fmt.Errorf("maple: open %s: %w", path, err)
			}
			log.Infof("opened store at %s (version %d)", path, s.version.Load())
		}
	}

	// start garbage collection
	s.startGC()

	return s, nil
}

// createIdentityHasher creates a hash function that combines a key with a seed
func createIdentityHasher() func(db.RowKey, uint64) uint64 {
	return func(key db.RowKey, mapSeed uint64) uint64 {
		return uint64(key) ^ mapSeed
	}
}

// --------------------------------------------------------------------------
// Row Keys
// --------------------------------------------------------------------------

const keyMask = (uint64(1) << replicaShift) - 1

// nextKey allocates a fresh row key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *mapleStore) nextKey() db.RowKey {
	seq := s.keySeq.Add(1)
	return db.RowKey(uint64(s.opts.ReplicaID)<<replicaShift | (seq & keyMask))
}

// observeKey makes sure keys written with an explicit value (replication) are
// never handed out again by this store.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *mapleStore) observeKey(key db.RowKey) {
	if uint16(uint64(key)>>replicaShift) != s.opts.ReplicaID {
		return
	}
	seq := uint64(key) & keyMask
	for {
		current := s.keySeq.Load()
		if seq <= current {
			return
		}
		if s.keySeq.CompareAndSwap(current, seq) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// pin registers an open snapshot so the garbage collector keeps its version.
// Must be called with pinMu held.
func (s *mapleStore) pinLocked(v db.Version) uint64 {
	id := s.snapSeq.Add(1)
	s.pins.AddItem(id, uint64(v))
	return id
}

func (s *mapleStore) unpin(id uint64) {
	s.pinMu.Lock()
	s.pins.RemoveByKey(id)
	s.pinMu.Unlock()
}

func (s *mapleStore) BeginRead() (db.Snapshot, error) {
	if s.closed.Load() {
		return nil, db.ErrStoreClosed
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	v := db.Version(s.version.Load())
	return newSnapshot(s, s.pinLocked(v), v, false, false), nil
}

func (s *mapleStore) BeginReadAt(v db.Version) (db.Snapshot, error) {
	if s.closed.Load() {
		return nil, db.ErrStoreClosed
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if v > db.Version(s.version.Load()) || v < db.Version(s.horizon.Load()) {
		return nil, fmt.Errorf("%w: %d", db.ErrVersionUnavailable, v)
	}
	return newSnapshot(s, s.pinLocked(v), v, false, false), nil
}

func (s *mapleStore) BeginWrite(ctx context.Context) (db.Snapshot, error) {
	if s.closed.Load() {
		return nil, db.ErrStoreClosed
	}

	holdsWriter := false
	if s.opts.WriteMode == WriteExclusive {
		if err := s.acquireWriter(ctx); err != nil {
			return nil, err
		}
		holdsWriter = true
	}

	if s.closed.Load() {
		if holdsWriter {
			s.releaseWriter()
		}
		return nil, db.ErrStoreClosed
	}

	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	v := db.Version(s.version.Load())
	return newSnapshot(s, s.pinLocked(v), v, true, holdsWriter), nil
}

func (s *mapleStore) acquireWriter(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mapleStore) releaseWriter() {
	<-s.writer
}

func (s *mapleStore) Bootstrap(fn func(snap db.Snapshot) error) error {
	if s.closed.Load() {
		return db.ErrStoreClosed
	}
	if err := s.acquireWriter(context.Background()); err != nil {
		return err
	}
	defer s.releaseWriter()

	if !s.pristine.Load() || s.version.Load() != 0 {
		return db.ErrNotPristine
	}

	s.pinMu.Lock()
	snap := newSnapshot(s, s.pinLocked(0), 0, true, false)
	s.pinMu.Unlock()
	defer snap.Close()

	if err := fn(snap); err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	_, events, undo := s.install(snap, 0)
	if err := s.persistLocked(0); err != nil {
		undo()
		return err
	}
	s.pristine.Store(false)
	for i := range events {
		s.events.Push(&events[i])
	}
	return nil
}

// --------------------------------------------------------------------------
// Commit
// --------------------------------------------------------------------------

// commit validates and installs the buffered writes of snap as the next version.
func (s *mapleStore) commit(snap *snapshot, publish db.PublishFunc) (db.Version, error) {
	start := time.Now()

	s.commitMu.Lock()
	current := db.Version(s.version.Load())

	// first committer wins
	if snap.version < current {
		if err := s.validate(snap, current); err != nil {
			s.commitMu.Unlock()
			return 0, err
		}
	}

	next := current + 1
	cs, events, undo := s.install(snap, next)

	if err := s.persistLocked(next); err != nil {
		undo()
		s.commitMu.Unlock()
		return 0, err
	}

	s.appendChangeLog(cs)
	s.version.Store(uint64(next))
	s.pristine.Store(false)
	s.commitMu.Unlock()

	for i := range events {
		s.events.Push(&events[i])
	}
	s.commitTimer.UpdateSince(start)

	// the writer lock is released by the snapshot after this returns
	if publish != nil {
		publish(next)
	}
	return next, nil
}

// validate checks whether another writer committed a conflicting change after
// the base version of snap. Must be called with commitMu held.
func (s *mapleStore) validate(snap *snapshot, current db.Version) error {
	for name := range snap.created {
		if _, ok := s.tables.Load(name); ok {
			return fmt.Errorf("%w: table %s was created concurrently", db.ErrConflict, name)
		}
	}

	for name, p := range snap.pending {
		tbl, ok := s.tables.Load(name)
		if !ok {
			continue
		}
		for key := range p.rows {
			chain, ok := tbl.Rows.Load(key)
			if !ok {
				continue
			}
			if latest, ok := chain.Latest(); ok && latest > snap.version {
				return fmt.Errorf("%w: row %d of %s was modified concurrently", db.ErrConflict, key, name)
			}
		}

		// phantom protection: inserts conflict with concurrent inserts into the same table
		if p.inserts > 0 {
			cs, err := s.ChangeSetBetween(snap.version, current)
			if err != nil {
				return fmt.Errorf("%w: %v", db.ErrConflict, err)
			}
			if tc := cs.Table(name); tc != nil && len(tc.Inserted) > 0 {
				return fmt.Errorf("%w: concurrent inserts into %s", db.ErrConflict, name)
			}
		}
	}
	return nil
}

// install appends the buffered writes of snap to the row chains as version v.
// It returns the change set, the GC events and a function undoing the install.
// Must be called with commitMu held.
func (s *mapleStore) install(snap *snapshot, v db.Version) (db.ChangeSet, []internal.Event, func()) {
	var (
		from    = db.Version(0)
		events  []internal.Event
		undos   []func()
		builder *db.ChangeBuilder
	)
	if v > 0 {
		from = v - 1
	}
	builder = db.NewChangeBuilder(from, v)

	for _, name := range slices.Sorted(maps.Keys(snap.created)) {
		tbl := internal.NewTable(name, v, s.hasher)
		s.tables.Store(name, tbl)
		builder.CreateTable(name)
		undos = append(undos, func() { s.tables.Delete(name) })
	}

	for name, cols := range snap.indexes {
		if tbl, ok := s.tables.Load(name); ok {
			prev := tbl.SetIndexes(cols)
			undos = append(undos, func() { tbl.SetIndexes(prev) })
		}
	}

	for name, p := range snap.pending {
		tbl, ok := s.tables.Load(name)
		if !ok {
			continue
		}
		for key, row := range p.rows {
			// existence at the latest committed version decides insert vs. modify
			chain, loaded := tbl.Rows.Load(key)
			existed := false
			if loaded && v > 0 {
				_, existed = chain.At(from)
			}
			if row == nil && !existed {
				continue // inserted and deleted by the same writer
			}
			if !loaded {
				chain = internal.NewRowChain()
				tbl.Rows.Store(key, chain)
			}

			switch {
			case row == nil:
				builder.Record(name, key, db.RowOpDelete)
			case existed:
				builder.Record(name, key, db.RowOpModify)
				s.rowSizes.Update(int64(db.ApproxSize(row)))
			default:
				builder.Record(name, key, db.RowOpInsert)
				s.rowSizes.Update(int64(db.ApproxSize(row)))
			}

			chain.Append(v, row)
			events = append(events, internal.Event{Table: tbl, Key: key})
			undos = append(undos, func() {
				chain.Remove(v)
				if chain.Len() == 0 {
					tbl.Rows.Delete(key)
				}
			})
		}
	}

	undo := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
	return builder.Build(), events, undo
}

// --------------------------------------------------------------------------
// Change Log
// --------------------------------------------------------------------------

func (s *mapleStore) appendChangeLog(cs db.ChangeSet) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.changeLog = append(s.changeLog, cs)
	if s.opts.MaxChangeLog > 0 && len(s.changeLog) > s.opts.MaxChangeLog {
		drop := len(s.changeLog) - s.opts.MaxChangeLog
		s.changeLog = slices.Delete(s.changeLog, 0, drop)
		s.logBase += db.Version(drop)
	}
}

func (s *mapleStore) ChangeSetSince(v db.Version) (db.ChangeSet, error) {
	return s.ChangeSetBetween(v, db.Version(s.version.Load()))
}

func (s *mapleStore) ChangeSetBetween(from, to db.Version) (db.ChangeSet, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	last := s.logBase + db.Version(len(s.changeLog))
	if from > to || to > last || from < s.logBase {
		return db.ChangeSet{}, fmt.Errorf("%w: change set %d..%d (retained %d..%d)", db.ErrVersionUnavailable, from, to, s.logBase, last)
	}

	builder := db.NewChangeBuilder(from, to)
	for v := from + 1; v <= to; v++ {
		builder.Merge(s.changeLog[v-s.logBase-1])
	}
	return builder.Build(), nil
}

// --------------------------------------------------------------------------
// Versions, Features and Info
// --------------------------------------------------------------------------

func (s *mapleStore) CurrentVersion() db.Version {
	return db.Version(s.version.Load())
}

func (s *mapleStore) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureHistory | db.FeatureChangeSets | db.FeatureIndexes
	if s.path != "" {
		supported |= db.FeaturePersistence | db.FeatureEncryption
	}
	if s.opts.WriteMode == WriteOptimistic {
		supported |= db.FeatureOptimisticWrites
	}
	return feature&supported == feature
}

func (s *mapleStore) GetInfo() db.DatabaseInfo {
	var (
		features   []db.Feature
		tableNames []string
		tableSizes []float64
		rows       int
	)
	for f := db.FeaturePersistence; f <= db.FeatureIndexes; f <<= 1 {
		if s.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	current := db.Version(s.version.Load())
	s.tables.Range(func(name string, tbl *internal.Table) bool {
		if tbl.CreatedAt > current {
			return true
		}
		n := 0
		tbl.Rows.Range(func(_ db.RowKey, chain *internal.RowChain) bool {
			if _, ok := chain.At(current); ok {
				n++
			}
			return true
		})
		tableNames = append(tableNames, name)
		tableSizes = append(tableSizes, float64(n))
		rows += n
		return true
	})

	s.pinMu.Lock()
	pinned := s.pins.Len()
	s.pinMu.Unlock()

	s.logMu.RLock()
	logLen := len(s.changeLog)
	s.logMu.RUnlock()

	return db.DatabaseInfo{
		SizeBytes:         int(s.rowSizes.Mean() * float64(rows)),
		DbType:            db.ImplMaple,
		SupportedFeatures: features,
		Version:           current,
		Tables:            len(tableNames),
		Rows:              rows,
		Metadata: map[string]any{
			"path":                   s.path,
			"encrypted":              s.aead != nil,
			"write_mode":             s.opts.WriteMode.String(),
			"replica_id":             s.opts.ReplicaID,
			"horizon":                s.horizon.Load(),
			"open_snapshots":         pinned,
			"change_log_entries":     logLen,
			"commits":                s.commitTimer.Count(),
			"commit_latency_mean_ms": s.commitTimer.Mean() / float64(time.Millisecond),
			"commit_latency_p99_ms":  s.commitTimer.Percentile(0.99) / float64(time.Millisecond),
			"row_size_mean_bytes":    s.rowSizes.Mean(),
			"table_distribution":     util.NewDistributionStats(tableSizes),
		},
	}
}

// Close stops the garbage collector and persists the latest state.
func (s *mapleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.events.Close()
	<-s.gcDone
	s.commitTimer.Stop()

	if s.path == "" {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.persistStateLocked(db.Version(s.version.Load()))
}
