package db

import (
	"context"
	"errors"
	"io"
	"strings"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Version is the monotonically increasing token of a committed state.
// Version 0 is the initial (bootstrapped or empty) state of a store.
type Version uint64

// RowKey is the stable identity of a row inside one table.
// Keys are never reused within a store and ascending keys reflect insertion order.
type RowKey uint64

// PublishFunc is called by a committing write snapshot with the new version
// while the writer still holds the engine's writer lock.
type PublishFunc func(v Version)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeaturePersistence      Feature = 1 << iota // State survives Close/Open through the path given to the factory
	FeatureEncryption                           // Persisted state can be encrypted with a key
	FeatureHistory                              // BeginReadAt can open retained historical versions
	FeatureChangeSets                           // ChangeSetSince / ChangeSetBetween are available
	FeatureOptimisticWrites                     // BeginWrite does not block, conflicts are reported at commit
	FeatureIndexes                              // Lookup is served by column indexes
)

func (f Feature) String() string {
	switch f {
	case FeaturePersistence:
		return "Persistence"
	case FeatureEncryption:
		return "Encryption"
	case FeatureHistory:
		return "History"
	case FeatureChangeSets:
		return "ChangeSets"
	case FeatureOptimisticWrites:
		return "OptimisticWrites"
	case FeatureIndexes:
		return "Indexes"
	default:
		// combined flags
		var parts []string
		for bit := FeaturePersistence; bit <= FeatureIndexes; bit <<= 1 {
			if f&bit != 0 {
				parts = append(parts, bit.String())
			}
		}
		if len(parts) == 0 {
			return "Unknown"
		}
		return strings.Join(parts, "|")
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Version           Version        `json:"version"`
	Tables            int            `json:"tables"`
	Rows              int            `json:"rows"`
	Metadata          map[string]any `json:"metadata"`
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrConflict           = errors.New("db: conflicting concurrent write")
	ErrReadOnly           = errors.New("db: snapshot is read-only")
	ErrSnapshotClosed     = errors.New("db: snapshot is closed")
	ErrStoreClosed        = errors.New("db: store is closed")
	ErrNoSuchTable        = errors.New("db: no such table")
	ErrTableExists        = errors.New("db: table already exists")
	ErrNoSuchRow          = errors.New("db: no such row")
	ErrVersionUnavailable = errors.New("db: version is not retained")
	ErrNotPristine        = errors.New("db: store already holds committed state")
	ErrInvalidKey         = errors.New("db: invalid encryption key")
	ErrCorrupt            = errors.New("db: corrupt store file")
)

// --------------------------------------------------------------------------
// Engine Interfaces
// --------------------------------------------------------------------------

// StoreFactory opens (or creates) the store at path. An empty path opens a
// volatile store. encryptionKey may be nil.
type StoreFactory func(path string, encryptionKey []byte) (Store, error)

// Store is one opened object store. It hands out snapshots of committed
// versions and records a change set per commit.
//
// Thread-safety: all methods are safe for concurrent use.
type Store interface {

	// BeginRead opens a read-only snapshot of the latest committed version.
	// It never blocks on writers.
	BeginRead() (Snapshot, error)

	// BeginReadAt opens a read-only snapshot of a retained historical version.
	// It returns ErrVersionUnavailable if the version was pruned or does not exist yet.
	BeginReadAt(v Version) (Snapshot, error)

	// BeginWrite opens a writable snapshot of the latest committed version.
	// In exclusive writer mode it blocks until the previous writer committed or
	// rolled back, or until ctx is done.
	BeginWrite(ctx context.Context) (Snapshot, error)

	// Bootstrap runs fn against a writable snapshot of a pristine store and
	// installs the result as version 0. It fails with ErrNotPristine if any
	// version was committed before.
	Bootstrap(fn func(s Snapshot) error) error

	// CurrentVersion returns the latest committed version.
	CurrentVersion() Version

	// ChangeSetSince returns the merged change set from v to the current version.
	ChangeSetSince(v Version) (ChangeSet, error)

	// ChangeSetBetween returns the merged change set for the transition from -> to.
	ChangeSetBetween(from, to Version) (ChangeSet, error)

	// SupportsFeature checks if the engine supports all given features.
	SupportsFeature(feature Feature) bool

	// GetInfo returns information about the store.
	GetInfo() DatabaseInfo

	// Close releases all resources (and persists the store if supported).
	Close() error
}

// Persister is implemented by stores that can serialize their latest state.
type Persister interface {
	// Save writes the latest committed state to w.
	Save(w io.Writer) error

	// Load replaces the state of a pristine store with the state read from r.
	Load(r io.Reader) error
}

// Snapshot is a consistent view of one version. Writable snapshots buffer
// their mutations until Commit.
//
// Thread-safety: a snapshot must be used by one goroutine at a time.
type Snapshot interface {

	// Version returns the version the snapshot was opened at.
	Version() Version

	// Writable reports whether the snapshot accepts mutations.
	Writable() bool

	// Tables returns the names of all tables visible in the snapshot, sorted.
	Tables() []string

	// HasTable reports whether the table is visible in the snapshot.
	HasTable(name string) bool

	// ReadTable returns a read view of a table.
	ReadTable(name string) (TableReader, error)

	// WriteTable returns a write view of a table (ErrReadOnly on read snapshots).
	WriteTable(name string) (TableWriter, error)

	// CreateTable creates an empty table.
	CreateTable(name string) error

	// CreateIndex declares an index on a column of a table.
	CreateIndex(table, column string) error

	// DropIndex removes an index declaration.
	DropIndex(table, column string) error

	// Commit installs all buffered mutations as a new version. publish (optional) is
	// called with the new version before the writer lock is released. It returns
	// ErrConflict if a concurrent writer committed a conflicting change first.
	// Every successful commit creates a new version, even without mutations.
	Commit(publish PublishFunc) (Version, error)

	// Rollback discards all buffered mutations and releases the snapshot.
	Rollback() error

	// Close releases the snapshot. Closing an uncommitted writable snapshot
	// discards its mutations. Close is idempotent.
	Close() error
}

// TableReader is a read view of one table inside a snapshot.
// Rows returned by the reader are owned by the engine and must not be modified.
type TableReader interface {
	Name() string
	Get(key RowKey) (Row, bool)
	Has(key RowKey) bool

	// Keys returns all row keys in ascending order (natural insertion order).
	Keys() []RowKey
	Len() int

	// Lookup returns the keys of all rows whose column equals value, ascending.
	Lookup(column string, value any) []RowKey

	// Indexes returns the indexed columns of the table.
	Indexes() []string
}

// TableWriter is a write view of one table inside a writable snapshot.
// Rows passed to the writer are owned by the engine afterwards.
type TableWriter interface {
	TableReader

	// Insert adds a row under a freshly allocated key.
	Insert(row Row) (RowKey, error)

	// Put inserts or replaces the row stored under key.
	Put(key RowKey, row Row) error

	// Update replaces an existing row (ErrNoSuchRow otherwise).
	Update(key RowKey, row Row) error

	// Delete removes an existing row (ErrNoSuchRow otherwise).
	Delete(key RowKey) error
}
