// Package maple implements the reference db.Store: an in-memory, multi-version
// table store with optional file persistence and encryption. It is the engine
// every dObj store runs on unless another db.StoreFactory is configured.
//
// Key Components:
//
//   - mapleStore: The central structure implementing db.Store and db.Persister. It
//     owns the committed tables, the version counter, the per-commit change log and
//     the registry of open snapshots. Every successful commit creates exactly one new
//     version, so version numbers double as a logical clock for the layers above.
//
//   - Row Chains: Each row is stored as a chain of (version, row) pairs, oldest first.
//     A snapshot at version v sees the newest entry with a version <= v; a nil row in
//     the chain marks a deletion. Committing appends to the chains but only becomes
//     visible once the version counter is advanced, which happens after the state was
//     persisted. A failed persist undoes the appended entries.
//
//   - Snapshots: Read snapshots pin a version. Write snapshots additionally buffer
//     their mutations (rows, created tables, index changes) until Commit. Readers
//     of a write snapshot see the buffered writes overlaid on the base version.
//
//   - Change Log: The delta of every commit (created tables plus inserted, modified
//     and deleted row keys per table) is retained up to Options.MaxChangeLog entries.
//     ChangeSetBetween composes the deltas of a version range, which is what the
//     notification dispatcher and the sync bridge consume.
//
// Writer Coordination:
//
//   - WriteExclusive (default): BeginWrite waits until no other write snapshot is
//     open. The wait honours the context, so callers can bound it.
//
//   - WriteOptimistic: Any number of write snapshots may be open. At commit time the
//     first committer wins; a later commit fails with db.ErrConflict if
//     1. a row it wrote received a newer version after its base version,
//     2. it inserted into a table that saw concurrent inserts, or
//     3. it created a table that was created concurrently.
//
// Garbage Collection:
//
// Every installed row version produces a GC event that is queued on a lock-free
// MPSC queue. The collector goroutine keeps the set of dirty chains and, on every
// tick of Options.GCInterval, advances the horizon to the oldest pinned snapshot
// version (a MapHeap keyed by snapshot id). Chain entries that no snapshot at or
// above the horizon can observe are dropped, and chains ending in a deletion are
// removed entirely. BeginReadAt fails with db.ErrVersionUnavailable for versions
// below the horizon.
//
// Persistence:
//
// If a path is given, the latest state is written with natefinch/atomic after every
// commit (Options.SyncOnCommit) and on Close. The file carries a magic number and a
// format version, followed by the BSON encoded tables. With an encryption key the
// payload is sealed with XChaCha20-Poly1305 using a key derived from the 64 byte
// store key via HKDF-SHA256; the header is authenticated as additional data. A
// missing, wrong or superfluous key fails with db.ErrInvalidKey.
//
// Statistics:
//
// Commit latency is tracked with a go-metrics Timer and row sizes with a go-metrics
// Histogram. Both are reported in GetInfo together with the table size distribution.
//
// Usage Example:
//
//	store, err := maple.NewMapleStore("data.maple", nil, maple.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	snap, err := store.BeginWrite(ctx)
//	if err != nil {
//		return err
//	}
//	_ = snap.CreateTable("class_Person")
//	people, _ := snap.WriteTable("class_Person")
//	key, _ := people.Insert(db.Row{"name": "Ada", "age": int64(36)})
//	version, err := snap.Commit(nil)
package maple
