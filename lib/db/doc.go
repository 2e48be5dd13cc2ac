// Package db defines the storage engine contract consumed by the object layer.
// An engine stores rows in named tables and exposes them through versioned,
// snapshot-isolated views.
//
// The package focuses on:
//   - A unified interface for versioned table storage (Store, Snapshot, TableReader, TableWriter)
//   - Feature discovery through capability flags
//   - Change sets describing which rows a version transition touched
//   - Shared value semantics (normalization, equality, ordering, index keys) and a BSON row codec
//
// Key Components:
//
//   - Store: hands out read snapshots (never blocking) and write snapshots (blocking in
//     exclusive writer mode). Every successful commit produces the next Version.
//     Bootstrap installs the initial state of a fresh store as version 0, so the first
//     application commit of a new store is version 1.
//
//   - Snapshot: a consistent view of one version. Writable snapshots buffer mutations
//     (read-your-own-writes) and install them atomically on Commit. A commit calls the
//     supplied PublishFunc with the new version before the writer lock is released, which
//     is the synchronization point observers use to schedule diff computation.
//
//   - ChangeSet: the per-table delta (created, inserted, modified, deleted row keys) between
//     two versions. ChangeBuilder merges consecutive deltas with the composition rules
//     insert+modify = insert, insert+delete = none, modify+delete = delete.
//
//   - Feature Flags: engines advertise persistence, encryption, history, change sets,
//     optimistic writes and indexes through SupportsFeature.
//
//   - Values: rows are maps from column name to a normalized value (nil, int64, bool, string,
//     float64, []byte, time.Time, Link, []any, map[string]any). Equal, Compare, Clone and
//     IndexKey give all layers the same value semantics. EncodeRow/DecodeRow are the BSON
//     representation used for persistence and replication.
//
// Error handling: engine errors are sentinel values (ErrConflict, ErrVersionUnavailable,
// ErrInvalidKey, ...). I/O errors of persisting engines are returned wrapped, never swallowed.
package db
