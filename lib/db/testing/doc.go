// Package testing provides standardised tests and benchmarks for
// storage engines that satisfy the db.Store interface.
//
// The package contains:
//   - testing: A conformance suite for the snapshot, versioning, change set and index contract
//   - benchmark: Performance tests for commits, reads, lookups and persistence
//
// Tests that depend on optional behaviour are skipped when the engine does not
// report the matching db.Feature (or, for SaveLoad, does not implement db.Persister).
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.Store {
//		store, _ := NewMyStore("", nil)
//		return store
//	}
//
//	// Running the standard test suite
//	dbtesting.RunStoreTests(t, "MyStore", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunStoreBenchmarks(b, "MyStore", factory)
package testing
