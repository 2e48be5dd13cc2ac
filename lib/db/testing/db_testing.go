package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
)

// DBFactory is a function that creates a new, empty instance of a db.Store implementation
type DBFactory func() db.Store

// RunStoreTests runs a comprehensive test suite for a db.Store implementation.
func RunStoreTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Insert&Get", func(t *testing.T) {
			testInsertGet(t, factory())
		})

		t.Run("UpdateDelete", func(t *testing.T) {
			testUpdateDelete(t, factory())
		})

		t.Run("VersionsAreMonotonic", func(t *testing.T) {
			testVersionsAreMonotonic(t, factory())
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory())
		})

		t.Run("ReadAt", func(t *testing.T) {
			testReadAt(t, factory())
		})

		t.Run("ChangeSets", func(t *testing.T) {
			testChangeSets(t, factory())
		})

		t.Run("Indexes", func(t *testing.T) {
			testIndexes(t, factory())
		})

		t.Run("Bootstrap", func(t *testing.T) {
			testBootstrap(t, factory())
		})

		t.Run("ClosedSnapshot", func(t *testing.T) {
			testClosedSnapshot(t, factory())
		})

		t.Run("ExclusiveWriter", func(t *testing.T) {
			testExclusiveWriter(t, factory())
		})

		t.Run("OptimisticConflicts", func(t *testing.T) {
			testOptimisticConflicts(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the store supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, store db.Store, feature db.Feature) {
	if !store.SupportsFeature(feature) {
		t.Skip()
	}
}

// write runs fn in a write snapshot and commits it
func write(t testing.TB, store db.Store, fn func(snap db.Snapshot)) db.Version {
	t.Helper()
	snap, err := store.BeginWrite(context.Background())
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	fn(snap)
	v, err := snap.Commit(nil)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return v
}

// table opens a table of a write snapshot, creating it if missing
func table(t testing.TB, snap db.Snapshot, name string) db.TableWriter {
	t.Helper()
	if !snap.HasTable(name) {
		if err := snap.CreateTable(name); err != nil {
			t.Fatalf("CreateTable(%s) failed: %v", name, err)
		}
	}
	tbl, err := snap.WriteTable(name)
	if err != nil {
		t.Fatalf("WriteTable(%s) failed: %v", name, err)
	}
	return tbl
}

// read opens a table of a new read snapshot
func read(t testing.TB, store db.Store, name string) (db.TableReader, func()) {
	t.Helper()
	snap, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	tbl, err := snap.ReadTable(name)
	if err != nil {
		snap.Close()
		t.Fatalf("ReadTable(%s) failed: %v", name, err)
	}
	return tbl, func() { snap.Close() }
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInsertGet(t *testing.T, store db.Store) {
	defer store.Close()

	var key db.RowKey
	write(t, store, func(snap db.Snapshot) {
		people := table(t, snap, "people")
		var err error
		key, err = people.Insert(db.Row{"name": "Ada", "age": int64(36), "blob": []byte{1, 2}})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		// buffered writes are visible inside the snapshot
		row, exists := people.Get(key)
		if !exists || row["name"] != "Ada" {
			t.Errorf("Expected inserted row to be visible in its snapshot, got %v", row)
		}
	})

	people, done := read(t, store, "people")
	defer done()

	row, exists := people.Get(key)
	if !exists {
		t.Fatalf("Expected row %d to exist after commit", key)
	}
	if row["name"] != "Ada" || row["age"] != int64(36) || !bytes.Equal(row["blob"].([]byte), []byte{1, 2}) {
		t.Errorf("Unexpected row content %v", row)
	}
	if people.Len() != 1 {
		t.Errorf("Expected 1 row, got %d", people.Len())
	}
	if _, exists := people.Get(key + 1000); exists {
		t.Errorf("Expected unknown key to return exists=false")
	}
}

func testUpdateDelete(t *testing.T, store db.Store) {
	defer store.Close()

	keys := make([]db.RowKey, 3)
	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "items")
		for i := range keys {
			keys[i], _ = tbl.Insert(db.Row{"n": int64(i)})
		}
	})

	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "items")
		if err := tbl.Update(keys[0], db.Row{"n": int64(100)}); err != nil {
			t.Errorf("Update failed: %v", err)
		}
		if err := tbl.Delete(keys[1]); err != nil {
			t.Errorf("Delete failed: %v", err)
		}
		if err := tbl.Update(keys[1], db.Row{"n": int64(1)}); !errors.Is(err, db.ErrNoSuchRow) {
			t.Errorf("Expected ErrNoSuchRow updating a deleted row, got %v", err)
		}
		if err := tbl.Delete(keys[1]); !errors.Is(err, db.ErrNoSuchRow) {
			t.Errorf("Expected ErrNoSuchRow deleting twice, got %v", err)
		}
	})

	items, done := read(t, store, "items")
	defer done()

	if row, _ := items.Get(keys[0]); row["n"] != int64(100) {
		t.Errorf("Expected updated value 100, got %v", row["n"])
	}
	if items.Has(keys[1]) {
		t.Errorf("Expected row %d to be deleted", keys[1])
	}

	got := items.Keys()
	if len(got) != 2 || got[0] != keys[0] || got[1] != keys[2] {
		t.Errorf("Expected keys [%d %d], got %v", keys[0], keys[2], got)
	}
}

func testVersionsAreMonotonic(t *testing.T, store db.Store) {
	defer store.Close()

	start := store.CurrentVersion()
	last := start
	for i := 0; i < 10; i++ {
		v := write(t, store, func(snap db.Snapshot) {
			// empty commits create versions as well
			if i%2 == 0 {
				table(t, snap, "t").Insert(db.Row{"i": int64(i)})
			}
		})
		if v != last+1 {
			t.Errorf("Expected version %d, got %d", last+1, v)
		}
		last = v
	}
	if store.CurrentVersion() != start+10 {
		t.Errorf("Expected current version %d, got %d", start+10, store.CurrentVersion())
	}
}

func testSnapshotIsolation(t *testing.T, store db.Store) {
	defer store.Close()

	var key db.RowKey
	write(t, store, func(snap db.Snapshot) {
		key, _ = table(t, snap, "t").Insert(db.Row{"v": "old"})
	})

	old, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer old.Close()

	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		tbl.Update(key, db.Row{"v": "new"})
		tbl.Insert(db.Row{"v": "other"})
		table(t, snap, "u")
	})

	tbl, _ := old.ReadTable("t")
	if row, _ := tbl.Get(key); row["v"] != "old" {
		t.Errorf("Old snapshot should still see the old value, got %v", row["v"])
	}
	if tbl.Len() != 1 {
		t.Errorf("Old snapshot should see 1 row, got %d", tbl.Len())
	}
	if old.HasTable("u") {
		t.Errorf("Old snapshot should not see tables created later")
	}
	if _, err := old.ReadTable("u"); !errors.Is(err, db.ErrNoSuchTable) {
		t.Errorf("Expected ErrNoSuchTable, got %v", err)
	}
}

func testReadAt(t *testing.T, store db.Store) {
	defer store.Close()
	requireFeature(t, store, db.FeatureHistory)

	// keep every version readable
	pin, _ := store.BeginRead()
	defer pin.Close()

	var key db.RowKey
	v1 := write(t, store, func(snap db.Snapshot) {
		key, _ = table(t, snap, "t").Insert(db.Row{"v": int64(1)})
	})
	v2 := write(t, store, func(snap db.Snapshot) {
		table(t, snap, "t").Update(key, db.Row{"v": int64(2)})
	})

	for v, want := range map[db.Version]int64{v1: 1, v2: 2} {
		snap, err := store.BeginReadAt(v)
		if err != nil {
			t.Errorf("BeginReadAt(%d) failed: %v", v, err)
			continue
		}
		tbl, _ := snap.ReadTable("t")
		if row, _ := tbl.Get(key); row["v"] != want {
			t.Errorf("Version %d: expected %d, got %v", v, want, row["v"])
		}
		snap.Close()
	}

	if _, err := store.BeginReadAt(v2 + 1); !errors.Is(err, db.ErrVersionUnavailable) {
		t.Errorf("Expected ErrVersionUnavailable for a future version, got %v", err)
	}
}

func testChangeSets(t *testing.T, store db.Store) {
	defer store.Close()
	requireFeature(t, store, db.FeatureChangeSets)

	var a, b, c db.RowKey
	v0 := store.CurrentVersion()
	v1 := write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		a, _ = tbl.Insert(db.Row{"n": "a"})
		b, _ = tbl.Insert(db.Row{"n": "b"})
	})
	v2 := write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		tbl.Update(a, db.Row{"n": "a2"})
		tbl.Delete(b)
		c, _ = tbl.Insert(db.Row{"n": "c"})
	})

	cs, err := store.ChangeSetBetween(v1, v2)
	if err != nil {
		t.Fatalf("ChangeSetBetween failed: %v", err)
	}
	tc := cs.Table("t")
	if !tc.WasModified(a) || !tc.WasDeleted(b) || !tc.WasInserted(c) {
		t.Errorf("Unexpected change set %+v", tc)
	}
	if tc.Created {
		t.Errorf("Table should not be reported as created in %d..%d", v1, v2)
	}

	// merged: a and c inserted, b inserted and deleted (no change)
	cs, err = store.ChangeSetBetween(v0, v2)
	if err != nil {
		t.Fatalf("ChangeSetBetween failed: %v", err)
	}
	tc = cs.Table("t")
	if !tc.Created || !tc.WasInserted(a) || !tc.WasInserted(c) {
		t.Errorf("Unexpected merged change set %+v", tc)
	}
	if tc.WasInserted(b) || tc.WasDeleted(b) || tc.WasModified(b) {
		t.Errorf("Row inserted and deleted in range should not be reported: %+v", tc)
	}

	since, err := store.ChangeSetSince(v2)
	if err != nil || !since.Empty() {
		t.Errorf("Expected empty change set since the current version, got %+v (%v)", since, err)
	}
}

func testIndexes(t *testing.T, store db.Store) {
	defer store.Close()
	requireFeature(t, store, db.FeatureIndexes)

	keys := map[string][]db.RowKey{}
	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		if err := snap.CreateIndex("t", "color"); err != nil {
			t.Fatalf("CreateIndex failed: %v", err)
		}
		for i := 0; i < 30; i++ {
			color := []string{"red", "green", "blue"}[i%3]
			k, _ := tbl.Insert(db.Row{"color": color, "i": int64(i)})
			keys[color] = append(keys[color], k)
		}
	})

	tbl, done := read(t, store, "t")
	if got := tbl.Lookup("color", "red"); len(got) != 10 {
		t.Errorf("Expected 10 red rows, got %d", len(got))
	}
	if got := tbl.Lookup("i", int64(4)); len(got) != 1 || got[0] != keys["green"][1] {
		t.Errorf("Unindexed lookup returned %v", got)
	}
	if cols := tbl.Indexes(); len(cols) != 1 || cols[0] != "color" {
		t.Errorf("Expected index on color, got %v", cols)
	}
	done()

	// lookups inside a write snapshot see buffered writes
	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		tbl.Update(keys["red"][0], db.Row{"color": "green", "i": int64(0)})
		if got := tbl.Lookup("color", "red"); len(got) != 9 {
			t.Errorf("Expected 9 red rows after buffered update, got %d", len(got))
		}
		if got := tbl.Lookup("color", "green"); len(got) != 11 {
			t.Errorf("Expected 11 green rows after buffered update, got %d", len(got))
		}
		if err := snap.DropIndex("t", "color"); err != nil {
			t.Errorf("DropIndex failed: %v", err)
		}
	})

	tbl, done = read(t, store, "t")
	defer done()
	if len(tbl.Indexes()) != 0 {
		t.Errorf("Expected no indexes after DropIndex, got %v", tbl.Indexes())
	}
	if got := tbl.Lookup("color", "green"); len(got) != 11 {
		t.Errorf("Expected 11 green rows, got %d", len(got))
	}
}

func testBootstrap(t *testing.T, store db.Store) {
	defer store.Close()

	err := store.Bootstrap(func(snap db.Snapshot) error {
		table(t, snap, "meta").Insert(db.Row{"k": "v"})
		return nil
	})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if store.CurrentVersion() != 0 {
		t.Errorf("Bootstrap should not create a version, got %d", store.CurrentVersion())
	}

	meta, done := read(t, store, "meta")
	if meta.Len() != 1 {
		t.Errorf("Expected bootstrapped row, got %d rows", meta.Len())
	}
	done()

	if v := write(t, store, func(db.Snapshot) {}); v != 1 {
		t.Errorf("Expected first commit after bootstrap to be version 1, got %d", v)
	}

	if err := store.Bootstrap(func(db.Snapshot) error { return nil }); !errors.Is(err, db.ErrNotPristine) {
		t.Errorf("Expected ErrNotPristine, got %v", err)
	}
}

func testClosedSnapshot(t *testing.T, store db.Store) {
	defer store.Close()

	snap, _ := store.BeginRead()
	snap.Close()
	if _, err := snap.ReadTable("t"); !errors.Is(err, db.ErrSnapshotClosed) {
		t.Errorf("Expected ErrSnapshotClosed, got %v", err)
	}

	snap, _ = store.BeginRead()
	defer snap.Close()
	if _, err := snap.Commit(nil); !errors.Is(err, db.ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly committing a read snapshot, got %v", err)
	}
	if err := snap.CreateTable("t"); !errors.Is(err, db.ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}

	w, _ := store.BeginWrite(context.Background())
	w.Close()
	if _, err := w.Commit(nil); !errors.Is(err, db.ErrSnapshotClosed) {
		t.Errorf("Expected ErrSnapshotClosed committing a closed snapshot, got %v", err)
	}
	if store.CurrentVersion() != 0 {
		t.Errorf("Abandoned writes must not create a version")
	}
}

func testExclusiveWriter(t *testing.T, store db.Store) {
	defer store.Close()
	if store.SupportsFeature(db.FeatureOptimisticWrites) {
		t.Skip()
	}

	first, err := store.BeginWrite(context.Background())
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := store.BeginWrite(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected second writer to wait until the deadline, got %v", err)
	}

	released := make(chan struct{})
	go func() {
		defer close(released)
		snap, err := store.BeginWrite(context.Background())
		if err != nil {
			t.Errorf("BeginWrite after release failed: %v", err)
			return
		}
		snap.Close()
	}()

	first.Commit(nil)
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Errorf("Writer was not released after commit")
	}
}

func testOptimisticConflicts(t *testing.T, store db.Store) {
	defer store.Close()
	requireFeature(t, store, db.FeatureOptimisticWrites)

	var key db.RowKey
	write(t, store, func(snap db.Snapshot) {
		key, _ = table(t, snap, "t").Insert(db.Row{"n": int64(0)})
	})

	w1, _ := store.BeginWrite(context.Background())
	w2, _ := store.BeginWrite(context.Background())
	table(t, w1, "t").Update(key, db.Row{"n": int64(1)})
	table(t, w2, "t").Update(key, db.Row{"n": int64(2)})

	if _, err := w1.Commit(nil); err != nil {
		t.Fatalf("First committer should win, got %v", err)
	}
	if _, err := w2.Commit(nil); !errors.Is(err, db.ErrConflict) {
		t.Errorf("Expected ErrConflict for the second committer, got %v", err)
	}

	// disjoint rows do not conflict
	var other db.RowKey
	write(t, store, func(snap db.Snapshot) {
		other, _ = table(t, snap, "u").Insert(db.Row{"n": int64(0)})
	})
	w1, _ = store.BeginWrite(context.Background())
	w2, _ = store.BeginWrite(context.Background())
	table(t, w1, "t").Update(key, db.Row{"n": int64(3)})
	table(t, w2, "u").Update(other, db.Row{"n": int64(3)})
	if _, err := w1.Commit(nil); err != nil {
		t.Errorf("Commit failed: %v", err)
	}
	if _, err := w2.Commit(nil); err != nil {
		t.Errorf("Disjoint writes should not conflict, got %v", err)
	}

	// concurrent inserts into the same table conflict
	w1, _ = store.BeginWrite(context.Background())
	w2, _ = store.BeginWrite(context.Background())
	table(t, w1, "t").Insert(db.Row{"n": int64(4)})
	table(t, w2, "t").Insert(db.Row{"n": int64(5)})
	if _, err := w1.Commit(nil); err != nil {
		t.Errorf("Commit failed: %v", err)
	}
	if _, err := w2.Commit(nil); !errors.Is(err, db.ErrConflict) {
		t.Errorf("Expected ErrConflict for concurrent inserts, got %v", err)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	store := factory()
	defer store.Close()

	persister, ok := store.(db.Persister)
	if !ok {
		t.Skip()
	}

	numEntries := 1000
	keys := make([]db.RowKey, numEntries)
	write(t, store, func(snap db.Snapshot) {
		tbl := table(t, snap, "t")
		snap.CreateIndex("t", "mod")
		for i := 0; i < numEntries; i++ {
			keys[i], _ = tbl.Insert(db.Row{
				"i":    int64(i),
				"mod":  int64(i % 7),
				"s":    fmt.Sprintf("value-%d", i),
				"tags": []any{"a", int64(i)},
			})
		}
	})

	var buf bytes.Buffer
	if err := persister.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}

	store2 := factory()
	defer store2.Close()
	persister2 := store2.(db.Persister)
	if err := persister2.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}
	if store2.CurrentVersion() != store.CurrentVersion() {
		t.Errorf("Expected version %d after Load, got %d", store.CurrentVersion(), store2.CurrentVersion())
	}

	tbl, done := read(t, store2, "t")
	defer done()
	for i, key := range keys {
		row, exists := tbl.Get(key)
		if !exists {
			t.Errorf("Row %d not found after Load", key)
			continue
		}
		if row["s"] != fmt.Sprintf("value-%d", i) || !db.Equal(row["tags"], []any{"a", int64(i)}) {
			t.Errorf("Row mismatch for key %d: %v", key, row)
		}
	}
	if cols := tbl.Indexes(); len(cols) != 1 || cols[0] != "mod" {
		t.Errorf("Expected index on mod after Load, got %v", cols)
	}

	// loading requires a pristine store
	if err := persister2.Load(bytes.NewReader(buf.Bytes())); !errors.Is(err, db.ErrNotPristine) {
		t.Errorf("Expected ErrNotPristine, got %v", err)
	}

	// new keys never collide with loaded ones
	write(t, store2, func(snap db.Snapshot) {
		k, _ := table(t, snap, "t").Insert(db.Row{"i": int64(-1)})
		for _, key := range keys {
			if key == k {
				t.Errorf("Allocated key %d collides with a loaded row", k)
			}
		}
	})
}

func testRealisticUsage(t *testing.T, store db.Store) {
	defer store.Close()

	write(t, store, func(snap db.Snapshot) {
		table(t, snap, "counter").Put(1, db.Row{"n": int64(0)})
	})

	numWorkers := 8
	perWorker := 50
	var wg sync.WaitGroup
	var committed atomic.Int64
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					snap, err := store.BeginWrite(context.Background())
					if err != nil {
						t.Errorf("BeginWrite failed: %v", err)
						return
					}
					tbl, _ := snap.WriteTable("counter")
					row, _ := tbl.Get(1)
					tbl.Update(1, db.Row{"n": row["n"].(int64) + 1})
					tbl.Insert(db.Row{"log": int64(i)})
					_, err = snap.Commit(nil)
					if errors.Is(err, db.ErrConflict) {
						continue
					}
					if err != nil {
						t.Errorf("Commit failed: %v", err)
						return
					}
					committed.Add(1)
					break
				}
			}
		}()
	}

	// concurrent readers always see a consistent state
	stop := make(chan struct{})
	readersDone := make(chan struct{})
	go func() {
		defer close(readersDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := store.BeginRead()
			if err != nil {
				t.Errorf("BeginRead failed: %v", err)
				return
			}
			tbl, _ := snap.ReadTable("counter")
			row, _ := tbl.Get(1)
			if int(row["n"].(int64)) != tbl.Len()-1 {
				t.Errorf("Inconsistent snapshot: counter %d, log rows %d", row["n"], tbl.Len()-1)
			}
			snap.Close()
		}
	}()

	wg.Wait()
	close(stop)
	<-readersDone

	tbl, done := read(t, store, "counter")
	defer done()
	row, _ := tbl.Get(1)
	if row["n"] != int64(numWorkers*perWorker) || committed.Load() != int64(numWorkers*perWorker) {
		t.Errorf("Expected counter %d, got %v (%d commits)", numWorkers*perWorker, row["n"], committed.Load())
	}
}
