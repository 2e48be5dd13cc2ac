package testing

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
)

// RunStoreBenchmarks runs all benchmarks for a db.Store implementation
func RunStoreBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Insert", func(b *testing.B) {
		benchmarkInsert(b, factory())
	})

	b.Run("InsertBatch", func(b *testing.B) {
		benchmarkInsertBatch(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("Lookup", func(b *testing.B) {
		benchmarkLookup(b, factory())
	})

	b.Run("ChangeSet", func(b *testing.B) {
		benchmarkChangeSet(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// fill inserts n rows into table t and returns their keys
func fill(b *testing.B, store db.Store, n int) []db.RowKey {
	b.Helper()
	keys := make([]db.RowKey, 0, n)
	write(b, store, func(snap db.Snapshot) {
		tbl := table(b, snap, "t")
		snap.CreateIndex("t", "mod")
		for i := 0; i < n; i++ {
			k, _ := tbl.Insert(db.Row{"i": int64(i), "mod": int64(i % 100), "s": fmt.Sprintf("value-%d", i)})
			keys = append(keys, k)
		}
	})
	return keys
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for a commit with a single insert
func benchmarkInsert(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		write(b, store, func(snap db.Snapshot) {
			table(b, snap, "t").Insert(db.Row{"i": int64(i)})
		})
	}
}

// Benchmark for a commit with 1000 inserts
func benchmarkInsertBatch(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		write(b, store, func(snap db.Snapshot) {
			tbl := table(b, snap, "t")
			for j := 0; j < 1000; j++ {
				tbl.Insert(db.Row{"i": int64(j)})
			}
		})
	}
}

// Benchmark for reading rows by key from parallel read snapshots
func benchmarkGet(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	keys := fill(b, store, 10_000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		snap, _ := store.BeginRead()
		defer snap.Close()
		tbl, _ := snap.ReadTable("t")
		counter := 0
		for pb.Next() {
			tbl.Get(keys[counter%len(keys)])
			counter++
		}
	})
}

// Benchmark for indexed equality lookups
func benchmarkLookup(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureIndexes)
	fill(b, store, 10_000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		snap, _ := store.BeginRead()
		defer snap.Close()
		tbl, _ := snap.ReadTable("t")
		counter := 0
		for pb.Next() {
			tbl.Lookup("mod", int64(counter%100))
			counter++
		}
	})
}

// Benchmark for merging the change sets of 100 commits
func benchmarkChangeSet(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureChangeSets)
	keys := fill(b, store, 1000)
	from := store.CurrentVersion()
	for i := 0; i < 100; i++ {
		write(b, store, func(snap db.Snapshot) {
			tbl := table(b, snap, "t")
			for j := 0; j < 10; j++ {
				tbl.Update(keys[rand.Intn(len(keys))], db.Row{"i": int64(j)})
			}
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.ChangeSetSince(from); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for Save and Load operations
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	store := factory()

	b.Cleanup(func() {
		store.Close()
	})

	persister, ok := store.(db.Persister)
	if !ok {
		b.Skip()
	}
	fill(b, store, 10_000)

	var buf bytes.Buffer
	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf.Reset()
			if err := persister.Save(&buf); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		data := buf.Bytes()
		for i := 0; i < b.N; i++ {
			b.StopTimer()
			target := factory()
			b.StartTimer()
			if err := target.(db.Persister).Load(bytes.NewReader(data)); err != nil {
				b.Fatal(err)
			}
			b.StopTimer()
			target.Close()
			b.StartTimer()
		}
	})
}

// Benchmark for a realistic mix of reads and small commits
func benchmarkMixedUsage(b *testing.B, store db.Store) {

	b.Cleanup(func() {
		store.Close()
	})

	keys := fill(b, store, 1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			if r.Intn(10) < 8 {
				snap, _ := store.BeginRead()
				tbl, _ := snap.ReadTable("t")
				tbl.Get(keys[r.Intn(len(keys))])
				snap.Close()
				continue
			}
			snap, err := store.BeginWrite(context.Background())
			if err != nil {
				continue
			}
			tbl, _ := snap.WriteTable("t")
			tbl.Update(keys[r.Intn(len(keys))], db.Row{"i": r.Int63()})
			snap.Commit(nil)
		}
	})
}
