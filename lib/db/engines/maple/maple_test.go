package maple

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	key := make([]byte, keyLength)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

// chainLen returns the number of retained versions of a row.
func (s *mapleStore) chainLen(table string, key db.RowKey) (int, bool) {
	tbl, ok := s.tables.Load(table)
	if !ok {
		return 0, false
	}
	chain, ok := tbl.Rows.Load(key)
	if !ok {
		return 0, false
	}
	return chain.Len(), true
}

func commitRows(t *testing.T, store db.Store, table string, rows ...db.Row) []db.RowKey {
	t.Helper()
	snap, err := store.BeginWrite(context.Background())
	require.NoError(t, err)
	if !snap.HasTable(table) {
		require.NoError(t, snap.CreateTable(table))
	}
	tbl, err := snap.WriteTable(table)
	require.NoError(t, err)
	var keys []db.RowKey
	for _, row := range rows {
		k, err := tbl.Insert(row)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	_, err = snap.Commit(nil)
	require.NoError(t, err)
	return keys
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.maple")

	store, err := NewMapleStore(path, nil, nil)
	require.NoError(t, err)
	keys := commitRows(t, store, "people", db.Row{"name": "Ada", "born": time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, store.Close())

	reopened, err := NewMapleStore(path, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, db.Version(1), reopened.CurrentVersion())
	snap, err := reopened.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	tbl, err := snap.ReadTable("people")
	require.NoError(t, err)
	row, ok := tbl.Get(keys[0])
	require.True(t, ok)
	assert.Equal(t, "Ada", row["name"])
	assert.True(t, row["born"].(time.Time).Equal(time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)))
}

func TestEncryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.maple")

	store, err := NewMapleStore(path, testKey(1), nil)
	require.NoError(t, err)
	commitRows(t, store, "secrets", db.Row{"value": "top secret"})
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("top secret")), "payload must be sealed")

	t.Run("correct key", func(t *testing.T) {
		s, err := NewMapleStore(path, testKey(1), nil)
		require.NoError(t, err)
		assert.Equal(t, db.Version(1), s.CurrentVersion())
		require.NoError(t, s.Close())
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := NewMapleStore(path, testKey(2), nil)
		assert.ErrorIs(t, err, db.ErrInvalidKey)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := NewMapleStore(path, nil, nil)
		assert.ErrorIs(t, err, db.ErrInvalidKey)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := NewMapleStore(path, []byte("too short"), nil)
		assert.ErrorIs(t, err, db.ErrInvalidKey)
	})
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.maple")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a store"), 0o600))

	_, err := NewMapleStore(path, nil, nil)
	assert.ErrorIs(t, err, db.ErrCorrupt)
}

func TestGarbageCollection(t *testing.T) {
	opts := DefaultOptions()
	opts.GCInterval = time.Millisecond
	store, err := NewMapleStore("", nil, opts)
	require.NoError(t, err)
	defer store.Close()
	ms := store.(*mapleStore)

	keys := commitRows(t, store, "t", db.Row{"v": int64(0)})
	pinned, err := store.BeginRead()
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		snap, err := store.BeginWrite(context.Background())
		require.NoError(t, err)
		tbl, _ := snap.WriteTable("t")
		require.NoError(t, tbl.Update(keys[0], db.Row{"v": int64(i)}))
		_, err = snap.Commit(nil)
		require.NoError(t, err)
	}

	// the pinned snapshot keeps its version alive
	time.Sleep(20 * time.Millisecond)
	old, err := store.BeginReadAt(pinned.Version())
	require.NoError(t, err)
	old.Close()
	tbl, _ := pinned.ReadTable("t")
	row, _ := tbl.Get(keys[0])
	assert.Equal(t, int64(0), row["v"])
	require.NoError(t, pinned.Close())

	require.Eventually(t, func() bool {
		n, ok := ms.chainLen("t", keys[0])
		return ok && n == 1
	}, time.Second, 5*time.Millisecond, "old row versions should be pruned")

	_, err = store.BeginReadAt(1)
	assert.ErrorIs(t, err, db.ErrVersionUnavailable)
}

func TestDeletedRowsAreCollected(t *testing.T) {
	opts := DefaultOptions()
	opts.GCInterval = time.Millisecond
	store, err := NewMapleStore("", nil, opts)
	require.NoError(t, err)
	defer store.Close()
	ms := store.(*mapleStore)

	keys := commitRows(t, store, "t", db.Row{"v": int64(0)})
	snap, err := store.BeginWrite(context.Background())
	require.NoError(t, err)
	tbl, _ := snap.WriteTable("t")
	require.NoError(t, tbl.Delete(keys[0]))
	_, err = snap.Commit(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := ms.chainLen("t", keys[0])
		return !ok
	}, time.Second, 5*time.Millisecond, "deleted rows should be removed")
}

func TestChangeLogLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxChangeLog = 2
	store, err := NewMapleStore("", nil, opts)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 4; i++ {
		commitRows(t, store, "t", db.Row{"i": int64(i)})
	}

	_, err = store.ChangeSetSince(1)
	assert.ErrorIs(t, err, db.ErrVersionUnavailable)

	cs, err := store.ChangeSetSince(2)
	require.NoError(t, err)
	assert.Len(t, cs.Table("t").Inserted, 2)
}

func TestRowKeysCarryReplicaID(t *testing.T) {
	opts := DefaultOptions()
	opts.ReplicaID = 7
	store, err := NewMapleStore("", nil, opts)
	require.NoError(t, err)
	defer store.Close()

	keys := commitRows(t, store, "t", db.Row{})
	assert.Equal(t, uint64(7), uint64(keys[0])>>replicaShift)

	// explicitly written keys of this replica are never handed out again
	explicit := db.RowKey(uint64(7)<<replicaShift | 100)
	snap, err := store.BeginWrite(context.Background())
	require.NoError(t, err)
	tbl, _ := snap.WriteTable("t")
	require.NoError(t, tbl.Put(explicit, db.Row{}))
	next, err := tbl.Insert(db.Row{})
	require.NoError(t, err)
	assert.Greater(t, uint64(next), uint64(explicit))
	_, err = snap.Commit(nil)
	require.NoError(t, err)
}

func TestGetInfo(t *testing.T) {
	store, err := NewMapleStore("", nil, nil)
	require.NoError(t, err)
	defer store.Close()

	commitRows(t, store, "a", db.Row{"x": "1"}, db.Row{"x": "2"})
	commitRows(t, store, "b", db.Row{"x": "3"})

	info := store.GetInfo()
	assert.Equal(t, db.ImplMaple, info.DbType)
	assert.Equal(t, 2, info.Tables)
	assert.Equal(t, 3, info.Rows)
	assert.Equal(t, db.Version(2), info.Version)
	assert.Equal(t, int64(2), info.Metadata["commits"])
	assert.False(t, store.SupportsFeature(db.FeaturePersistence))
	assert.True(t, store.SupportsFeature(db.FeatureHistory|db.FeatureChangeSets))
}

func TestPersistFailureUndoesCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing", "store.maple")

	store, err := NewMapleStore(path, nil, nil)
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.CreateTable("t"))
	tbl, _ := snap.WriteTable("t")
	_, err = tbl.Insert(db.Row{"v": int64(1)})
	require.NoError(t, err)

	_, err = snap.Commit(nil)
	require.Error(t, err)
	assert.Equal(t, db.Version(0), store.CurrentVersion())

	read, err := store.BeginRead()
	require.NoError(t, err)
	defer read.Close()
	assert.False(t, read.HasTable("t"))
}
