package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

func dogSchema() *schema.ObjectSchema {
	return schema.Describe("Dog",
		schema.String("name"),
		schema.Int("age"),
	)
}

func personSchema() *schema.ObjectSchema {
	return schema.Describe("Person",
		schema.Int("id", schema.PrimaryKey()),
		schema.String("name", schema.Indexed()),
		schema.Int("age"),
		schema.String("nickname", schema.Optional()),
		schema.Link("dog", "Dog"),
		schema.ListOf(schema.KindObject, "dogs", schema.Target("Dog")),
		schema.SetOf(schema.KindString, "tags"),
		schema.DictionaryOf(schema.KindInt, "scores"),
	)
}

func testSchema(t *testing.T, version uint64, descs ...*schema.ObjectSchema) *schema.Schema {
	t.Helper()
	if len(descs) == 0 {
		descs = []*schema.ObjectSchema{personSchema(), dogSchema()}
	}
	s, err := schema.Register(version, descs...)
	require.NoError(t, err)
	return s
}

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Schema == nil {
		cfg.Schema = testSchema(t, 1)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func optimistic() db.StoreFactory {
	opts := maple.DefaultOptions()
	opts.WriteMode = maple.WriteOptimistic
	return maple.Factory(opts)
}

// write runs fn in a committed write transaction.
func write(t *testing.T, s *Store, fn func(tx *Tx)) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	}))
}

// read runs fn in a read transaction.
func read(t *testing.T, s *Store, fn func(tx *Tx)) {
	t.Helper()
	require.NoError(t, s.Read(func(tx *Tx) error {
		fn(tx)
		return nil
	}))
}

func create(t *testing.T, tx *Tx, typeName string, values map[string]any) *Object {
	t.Helper()
	obj, err := tx.Create(typeName, values)
	require.NoError(t, err)
	return obj
}

func find(t *testing.T, tx *Tx, typeName string, pk any) *Object {
	t.Helper()
	obj, err := tx.Find(typeName, pk)
	require.NoError(t, err)
	require.NotNil(t, obj, "%s %v not found", typeName, pk)
	return obj
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
	}
	var zero T
	return zero
}

// --------------------------------------------------------------------------
// Store tests
// --------------------------------------------------------------------------

func TestOpenBootstrapsAtVersionZero(t *testing.T) {
	s := openStore(t, DefaultConfig())

	assert.Equal(t, db.Version(0), s.CurrentVersion())
	read(t, s, func(tx *Tx) {
		assert.Equal(t, TxReadActive, tx.State())
		n, err := tx.Objects("Person").Len()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestOpenRequiresSchema(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInsertAndReadBack(t *testing.T) {
	sch := testSchema(t, 1, schema.Describe("Person",
		schema.Int("id", schema.PrimaryKey()),
		schema.String("name"),
		schema.Int("age"),
	))
	s := openStore(t, Config{Schema: sch})

	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 1, "name": "Ann", "age": 30})
	})
	assert.Equal(t, db.Version(1), s.CurrentVersion())

	read(t, s, func(tx *Tx) {
		assert.Equal(t, db.Version(1), tx.Version())
		age, err := Get[int](find(t, tx, "Person", 1), "age")
		require.NoError(t, err)
		assert.Equal(t, 30, age)
	})
}

func TestConcurrentWritersConflict(t *testing.T) {
	s := openStore(t, Config{Engine: optimistic()})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 1, "name": "Ann"})
	})

	ctx := context.Background()
	w1, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	w2, err := s.BeginWrite(ctx)
	require.NoError(t, err)

	require.NoError(t, find(t, w1, "Person", 1).Set("age", 31))
	require.NoError(t, find(t, w2, "Person", 1).Set("age", 32))

	require.NoError(t, w1.Commit())
	err = w2.Commit()
	assert.ErrorIs(t, err, ErrTransaction)
	assert.Equal(t, TxRolledBack, w2.State())

	read(t, s, func(tx *Tx) {
		age, err := Get[int64](find(t, tx, "Person", 1), "age")
		require.NoError(t, err)
		assert.Equal(t, int64(31), age)
	})
}

func TestWriteRetriesConflicts(t *testing.T) {
	s := openStore(t, Config{Engine: optimistic(), WriteRetries: 2})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 1, "name": "Ann"})
	})

	attempts := 0
	err := s.Write(context.Background(), func(tx *Tx) error {
		attempts++
		if err := find(t, tx, "Person", 1).Set("age", 50); err != nil {
			return err
		}
		if attempts == 1 {
			other, err := s.BeginWrite(context.Background())
			require.NoError(t, err)
			require.NoError(t, find(t, other, "Person", 1).Set("age", 60))
			require.NoError(t, other.Commit())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	read(t, s, func(tx *Tx) {
		age, err := Get[int](find(t, tx, "Person", 1), "age")
		require.NoError(t, err)
		assert.Equal(t, 50, age)
	})

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `dobj_write_retries_total{store="`+s.ID().String()+`"} 1`)
	assert.Contains(t, buf.String(), `dobj_conflicts_total{store="`+s.ID().String()+`"} 1`)
}

func TestWriteRollsBackOnError(t *testing.T) {
	s := openStore(t, DefaultConfig())
	boom := errors.New("boom")

	err := s.Write(context.Background(), func(tx *Tx) error {
		create(t, tx, "Person", map[string]any{"id": 1})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, db.Version(0), s.CurrentVersion())

	read(t, s, func(tx *Tx) {
		obj, err := tx.Find("Person", 1)
		require.NoError(t, err)
		assert.Nil(t, obj)
	})
}

func TestWriteRollsBackOnPanic(t *testing.T) {
	s := openStore(t, DefaultConfig())

	assert.Panics(t, func() {
		_ = s.Write(context.Background(), func(tx *Tx) error {
			create(t, tx, "Person", map[string]any{"id": 1})
			panic("boom")
		})
	})

	// the writer lock must be free again
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Write(ctx, func(tx *Tx) error {
		obj, err := tx.Find("Person", 1)
		require.NoError(t, err)
		assert.Nil(t, obj)
		return nil
	}))
}

func TestTransactionLifecycle(t *testing.T) {
	s := openStore(t, DefaultConfig())

	tx, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	assert.True(t, tx.Writable())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, TxRolledBack, tx.State())
	assert.ErrorIs(t, tx.Commit(), ErrInvalidWrite)
	require.NoError(t, tx.Close())
	assert.Equal(t, TxClosed, tx.State())

	r, err := s.BeginRead()
	require.NoError(t, err)
	assert.ErrorIs(t, r.Commit(), ErrInvalidWrite)
	require.NoError(t, r.Rollback())
	assert.Equal(t, TxClosed, r.State())

	_, err = r.Objects("Person").Len()
	assert.ErrorIs(t, err, ErrStaleAccessor)
}

func TestReopenPersistedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.maple")
	sch := testSchema(t, 1)

	s, err := Open(Config{Path: path, Schema: sch})
	require.NoError(t, err)
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 7, "name": "Gus"})
	})
	require.NoError(t, s.Close())

	s = openStore(t, Config{Path: path, Schema: sch})
	assert.Equal(t, db.Version(1), s.CurrentVersion())
	read(t, s, func(tx *Tx) {
		name, err := Get[string](find(t, tx, "Person", 7), "name")
		require.NoError(t, err)
		assert.Equal(t, "Gus", name)
	})
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Config{Schema: testSchema(t, 1)})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.BeginRead()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.BeginWrite(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schema = testSchema(t, 3)
	out := cfg.String()
	assert.Contains(t, out, "(volatile)")
	assert.Contains(t, out, "Dog, Person")
	assert.Contains(t, out, "Write Retries")
}
