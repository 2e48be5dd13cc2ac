package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/ValentinKolb/dObj/lib/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openReplica(t *testing.T, replicaID uint16, maxLog int) *store.Store {
	t.Helper()
	sch, err := schema.Register(1, schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age"),
	))
	require.NoError(t, err)

	opts := maple.DefaultOptions()
	opts.ReplicaID = replicaID
	opts.MaxChangeLog = maxLog
	cfg := store.DefaultConfig()
	cfg.Engine = maple.Factory(opts)
	cfg.Schema = sch

	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *store.Store, name string, age int) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), func(tx *store.Tx) error {
		if p, err := tx.Find("Person", name); err != nil || p != nil {
			if err != nil {
				return err
			}
			return p.Set("age", age)
		}
		_, err := tx.Create("Person", map[string]any{"name": name, "age": age})
		return err
	}))
}

func remove(t *testing.T, s *store.Store, name string) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), func(tx *store.Tx) error {
		p, err := tx.Find("Person", name)
		if err != nil || p == nil {
			return err
		}
		return p.Delete()
	}))
}

// ages returns name -> age of all persons.
func ages(t *testing.T, s *store.Store) map[string]int {
	t.Helper()
	out := map[string]int{}
	require.NoError(t, s.Read(func(tx *store.Tx) error {
		for _, p := range tx.Objects("Person").All() {
			name, err := store.Get[string](p, "name")
			if err != nil {
				return err
			}
			age, err := store.Get[int](p, "age")
			if err != nil {
				return err
			}
			out[name] = age
		}
		return nil
	}))
	return out
}

func TestBatchSerialize(t *testing.T) {
	batch := &bridge.Batch{
		Origin: uuid.New(),
		From:   3,
		To:     7,
		Mutations: []bridge.Mutation{
			{Op: bridge.MutationCreateTable, Table: "class_Person", Indexes: []string{"name"}},
			{Op: bridge.MutationPut, Table: "class_Person", Key: 42, Row: db.Row{
				"name": "Ann",
				"age":  int64(30),
				"nick": nil,
				"tags": []any{"a", "b"},
				"dog":  db.Link(9),
			}},
			{Op: bridge.MutationDelete, Table: "class_Person", Key: 43},
		},
	}

	data, err := batch.Serialize()
	require.NoError(t, err)

	var got bridge.Batch
	require.NoError(t, got.Deserialize(data))
	if diff := cmp.Diff(*batch, got); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}

	full := &bridge.Batch{Origin: uuid.New(), To: 1, Full: true}
	data, err = full.Serialize()
	require.NoError(t, err)
	got = bridge.Batch{}
	require.NoError(t, got.Deserialize(data))
	assert.True(t, got.Full)
	assert.True(t, got.Empty())
}

func TestBatchDeserializeRejectsBadInput(t *testing.T) {
	batch := &bridge.Batch{Mutations: []bridge.Mutation{{Op: bridge.MutationDelete, Table: "class_Person", Key: 1}}}
	data, err := batch.Serialize()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", data[:10]},
		{"truncated mutation", data[:len(data)-3]},
		{"trailing bytes", append(append([]byte{}, data...), 0)},
		{"bad magic", append([]byte("NOPE"), data[4:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bridge.Batch
			assert.Error(t, b.Deserialize(tt.data))
		})
	}
}

func TestCollectAndIntegrate(t *testing.T) {
	src := openReplica(t, 1, 0)
	dst := openReplica(t, 2, 0)
	ctx := context.Background()

	changes := make(chan notify.CollectionChange, 4)
	require.NoError(t, dst.Read(func(tx *store.Tx) error {
		_, err := tx.Objects("Person").Observe(func(c notify.CollectionChange) { changes <- c })
		return err
	}))

	put(t, src, "Ann", 30)
	put(t, src, "Bob", 25)

	batch, err := bridge.Collect(src, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, src.ID(), batch.Origin)
	assert.Equal(t, db.Version(2), batch.To)
	assert.False(t, batch.Full)
	assert.Len(t, batch.Mutations, 2)

	v, err := bridge.Integrate(ctx, dst, batch)
	require.NoError(t, err)
	assert.Equal(t, dst.CurrentVersion(), v)
	assert.Equal(t, map[string]int{"Ann": 30, "Bob": 25}, ages(t, dst))

	select {
	case c := <-changes:
		assert.Equal(t, []int{0, 1}, c.Insertions)
	case <-time.After(2 * time.Second):
		t.Fatal("integration did not notify observers")
	}

	// net effect only: Bob is modified and deleted, Cid inserted
	put(t, src, "Bob", 26)
	remove(t, src, "Bob")
	put(t, src, "Cid", 35)
	batch, err = bridge.Collect(src, 2, nil)
	require.NoError(t, err)
	ops := map[bridge.MutationOp]int{}
	for _, m := range batch.Mutations {
		ops[m.Op]++
	}
	assert.Equal(t, map[bridge.MutationOp]int{bridge.MutationPut: 1, bridge.MutationDelete: 1}, ops)

	_, err = bridge.Integrate(ctx, dst, batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Ann": 30, "Cid": 35}, ages(t, dst))

	// integrating twice changes nothing
	_, err = bridge.Integrate(ctx, dst, batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Ann": 30, "Cid": 35}, ages(t, dst))
}

func TestCollectSkipsVersions(t *testing.T) {
	src := openReplica(t, 1, 0)
	put(t, src, "Ann", 30)
	put(t, src, "Bob", 25)

	skip := bridge.NewVersionSet()
	skip.Add(1)
	batch, err := bridge.Collect(src, 0, skip)
	require.NoError(t, err)
	require.Len(t, batch.Mutations, 1)
	assert.Equal(t, "Bob", batch.Mutations[0].Row["name"])

	skip.Forget(1)
	assert.Zero(t, skip.Len())

	batch, err = bridge.Collect(src, 2, nil)
	require.NoError(t, err)
	assert.True(t, batch.Empty())
}

func TestCollectFallsBackToFullBatch(t *testing.T) {
	src := openReplica(t, 1, 1)
	dst := openReplica(t, 2, 0)
	put(t, src, "Ann", 30)
	put(t, src, "Bob", 25)
	put(t, src, "Cid", 35)

	batch, err := bridge.Collect(src, 0, nil)
	require.NoError(t, err)
	assert.True(t, batch.Full)

	_, err = bridge.Integrate(context.Background(), dst, batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Ann": 30, "Bob": 25, "Cid": 35}, ages(t, dst))
}

func TestIntegrateRejectsMetadata(t *testing.T) {
	dst := openReplica(t, 2, 0)
	before := dst.CurrentVersion()

	_, err := bridge.Integrate(context.Background(), dst, &bridge.Batch{Mutations: []bridge.Mutation{
		{Op: bridge.MutationPut, Table: "class_Person", Key: 1, Row: db.Row{"name": "Ann", "age": int64(1)}},
		{Op: bridge.MutationPut, Table: schema.MetadataTable, Key: 1, Row: db.Row{}},
	}})
	assert.Error(t, err)
	assert.Equal(t, before, dst.CurrentVersion(), "a rejected batch is rolled back")
	assert.Empty(t, ages(t, dst))
}
