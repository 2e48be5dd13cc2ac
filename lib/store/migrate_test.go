package store

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personV1() *schema.ObjectSchema {
	return schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age"),
		schema.String("nick"),
	)
}

// seedV1 creates a persisted store at schema version 1 holding Ann (30) and Bob (25).
func seedV1(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "people.maple")
	s, err := Open(Config{Path: path, Schema: testSchema(t, 1, personV1())})
	require.NoError(t, err)
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"name": "Ann", "age": 30, "nick": "A"})
		create(t, tx, "Person", map[string]any{"name": "Bob", "age": 25, "nick": "B"})
	})
	require.NoError(t, s.Close())
	return path
}

func storedSchema(t *testing.T, s *Store) *schema.Schema {
	t.Helper()
	snap, err := s.Engine().BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	sch, err := schema.ReadMetadata(snap)
	require.NoError(t, err)
	return sch
}

func TestFreshStoreStoresSchema(t *testing.T) {
	s := openStore(t, DefaultConfig())
	sch := storedSchema(t, s)
	require.NotNil(t, sch)
	assert.Equal(t, uint64(1), sch.Version)
	assert.Equal(t, []string{"Dog", "Person"}, sch.Names())
}

func TestMigrationAddsProperties(t *testing.T) {
	path := seedV1(t)

	v2 := schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age"),
		schema.String("nick"),
		schema.String("email", schema.Optional()),
		schema.String("country", schema.Default("DE")),
	)
	s := openStore(t, Config{Path: path, Schema: testSchema(t, 2, v2)})
	assert.Equal(t, uint64(2), storedSchema(t, s).Version)

	read(t, s, func(tx *Tx) {
		ann := find(t, tx, "Person", "Ann")
		values, err := ann.Values()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"name":    "Ann",
			"age":     int64(30),
			"nick":    "A",
			"email":   nil,
			"country": "DE",
		}, values)
	})
}

func TestMigrationNeedsVersionBump(t *testing.T) {
	path := seedV1(t)

	changed := schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age"),
		schema.String("nick"),
		schema.String("email", schema.Optional()),
	)
	_, err := Open(Config{Path: path, Schema: testSchema(t, 1, changed)})
	assert.ErrorIs(t, err, schema.ErrVersion)

	_, err = Open(Config{Path: path, Schema: testSchema(t, 0, personV1())})
	assert.ErrorIs(t, err, schema.ErrVersion, "downgrades are refused")
}

func personAgeAsString() *schema.ObjectSchema {
	return schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.String("age"),
		schema.String("nick"),
	)
}

func TestMigrationTypeChange(t *testing.T) {
	path := seedV1(t)
	sch := testSchema(t, 2, personAgeAsString())

	_, err := Open(Config{Path: path, Schema: sch})
	assert.ErrorIs(t, err, schema.ErrTypeConflict, "a type change needs a step")

	steps := []MigrationStep{{From: 1, To: 2, Apply: func(m *Migration) error {
		for _, p := range m.Tx.Objects("Person").All() {
			old, err := m.OldValue(p, "age")
			if err != nil {
				return err
			}
			if err := p.Set("age", strconv.FormatInt(old.(int64), 10)); err != nil {
				return err
			}
		}
		return nil
	}}}
	s := openStore(t, Config{Path: path, Schema: sch, Migrations: steps})

	read(t, s, func(tx *Tx) {
		age, err := Get[string](find(t, tx, "Person", "Bob"), "age")
		require.NoError(t, err)
		assert.Equal(t, "25", age)
	})
}

func TestMigrationFailureKeepsOldState(t *testing.T) {
	path := seedV1(t)
	sch := testSchema(t, 2, personAgeAsString())
	boom := errors.New("boom")

	tests := []struct {
		name  string
		apply func(m *Migration) error
		want  error
	}{
		{"step fails", func(*Migration) error { return boom }, boom},
		{"values left unconverted", func(*Migration) error { return nil }, ErrTypeMismatch},
		{"step commits", func(m *Migration) error { return m.Tx.Commit() }, ErrInvalidWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(Config{Path: path, Schema: sch, Migrations: []MigrationStep{{From: 1, To: 2, Apply: tt.apply}}})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	s := openStore(t, Config{Path: path, Schema: testSchema(t, 1, personV1())})
	assert.Equal(t, uint64(1), storedSchema(t, s).Version)
	assert.Equal(t, db.Version(1), s.CurrentVersion())
	read(t, s, func(tx *Tx) {
		age, err := Get[int](find(t, tx, "Person", "Ann"), "age")
		require.NoError(t, err)
		assert.Equal(t, 30, age)
	})
}

func TestMigrationRenameAndRemove(t *testing.T) {
	path := seedV1(t)

	v2 := schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age", schema.Indexed()),
		schema.String("nickname"),
	)
	steps := []MigrationStep{{From: 1, To: 2, Apply: func(m *Migration) error {
		return m.Rename("Person", "nick", "nickname")
	}}}
	s := openStore(t, Config{Path: path, Schema: testSchema(t, 2, v2), Migrations: steps})

	read(t, s, func(tx *Tx) {
		values, err := find(t, tx, "Person", "Bob").Values()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Bob", "age": int64(25), "nickname": "B"}, values)

		n, err := tx.Objects("Person").Where(Prop("nick").Eq("B")).Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Zero(t, n)

		tbl, err := tx.snap.ReadTable(v2.Table())
		require.NoError(t, err)
		assert.Contains(t, tbl.Indexes(), "age")
		for _, k := range tbl.Keys() {
			row, _ := tbl.Get(k)
			assert.NotContains(t, row, "nick")
		}
	})
}

func TestMigrationNewPrimaryKeyMustBeUnique(t *testing.T) {
	path := seedV1(t)

	byAge := schema.Describe("Person",
		schema.String("name"),
		schema.Int("age", schema.PrimaryKey()),
		schema.String("nick"),
	)
	steps := []MigrationStep{{From: 1, To: 2, Apply: func(m *Migration) error {
		for _, p := range m.Tx.Objects("Person").All() {
			if err := p.Set("age", 25); err != nil {
				return err
			}
		}
		return nil
	}}}
	_, err := Open(Config{Path: path, Schema: testSchema(t, 2, byAge), Migrations: steps})
	assert.ErrorIs(t, err, ErrConstraintViolation)

	s := openStore(t, Config{Path: path, Schema: testSchema(t, 2, byAge)})
	read(t, s, func(tx *Tx) {
		name, err := Get[string](find(t, tx, "Person", 25), "name")
		require.NoError(t, err)
		assert.Equal(t, "Bob", name)
	})
}
