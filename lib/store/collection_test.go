package store

import (
	"testing"

	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bagSchema(t *testing.T) *schema.Schema {
	return testSchema(t, 1, schema.Describe("Bag",
		schema.ListOf(schema.KindInt, "numbers"),
		schema.SetOf(schema.KindString, "tags"),
		schema.DictionaryOf(schema.KindDouble, "weights"),
	))
}

func listValues(t *testing.T, l *List) []any {
	t.Helper()
	values, err := l.Values()
	require.NoError(t, err)
	return values
}

func TestList(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})

	write(t, s, func(tx *Tx) {
		bag := create(t, tx, "Bag", map[string]any{"numbers": []int{1, 2}})
		l, err := bag.List("numbers")
		require.NoError(t, err)

		require.NoError(t, l.Append(3, 4))
		require.NoError(t, l.Insert(0, 0))
		assert.Equal(t, []any{int64(0), int64(1), int64(2), int64(3), int64(4)}, listValues(t, l))

		require.NoError(t, l.Move(0, 4))
		assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(0)}, listValues(t, l))

		require.NoError(t, l.Set(1, 20))
		require.NoError(t, l.RemoveAt(0))
		require.NoError(t, l.PopBack())
		assert.Equal(t, []any{int64(20), int64(3), int64(4)}, listValues(t, l))

		i, err := l.Find(4)
		require.NoError(t, err)
		assert.Equal(t, 2, i)
		ok, err := l.Contains(99)
		require.NoError(t, err)
		assert.False(t, ok)

		var seen []any
		for idx, v := range l.All() {
			assert.Equal(t, len(seen), idx)
			seen = append(seen, v)
		}
		assert.Equal(t, listValues(t, l), seen)

		_, err = l.At(3)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.ErrorIs(t, l.Insert(5, 1), ErrInvalidArgument)
		assert.ErrorIs(t, l.Append("x"), ErrTypeMismatch)
		assert.ErrorIs(t, l.Append(nil), ErrTypeMismatch)

		require.NoError(t, l.Clear())
		n, err := l.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, l.PopBack())
	})
}

func TestLinkList(t *testing.T) {
	s := openStore(t, DefaultConfig())

	write(t, s, func(tx *Tx) {
		rex := create(t, tx, "Dog", map[string]any{"name": "Rex"})
		p := create(t, tx, "Person", map[string]any{"id": 1})
		dogs, err := p.List("dogs")
		require.NoError(t, err)

		require.NoError(t, dogs.Append(rex))
		assert.ErrorIs(t, dogs.Append(p), ErrTypeMismatch)

		got, err := dogs.At(0)
		require.NoError(t, err)
		assert.True(t, got.(*Object).Equal(rex))
		i, err := dogs.Find(rex)
		require.NoError(t, err)
		assert.Zero(t, i)

		_, err = p.List("tags")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestMutableSet(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})

	write(t, s, func(tx *Tx) {
		bag := create(t, tx, "Bag", map[string]any{"tags": []string{"a", "b", "a"}})
		tags, err := bag.MutableSet("tags")
		require.NoError(t, err)

		n, err := tags.Len()
		require.NoError(t, err)
		assert.Equal(t, 2, n, "duplicates are dropped on create")

		added, err := tags.Add("c")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = tags.Add("a")
		require.NoError(t, err)
		assert.False(t, added)

		removed, err := tags.Remove("b")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = tags.Remove("zzz")
		require.NoError(t, err)
		assert.False(t, removed)

		var elems []any
		for v := range tags.All() {
			elems = append(elems, v)
		}
		assert.Equal(t, []any{"a", "c"}, elems)

		ok, err := tags.Contains("c")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, tags.Clear())
		n, err = tags.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDictionary(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})

	write(t, s, func(tx *Tx) {
		bag := create(t, tx, "Bag", map[string]any{"weights": map[string]float64{"flour": 0.5}})
		d, err := bag.Dictionary("weights")
		require.NoError(t, err)

		require.NoError(t, d.Put("sugar", 0.25))
		require.NoError(t, d.Put("flour", 1))

		v, ok, err := d.Get("flour")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, float64(1), v)

		_, ok, err = d.Get("salt")
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := d.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"flour", "sugar"}, keys)

		deleted, err := d.Delete("flour")
		require.NoError(t, err)
		assert.True(t, deleted)

		entries := map[string]any{}
		for k, v := range d.All() {
			entries[k] = v
		}
		assert.Equal(t, map[string]any{"sugar": 0.25}, entries)

		assert.ErrorIs(t, d.Put("bad", "heavy"), ErrTypeMismatch)
		require.NoError(t, d.Clear())
		n, err := d.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestObserveList(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Bag", map[string]any{"numbers": []int{1, 2, 3}})
	})

	changes := make(chan notify.CollectionChange, 8)
	read(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		_, err = l.Observe(func(c notify.CollectionChange) { changes <- c })
		require.NoError(t, err)
	})

	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		require.NoError(t, l.RemoveAt(0))
		require.NoError(t, l.Append(4))
	})

	c := receive(t, changes)
	assert.Equal(t, []int{0}, c.Deletions)
	assert.Equal(t, []int{2}, c.Insertions)

	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		require.NoError(t, bag.Delete())
	})
	c = receive(t, changes)
	assert.True(t, c.RootDeleted)
}

func TestObserveListSet(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Bag", map[string]any{"numbers": []int{123, 456}})
	})

	changes := make(chan notify.CollectionChange, 8)
	read(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		_, err = l.Observe(func(c notify.CollectionChange) { changes <- c })
		require.NoError(t, err)
	})

	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		require.NoError(t, l.Set(1, 345))
	})

	c := receive(t, changes)
	assert.Equal(t, []int{1}, c.Modifications)
	assert.Equal(t, []int{1}, c.ModificationsNew)
	assert.Empty(t, c.Deletions)
	assert.Empty(t, c.Insertions)

	// a rotation keeps the length but is not an in place replacement
	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		require.NoError(t, l.Move(0, 1))
	})
	c = receive(t, changes)
	assert.Empty(t, c.Modifications)
	assert.NotEmpty(t, c.Deletions)
	assert.NotEmpty(t, c.Insertions)
}

func TestCollectionAllFollowsTheTransaction(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Bag", map[string]any{
			"numbers": []int{1},
			"tags":    []string{"a"},
			"weights": map[string]float64{"a": 1},
		})
	})

	r, err := s.BeginRead()
	require.NoError(t, err)
	bag, err := r.Objects("Bag").First()
	require.NoError(t, err)
	l, err := bag.List("numbers")
	require.NoError(t, err)
	tags, err := bag.MutableSet("tags")
	require.NoError(t, err)
	d, err := bag.Dictionary("weights")
	require.NoError(t, err)

	count := func() (n int) {
		for range l.All() {
			n++
		}
		for range tags.All() {
			n++
		}
		for range d.All() {
			n++
		}
		return n
	}
	assert.Equal(t, 3, count())

	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		l, err := bag.List("numbers")
		require.NoError(t, err)
		require.NoError(t, l.Append(2))
		tags, err := bag.MutableSet("tags")
		require.NoError(t, err)
		_, err = tags.Add("b")
		require.NoError(t, err)
		d, err := bag.Dictionary("weights")
		require.NoError(t, err)
		require.NoError(t, d.Put("b", 2.0))
	})
	require.NoError(t, r.Refresh())
	assert.Equal(t, 6, count())
	require.NoError(t, l.Err())
	require.NoError(t, tags.Err())
	require.NoError(t, d.Err())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, count())
	assert.ErrorIs(t, l.Err(), ErrStaleAccessor)
	assert.ErrorIs(t, tags.Err(), ErrStaleAccessor)
	assert.ErrorIs(t, d.Err(), ErrStaleAccessor)
}

func TestObserveDictionary(t *testing.T) {
	s := openStore(t, Config{Schema: bagSchema(t)})
	write(t, s, func(tx *Tx) {
		create(t, tx, "Bag", map[string]any{"weights": map[string]any{"a": 1.0, "b": 2.0}})
	})

	changes := make(chan notify.CollectionChange, 8)
	read(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		d, err := bag.Dictionary("weights")
		require.NoError(t, err)
		_, err = d.Observe(func(c notify.CollectionChange) { changes <- c })
		require.NoError(t, err)
	})

	write(t, s, func(tx *Tx) {
		bag, err := tx.Objects("Bag").First()
		require.NoError(t, err)
		d, err := bag.Dictionary("weights")
		require.NoError(t, err)
		require.NoError(t, d.Put("c", 3.0))
		_, err = d.Delete("a")
		require.NoError(t, err)
	})

	c := receive(t, changes)
	assert.Equal(t, []string{"a"}, c.DeletedKeys)
	assert.Equal(t, []string{"c"}, c.InsertedKeys)
	assert.Empty(t, c.ModifiedKeys)
}
