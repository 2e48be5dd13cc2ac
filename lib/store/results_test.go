package store

import (
	"iter"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed stores five persons: Ann 30, Bob 25, Cid 35, Dan 25, Eve 40.
func seed(t *testing.T, s *Store) {
	t.Helper()
	people := []struct {
		name string
		age  int
		nick any
		tags []string
	}{
		{"Ann", 30, "Annie", []string{"admin"}},
		{"Bob", 25, nil, nil},
		{"Cid", 35, "C", []string{"admin", "ops"}},
		{"Dan", 25, nil, []string{"ops"}},
		{"Eve", 40, nil, nil},
	}
	write(t, s, func(tx *Tx) {
		for i, p := range people {
			create(t, tx, "Person", map[string]any{
				"id":       i + 1,
				"name":     p.name,
				"age":      p.age,
				"nickname": p.nick,
				"tags":     p.tags,
			})
		}
	})
}

func names(t *testing.T, r *Results) []string {
	t.Helper()
	var out []string
	n, err := r.Len()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		obj, err := r.At(i)
		require.NoError(t, err)
		name, err := Get[string](obj, "name")
		require.NoError(t, err)
		out = append(out, name)
	}
	return out
}

func TestResultsWhere(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	read(t, s, func(tx *Tx) {
		people := tx.Objects("Person")
		tests := []struct {
			name string
			pred Predicate
			want []string
		}{
			{"eq indexed", Prop("name").Eq("Bob"), []string{"Bob"}},
			{"eq", Prop("age").Eq(25), []string{"Bob", "Dan"}},
			{"eq double arg", Prop("age").Eq(25.0), []string{"Bob", "Dan"}},
			{"ne", Prop("age").Ne(25), []string{"Ann", "Cid", "Eve"}},
			{"ge", Prop("age").Ge(35), []string{"Cid", "Eve"}},
			{"lt", Prop("age").Lt(30), []string{"Bob", "Dan"}},
			{"begins with", Prop("name").BeginsWith("E"), []string{"Eve"}},
			{"contains substring", Prop("name").Contains("i"), []string{"Cid"}},
			{"contains element", Prop("tags").Contains("ops"), []string{"Cid", "Dan"}},
			{"in", Prop("id").In(1, 3, 99), []string{"Ann", "Cid"}},
			{"is null", Prop("nickname").IsNull(), []string{"Bob", "Dan", "Eve"}},
			{"not", Not(Prop("nickname").IsNull()), []string{"Ann", "Cid"}},
			{"and", And(Prop("age").Le(30), Prop("tags").Contains("ops")), []string{"Dan"}},
			{"or", Or(Prop("age").Gt(35), Prop("name").Eq("Ann")), []string{"Ann", "Eve"}},
			{"empty and", And(), []string{"Ann", "Bob", "Cid", "Dan", "Eve"}},
			{"empty or", Or(), nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, names(t, people.Where(tt.pred)))
			})
		}

		chained := people.Where(Prop("age").Ge(30)).Where(Prop("tags").Contains("admin"))
		assert.Equal(t, []string{"Ann", "Cid"}, names(t, chained))
		assert.Equal(t, `Person WHERE (age >= 30 AND tags CONTAINS "admin")`, chained.String())
	})
}

func TestResultsSorted(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	read(t, s, func(tx *Tx) {
		people := tx.Objects("Person")
		assert.Equal(t, []string{"Eve", "Cid", "Ann", "Bob", "Dan"}, names(t, people.Sorted(Desc("age"))))
		assert.Equal(t, []string{"Dan", "Bob", "Ann", "Cid", "Eve"}, names(t, people.Sorted(Asc("age"), Desc("name"))))
		assert.Equal(t, []string{"Bob", "Dan"}, names(t, people.Sorted(Asc("age")).Where(Prop("age").Lt(30))))
	})
}

func TestResultsErrors(t *testing.T) {
	s := openStore(t, DefaultConfig())

	read(t, s, func(tx *Tx) {
		_, err := tx.Objects("Nope").Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = tx.Objects("Person").Where(Prop("shoe").Eq(1)).Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = tx.Objects("Person").Where(Prop("age").BeginsWith("1")).Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = tx.Objects("Person").Where(Prop("age").Eq(struct{}{})).Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = tx.Objects("Person").Sorted(Asc("tags")).Len()
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = tx.Objects("Person").At(0)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestResultsAggregates(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	read(t, s, func(tx *Tx) {
		people := tx.Objects("Person")

		count, err := people.Count()
		require.NoError(t, err)
		assert.Equal(t, 5, count)

		minAge, err := people.Min("age")
		require.NoError(t, err)
		assert.Equal(t, int64(25), minAge)

		maxAge, err := people.Max("age")
		require.NoError(t, err)
		assert.Equal(t, int64(40), maxAge)

		sum, err := people.Sum("age")
		require.NoError(t, err)
		assert.Equal(t, int64(155), sum)

		avg, ok, err := people.Average("age")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 31.0, avg, 1e-9)

		none := people.Where(Prop("age").Gt(100))
		minAge, err = none.Min("age")
		require.NoError(t, err)
		assert.Nil(t, minAge)
		_, ok, err = none.Average("age")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = people.Sum("name")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestResultsFollowTheTransaction(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	r, err := s.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	people := r.Objects("Person")
	n, err := people.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 6, "name": "Fay"})
	})

	n, err = people.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n, "results are stable until the transaction advances")

	require.NoError(t, r.Refresh())
	n, err = people.Len()
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	write(t, s, func(tx *Tx) {
		adults := tx.Objects("Person").Where(Prop("age").Ge(18))
		n, err := adults.Len()
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		create(t, tx, "Person", map[string]any{"id": 7, "name": "Gus", "age": 50})
		n, err = adults.Len()
		require.NoError(t, err)
		assert.Equal(t, 6, n, "local writes are visible")
	})
}

func keysOf(seq iter.Seq2[int, *Object]) []db.RowKey {
	var keys []db.RowKey
	for _, obj := range seq {
		keys = append(keys, obj.Key())
	}
	return keys
}

func TestResultsAllReevaluates(t *testing.T) {
	s := openStore(t, DefaultConfig())
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 1, "name": "Ann"})
	})

	r, err := s.BeginRead()
	require.NoError(t, err)
	people := r.Objects("Person")
	seq := people.All()
	assert.Len(t, keysOf(seq), 1)

	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 2, "name": "Bob"})
	})
	require.NoError(t, r.Refresh())

	assert.Len(t, keysOf(seq), 2, "the same sequence follows the refreshed transaction")
	require.NoError(t, people.Err())

	require.NoError(t, r.Close())
	assert.Empty(t, keysOf(seq))
	assert.ErrorIs(t, people.Err(), ErrStaleAccessor)
	assert.Empty(t, keysOf(r.Objects("Person").All()))
}

func TestResultsIterationIsStable(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	read(t, s, func(tx *Tx) {
		tests := []struct {
			name string
			r    *Results
		}{
			{"unsorted", tx.Objects("Person")},
			{"filtered", tx.Objects("Person").Where(Prop("age").Le(30))},
			{"sorted with ties", tx.Objects("Person").Sorted(Asc("age"))},
			{"sorted descending with ties", tx.Objects("Person").Where(Prop("age").Lt(40)).Sorted(Desc("age"))},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				first := keysOf(tt.r.All())
				second := keysOf(tt.r.All())
				require.NoError(t, tt.r.Err())
				assert.NotEmpty(t, first)
				assert.Equal(t, first, second)

				keys, err := tt.r.Keys()
				require.NoError(t, err)
				assert.Equal(t, first, keys)
			})
		}
	})
}

func TestResultsDeleteAll(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	write(t, s, func(tx *Tx) {
		deleted, err := tx.Objects("Person").Where(Prop("age").Eq(25)).DeleteAll()
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})
	read(t, s, func(tx *Tx) {
		assert.Equal(t, []string{"Ann", "Cid", "Eve"}, names(t, tx.Objects("Person")))
	})
}

func TestObserveResultsOncePerVersion(t *testing.T) {
	s := openStore(t, DefaultConfig())
	seed(t, s)

	changes := make(chan notify.CollectionChange, 16)
	read(t, s, func(tx *Tx) {
		_, err := tx.Objects("Person").Where(Prop("age").Ge(30)).Observe(func(c notify.CollectionChange) {
			changes <- c
		})
		require.NoError(t, err)
	})

	for i := 0; i < 3; i++ {
		write(t, s, func(tx *Tx) {
			create(t, tx, "Person", map[string]any{"id": 10 + i, "age": 60})
		})
	}
	for i := 0; i < 3; i++ {
		c := receive(t, changes)
		assert.Equal(t, c.From+1, c.To)
		assert.Equal(t, []int{3 + i}, c.Insertions)
	}

	// a commit that leaves the result unchanged is not reported
	write(t, s, func(tx *Tx) {
		create(t, tx, "Person", map[string]any{"id": 20, "age": 10})
	})
	write(t, s, func(tx *Tx) {
		require.NoError(t, find(t, tx, "Person", 1).Set("age", 31))
	})
	last := s.CurrentVersion()

	c := receive(t, changes)
	assert.Equal(t, last, c.To)
	assert.Equal(t, last-1, c.From)
	assert.Equal(t, []int{0}, c.Modifications)
	assert.Empty(t, c.Insertions)
	assert.Empty(t, c.Deletions)
	assert.Equal(t, db.Version(6), last)
}
