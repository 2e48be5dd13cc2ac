package changes

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, rows map[db.RowKey]db.Row) db.Store {
	t.Helper()
	s, err := maple.NewMapleStore("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	w, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.CreateTable("class_Person"))
	require.NoError(t, w.CreateTable("__schema"))
	tbl, err := w.WriteTable("class_Person")
	require.NoError(t, err)
	for k, row := range rows {
		require.NoError(t, tbl.Put(k, row))
	}
	_, err = w.Commit(nil)
	require.NoError(t, err)
	return s
}

func TestDiff(t *testing.T) {
	old := seed(t, map[db.RowKey]db.Row{
		1: {"name": "Ann", "age": int64(30)},
		2: {"name": "Bob", "age": int64(25)},
		3: {"name": "Cid", "age": int64(35)},
	})
	cur := seed(t, map[db.RowKey]db.Row{
		1: {"name": "Ann", "age": int64(30)},
		2: {"name": "Bob", "age": int64(26)},
		4: {"name": "Dan", "age": int64(40)},
	})

	cs, err := Diff(old, cur)
	require.NoError(t, err)
	want := map[string]*db.TableChange{
		"class_Person": {Inserted: []db.RowKey{4}, Modified: []db.RowKey{2}, Deleted: []db.RowKey{3}},
	}
	if diff := cmp.Diff(want, cs.Tables); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	cs, err = Diff(old, old)
	require.NoError(t, err)
	require.True(t, cs.Empty())
}
