package store

import (
	"iter"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// SortKey orders results by one property.
type SortKey struct {
	Property  string
	Ascending bool
}

// Asc sorts by a property in ascending order.
func Asc(name string) SortKey { return SortKey{Property: name, Ascending: true} }

// Desc sorts by a property in descending order.
func Desc(name string) SortKey { return SortKey{Property: name} }

// Results is a lazily evaluated, live view of the objects of one type that
// match a predicate. It is re-evaluated when its transaction sees a new
// version or a local write; between those, repeated reads are served from a
// cache and stay stable.
//
// Errors in building the query (unknown type or property) are reported by the
// first method that evaluates it.
type Results struct {
	tx     *Tx
	schema *schema.ObjectSchema
	pred   Predicate
	sorts  []SortKey
	err    error

	iterErr error // error of the last iteration of All

	cached  bool
	version db.Version
	seq     uint64
	keys    []db.RowKey
}

func (r *Results) derive() *Results {
	return &Results{tx: r.tx, schema: r.schema, pred: r.pred, sorts: r.sorts, err: r.err}
}

// Type returns the object type name.
func (r *Results) Type() string {
	if r.schema == nil {
		return ""
	}
	return r.schema.Name
}

// Where returns a Results further filtered by p.
func (r *Results) Where(p Predicate) *Results {
	out := r.derive()
	if out.err != nil {
		return out
	}
	if p == nil {
		out.err = errorf(ErrCInvalidArgument, "nil predicate")
		return out
	}
	if err := p.validate(r.schema); err != nil {
		out.err = err
		return out
	}
	if r.pred == nil {
		out.pred = p
	} else {
		out.pred = And(r.pred, p)
	}
	return out
}

// Sorted returns a Results ordered by the given keys. Objects that compare
// equal keep their insertion order.
func (r *Results) Sorted(keys ...SortKey) *Results {
	out := r.derive()
	if out.err != nil {
		return out
	}
	for _, k := range keys {
		p, ok := r.schema.Property(k.Property)
		if !ok {
			out.err = errorf(ErrCInvalidArgument, "type %s has no property %q", r.schema.Name, k.Property)
			return out
		}
		if p.Collection != schema.CollectionNone {
			out.err = errorf(ErrCInvalidArgument, "cannot sort by collection %s.%s", r.schema.Name, k.Property)
			return out
		}
	}
	out.sorts = slices.Clone(keys)
	return out
}

// String describes the query.
func (r *Results) String() string {
	if r.schema == nil {
		return "invalid query"
	}
	s := r.schema.Name
	if r.pred != nil {
		s += " WHERE " + r.pred.String()
	}
	for i, k := range r.sorts {
		if i == 0 {
			s += " SORT("
		} else {
			s += ", "
		}
		s += k.Property
		if k.Ascending {
			s += " ASC"
		} else {
			s += " DESC"
		}
		if i == len(r.sorts)-1 {
			s += ")"
		}
	}
	return s
}

// evaluate computes the matching row keys in a snapshot.
func (r *Results) evaluate(snap db.Snapshot) ([]db.RowKey, error) {
	if !snap.HasTable(r.schema.Table()) {
		return nil, nil
	}
	tbl, err := snap.ReadTable(r.schema.Table())
	if err != nil {
		return nil, wrap(ErrCInternal, err, "read %s", r.schema.Name)
	}

	candidates := r.candidates(tbl)
	keys := make([]db.RowKey, 0, len(candidates))
	rows := make(map[db.RowKey]db.Row, len(candidates))
	for _, k := range candidates {
		row, ok := tbl.Get(k)
		if !ok {
			continue
		}
		if r.pred != nil && !r.pred.match(row) {
			continue
		}
		keys = append(keys, k)
		rows[k] = row
	}

	if len(r.sorts) > 0 {
		slices.SortStableFunc(keys, func(a, b db.RowKey) int {
			for _, s := range r.sorts {
				c := db.Compare(rows[a][s.Property], rows[b][s.Property])
				if c == 0 {
					continue
				}
				if !s.Ascending {
					c = -c
				}
				return c
			}
			return 0
		})
	}
	return keys, nil
}

// candidates narrows the scan to an index lookup if the predicate is an
// equality on an indexed property. Numbers are scanned since ints and
// doubles compare equal but index differently.
func (r *Results) candidates(tbl db.TableReader) []db.RowKey {
	if c, ok := r.pred.(*comparison); ok && c.op == opEq && c.args[0] != nil && !isNumber(c.args[0]) {
		if slices.Contains(tbl.Indexes(), c.prop) {
			keys := slices.Clone(tbl.Lookup(c.prop, c.args[0]))
			slices.Sort(keys)
			return keys
		}
	}
	return tbl.Keys()
}

// rowKeys returns the matching keys at the current state of the transaction.
func (r *Results) rowKeys() ([]db.RowKey, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := r.tx.checkActive(); err != nil {
		return nil, err
	}
	if r.cached && r.version == r.tx.Version() && r.seq == r.tx.seq {
		return r.keys, nil
	}
	keys, err := r.evaluate(r.tx.snap)
	if err != nil {
		return nil, err
	}
	r.keys, r.version, r.seq, r.cached = keys, r.tx.Version(), r.tx.seq, true
	return keys, nil
}

// Keys returns the row keys of the matching objects.
func (r *Results) Keys() ([]db.RowKey, error) {
	keys, err := r.rowKeys()
	return slices.Clone(keys), err
}

// Len returns the number of matching objects.
func (r *Results) Len() (int, error) {
	keys, err := r.rowKeys()
	return len(keys), err
}

// Count is an alias for Len.
func (r *Results) Count() (int, error) { return r.Len() }

// At returns the object at position i.
func (r *Results) At(i int) (*Object, error) {
	keys, err := r.rowKeys()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(keys) {
		return nil, outOfRange(i, len(keys))
	}
	return r.tx.object(r.schema, keys[i]), nil
}

// First returns the first object, nil if there is none.
func (r *Results) First() (*Object, error) {
	keys, err := r.rowKeys()
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return r.tx.object(r.schema, keys[0]), nil
}

// All iterates over the matching objects. Every iteration evaluates the
// query at the version the transaction is bound to when the loop starts. An
// iteration that fails yields nothing and is reported by Err.
func (r *Results) All() iter.Seq2[int, *Object] {
	return func(yield func(int, *Object) bool) {
		keys, err := r.rowKeys()
		r.iterErr = err
		if err != nil {
			return
		}
		keys = slices.Clone(keys)
		for i, k := range keys {
			if !yield(i, r.tx.object(r.schema, k)) {
				return
			}
		}
	}
}

// Err returns the error of building the query or, failing that, the error
// of the last iteration of All.
func (r *Results) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.iterErr
}

// DeleteAll deletes every matching object and returns how many were deleted.
func (r *Results) DeleteAll() (int, error) {
	if err := r.tx.checkWrite(); err != nil {
		return 0, err
	}
	keys, err := r.Keys()
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := r.tx.deleteRow(r.schema, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Observe registers cb for changes of the result set in later versions.
// Indices in the change refer to the old result (Deletions, Modifications)
// and the new result (Insertions, ModificationsNew).
func (r *Results) Observe(cb func(notify.CollectionChange)) (*notify.Token, error) {
	keys, err := r.Keys()
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []db.RowKey{}
	}
	frozen := r.derive()
	entity := notify.NewQueryEntity(r.schema.Table(), frozen.evaluate, keys)
	return r.tx.observe(entity, func(c notify.Change) {
		cb(c.(notify.CollectionChange))
	})
}

// --------------------------------------------------------------------------
// Aggregates
// --------------------------------------------------------------------------

func (r *Results) numeric(name string, dates bool) (schema.Property, error) {
	if r.err != nil {
		return schema.Property{}, r.err
	}
	p, ok := r.schema.Property(name)
	if !ok {
		return p, errorf(ErrCInvalidArgument, "type %s has no property %q", r.schema.Name, name)
	}
	switch {
	case p.Collection != schema.CollectionNone:
	case p.Kind == schema.KindInt, p.Kind == schema.KindDouble:
		return p, nil
	case dates && p.Kind == schema.KindDate:
		return p, nil
	}
	return p, errorf(ErrCInvalidArgument, "cannot aggregate %s.%s of type %s", r.schema.Name, name, p.Type())
}

// values returns the non-null values of a property over the matching objects.
func (r *Results) values(p schema.Property) ([]any, error) {
	keys, err := r.rowKeys()
	if err != nil {
		return nil, err
	}
	tbl, err := r.tx.reader(r.schema)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		row, _ := tbl.Get(k)
		if v := row[p.Name]; v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Results) extreme(name string, sign int) (any, error) {
	p, err := r.numeric(name, true)
	if err != nil {
		return nil, err
	}
	vals, err := r.values(p)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	best := vals[0]
	for _, v := range vals[1:] {
		if db.Compare(v, best)*sign > 0 {
			best = v
		}
	}
	return best, nil
}

// Min returns the smallest non-null value of an int, double or date property,
// nil if there is none.
func (r *Results) Min(name string) (any, error) { return r.extreme(name, -1) }

// Max returns the largest non-null value of an int, double or date property,
// nil if there is none.
func (r *Results) Max(name string) (any, error) { return r.extreme(name, 1) }

// Sum returns the sum of an int (int64) or double (float64) property.
func (r *Results) Sum(name string) (any, error) {
	p, err := r.numeric(name, false)
	if err != nil {
		return nil, err
	}
	vals, err := r.values(p)
	if err != nil {
		return nil, err
	}
	if p.Kind == schema.KindInt {
		var sum int64
		for _, v := range vals {
			sum += v.(int64)
		}
		return sum, nil
	}
	var sum float64
	for _, v := range vals {
		sum += v.(float64)
	}
	return sum, nil
}

// Average returns the mean of the non-null values of an int or double
// property. ok is false if there are none.
func (r *Results) Average(name string) (avg float64, ok bool, err error) {
	p, err := r.numeric(name, false)
	if err != nil {
		return 0, false, err
	}
	vals, err := r.values(p)
	if err != nil || len(vals) == 0 {
		return 0, false, err
	}
	var sum float64
	for _, v := range vals {
		switch x := v.(type) {
		case int64:
			sum += float64(x)
		case float64:
			sum += x
		}
	}
	return sum / float64(len(vals)), true, nil
}
