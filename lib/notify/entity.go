package notify

import (
	"errors"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
)

// --------------------------------------------------------------------------
// Observed Entities
// --------------------------------------------------------------------------

// Entity is an observed entity (an object, a query or a collection property).
// Diff computes the change of the entity for the transition old -> new; ok is
// false if nothing observable changed. cs is nil if the engine no longer
// retains the change set of the transition.
//
// Thread-safety: Diff is only called by the dispatcher worker; entities may
// keep state between calls.
type Entity interface {
	Diff(old, new db.Snapshot, cs *db.ChangeSet) (change Change, ok bool, err error)
}

// readRow reads a row, treating a missing table as a missing row.
func readRow(snap db.Snapshot, table string, key db.RowKey) (db.Row, bool, error) {
	tbl, err := snap.ReadTable(table)
	if errors.Is(err, db.ErrNoSuchTable) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	row, ok := tbl.Get(key)
	return row, ok, nil
}

// touched reports whether the transition may have changed the row.
func touched(cs *db.ChangeSet, table string, key db.RowKey) bool {
	if cs == nil {
		return true
	}
	tc := cs.Table(table)
	return tc.WasModified(key) || tc.WasDeleted(key) || tc.WasInserted(key)
}

// ObjectEntity observes one row. Properties limits the compared properties
// (all when empty).
type ObjectEntity struct {
	Table      string
	Key        db.RowKey
	Properties []string
}

func (e *ObjectEntity) Diff(old, new db.Snapshot, cs *db.ChangeSet) (Change, bool, error) {
	if !touched(cs, e.Table, e.Key) {
		return nil, false, nil
	}
	before, existed, err := readRow(old, e.Table, e.Key)
	if err != nil || !existed {
		return nil, false, err
	}
	change := ObjectChange{From: old.Version(), To: new.Version()}

	after, exists, err := readRow(new, e.Table, e.Key)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		change.Deleted = true
		return change, true, nil
	}

	change.Properties = DiffObject(before, after, e.Properties)
	return change, len(change.Properties) > 0, nil
}

// QueryEntity observes the ordered result of a query. Evaluate is called at the
// new version of every transition that touched Table. Rows present in both results that were modified are reported as
// modifications.
type QueryEntity struct {
	Table    string
	Evaluate func(snap db.Snapshot) ([]db.RowKey, error)

	prev   []db.RowKey
	primed bool
}

// NewQueryEntity creates a query entity whose result at registration time is already known.
func NewQueryEntity(table string, evaluate func(db.Snapshot) ([]db.RowKey, error), initial []db.RowKey) *QueryEntity {
	return &QueryEntity{Table: table, Evaluate: evaluate, prev: initial, primed: initial != nil}
}

func (e *QueryEntity) relevant(cs *db.ChangeSet) bool {
	return cs == nil || !cs.Table(e.Table).Empty()
}

func (e *QueryEntity) Diff(old, new db.Snapshot, cs *db.ChangeSet) (Change, bool, error) {
	if e.primed && !e.relevant(cs) {
		return nil, false, nil
	}
	if !e.primed {
		prev, err := e.Evaluate(old)
		if err != nil {
			return nil, false, err
		}
		e.prev, e.primed = prev, true
		if !e.relevant(cs) {
			return nil, false, nil
		}
	}

	cur, err := e.Evaluate(new)
	if err != nil {
		return nil, false, err
	}

	tc := cs.Table(e.Table)
	prev := e.prev
	change := DiffSequence(prev, cur, func(i, _ int) bool {
		return cs == nil || tc.WasModified(prev[i])
	})
	change.From, change.To = old.Version(), new.Version()
	e.prev = cur
	return change, !change.Empty(), nil
}

// ListEntity observes a list or set property of one row. Target is the table of
// the linked type for link collections, empty for collections of values.
type ListEntity struct {
	Table    string
	Key      db.RowKey
	Property string
	Target   string
}

func (e *ListEntity) Diff(old, new db.Snapshot, cs *db.ChangeSet) (Change, bool, error) {
	targetChange := (*db.TableChange)(nil)
	if e.Target != "" {
		targetChange = cs.Table(e.Target)
	}
	if !touched(cs, e.Table, e.Key) && targetChange.Empty() {
		return nil, false, nil
	}

	before, existed, err := readRow(old, e.Table, e.Key)
	if err != nil || !existed {
		return nil, false, err
	}
	after, exists, err := readRow(new, e.Table, e.Key)
	if err != nil {
		return nil, false, err
	}

	oldList, _ := before[e.Property].([]any)
	change := CollectionChange{From: old.Version(), To: new.Version()}
	if !exists {
		change.RootDeleted = true
		for i := range oldList {
			change.Deletions = append(change.Deletions, i)
		}
		return change, true, nil
	}
	newList, _ := after[e.Property].([]any)

	diff := DiffSequence(elementKeys(oldList), elementKeys(newList), func(_, j int) bool {
		link, isLink := newList[j].(db.Link)
		if !isLink {
			return false
		}
		return cs == nil || targetChange.WasModified(db.RowKey(link))
	})
	if e.Target == "" && len(oldList) == len(newList) {
		diff = replacedInPlace(diff)
	}
	diff.From, diff.To = change.From, change.To
	return diff, !diff.Empty(), nil
}

// replacedInPlace reports values that were overwritten at their position as
// modifications. It only applies when every deletion is matched by an
// insertion at the same index, so moves stay deletions and insertions.
func replacedInPlace(c CollectionChange) CollectionChange {
	if len(c.Deletions) == 0 || !slices.Equal(c.Deletions, c.Insertions) {
		return c
	}
	c.Modifications = append(c.Modifications, c.Deletions...)
	c.ModificationsNew = append(c.ModificationsNew, c.Insertions...)
	slices.Sort(c.Modifications)
	slices.Sort(c.ModificationsNew)
	c.Modifications = slices.Compact(c.Modifications)
	c.ModificationsNew = slices.Compact(c.ModificationsNew)
	c.Deletions, c.Insertions = nil, nil
	return c
}

func elementKeys(list []any) []string {
	keys := make([]string, len(list))
	for i, v := range list {
		keys[i] = db.IndexKey(v)
	}
	return keys
}

// DictionaryEntity observes a dictionary property of one row. Target is the
// table of the linked type for dictionaries of links.
type DictionaryEntity struct {
	Table    string
	Key      db.RowKey
	Property string
	Target   string
}

func (e *DictionaryEntity) Diff(old, new db.Snapshot, cs *db.ChangeSet) (Change, bool, error) {
	targetChange := (*db.TableChange)(nil)
	if e.Target != "" {
		targetChange = cs.Table(e.Target)
	}
	if !touched(cs, e.Table, e.Key) && targetChange.Empty() {
		return nil, false, nil
	}

	before, existed, err := readRow(old, e.Table, e.Key)
	if err != nil || !existed {
		return nil, false, err
	}
	after, exists, err := readRow(new, e.Table, e.Key)
	if err != nil {
		return nil, false, err
	}

	oldMap, _ := before[e.Property].(map[string]any)
	if !exists {
		change := CollectionChange{From: old.Version(), To: new.Version(), RootDeleted: true}
		for k := range oldMap {
			change.DeletedKeys = append(change.DeletedKeys, k)
		}
		slices.Sort(change.DeletedKeys)
		return change, true, nil
	}
	newMap, _ := after[e.Property].(map[string]any)

	diff := DiffDictionary(oldMap, newMap, func(k string) bool {
		link, isLink := newMap[k].(db.Link)
		if !isLink {
			return false
		}
		return cs == nil || targetChange.WasModified(db.RowKey(link))
	})
	diff.From, diff.To = old.Version(), new.Version()
	return diff, !diff.Empty(), nil
}
