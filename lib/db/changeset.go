package db

import (
	"maps"
	"slices"
)

// --------------------------------------------------------------------------
// Change Sets
// --------------------------------------------------------------------------

// TableChange lists the rows of one table touched by a version transition.
// All key slices are sorted ascending.
type TableChange struct {
	Created  bool     `json:"created,omitempty"`
	Inserted []RowKey `json:"inserted,omitempty"`
	Modified []RowKey `json:"modified,omitempty"`
	Deleted  []RowKey `json:"deleted,omitempty"`
}

// WasInserted reports whether key was inserted.
func (t *TableChange) WasInserted(key RowKey) bool {
	if t == nil {
		return false
	}
	_, ok := slices.BinarySearch(t.Inserted, key)
	return ok
}

// WasModified reports whether key was modified.
func (t *TableChange) WasModified(key RowKey) bool {
	if t == nil {
		return false
	}
	_, ok := slices.BinarySearch(t.Modified, key)
	return ok
}

// WasDeleted reports whether key was deleted.
func (t *TableChange) WasDeleted(key RowKey) bool {
	if t == nil {
		return false
	}
	_, ok := slices.BinarySearch(t.Deleted, key)
	return ok
}

// Empty reports whether the table change carries no row or structure change.
func (t *TableChange) Empty() bool {
	return t == nil || (!t.Created && len(t.Inserted) == 0 && len(t.Modified) == 0 && len(t.Deleted) == 0)
}

// ChangeSet is the delta between two versions of a store.
type ChangeSet struct {
	From   Version                 `json:"from"`
	To     Version                 `json:"to"`
	Tables map[string]*TableChange `json:"tables,omitempty"`
}

// Table returns the change of one table or nil if it was not touched.
func (c *ChangeSet) Table(name string) *TableChange {
	if c == nil || c.Tables == nil {
		return nil
	}
	return c.Tables[name]
}

// Empty reports whether no table was touched.
func (c *ChangeSet) Empty() bool {
	if c == nil {
		return true
	}
	for _, t := range c.Tables {
		if !t.Empty() {
			return false
		}
	}
	return true
}

// TableNames returns the touched tables in sorted order.
func (c *ChangeSet) TableNames() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.Tables))
}

// --------------------------------------------------------------------------
// Change Set Builder
// --------------------------------------------------------------------------

// RowOp is the net effect of a version transition on one row.
type RowOp uint8

const (
	RowOpNone RowOp = iota
	RowOpInsert
	RowOpModify
	RowOpDelete
)

type tableOps struct {
	created bool
	rows    map[RowKey]RowOp
}

// ChangeBuilder folds per-commit row operations into a merged ChangeSet.
// Composition rules: insert+modify = insert, insert+delete = none,
// modify+delete = delete, delete+insert = modify.
type ChangeBuilder struct {
	from, to Version
	tables   map[string]*tableOps
}

// NewChangeBuilder starts a change set for the transition from -> to.
func NewChangeBuilder(from, to Version) *ChangeBuilder {
	return &ChangeBuilder{from: from, to: to, tables: make(map[string]*tableOps)}
}

func (b *ChangeBuilder) table(name string) *tableOps {
	t, ok := b.tables[name]
	if !ok {
		t = &tableOps{rows: make(map[RowKey]RowOp)}
		b.tables[name] = t
	}
	return t
}

// CreateTable records the creation of a table.
func (b *ChangeBuilder) CreateTable(name string) {
	b.table(name).created = true
}

// Record folds one row operation into the builder.
func (b *ChangeBuilder) Record(table string, key RowKey, op RowOp) {
	t := b.table(table)
	prev := t.rows[key]
	next := op
	switch prev {
	case RowOpInsert:
		switch op {
		case RowOpModify, RowOpInsert:
			next = RowOpInsert
		case RowOpDelete:
			next = RowOpNone
		}
	case RowOpModify:
		if op == RowOpInsert {
			next = RowOpModify
		}
	case RowOpDelete:
		if op == RowOpInsert || op == RowOpModify {
			next = RowOpModify
		}
	}
	if next == RowOpNone {
		delete(t.rows, key)
		return
	}
	t.rows[key] = next
}

// Merge folds a complete change set into the builder and extends its range.
func (b *ChangeBuilder) Merge(cs ChangeSet) {
	if cs.To > b.to {
		b.to = cs.To
	}
	for name, tc := range cs.Tables {
		if tc.Created {
			b.CreateTable(name)
		} else {
			b.table(name)
		}
		for _, k := range tc.Inserted {
			b.Record(name, k, RowOpInsert)
		}
		for _, k := range tc.Modified {
			b.Record(name, k, RowOpModify)
		}
		for _, k := range tc.Deleted {
			b.Record(name, k, RowOpDelete)
		}
	}
}

// Build returns the merged change set. Tables without a net effect are omitted.
func (b *ChangeBuilder) Build() ChangeSet {
	cs := ChangeSet{From: b.from, To: b.to, Tables: make(map[string]*TableChange, len(b.tables))}
	for name, t := range b.tables {
		tc := &TableChange{Created: t.created}
		for k, op := range t.rows {
			switch op {
			case RowOpInsert:
				tc.Inserted = append(tc.Inserted, k)
			case RowOpModify:
				tc.Modified = append(tc.Modified, k)
			case RowOpDelete:
				tc.Deleted = append(tc.Deleted, k)
			}
		}
		if tc.Empty() {
			continue
		}
		slices.Sort(tc.Inserted)
		slices.Sort(tc.Modified)
		slices.Sort(tc.Deleted)
		cs.Tables[name] = tc
	}
	return cs
}
