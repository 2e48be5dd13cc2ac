package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Schema Migration
// --------------------------------------------------------------------------

// Migration is handed to migration steps. Tx is a write transaction bound to
// the declared schema; it must not be committed or rolled back by the step.
type Migration struct {
	Tx        *Tx
	OldSchema *schema.Schema // on-disk schema before the migration
	From      uint64         // on-disk schema version
	To        uint64         // declared schema version
}

// OldValue returns the stored value of a property as it was before the
// migration, including properties that are removed by it.
func (m *Migration) OldValue(obj *Object, name string) (any, error) {
	row, err := obj.row()
	if err != nil {
		return nil, err
	}
	return db.Clone(row[name]), nil
}

// Rename copies the values of the old property from into the declared property
// to for every object of a type.
func (m *Migration) Rename(typeName, from, to string) error {
	os, err := m.Tx.objectSchema(typeName)
	if err != nil {
		return err
	}
	p, ok := os.Property(to)
	if !ok {
		return errorf(ErrCInvalidArgument, "type %s has no property %q", typeName, to)
	}
	tbl, err := m.Tx.writer(os)
	if err != nil {
		return err
	}
	for _, k := range tbl.Keys() {
		row, _ := tbl.Get(k)
		v, ok := row[from]
		if !ok {
			continue
		}
		if v != nil && p.Collection == schema.CollectionNone && !p.Kind.Matches(v) {
			return errorf(ErrCTypeMismatch, "cannot rename %s.%s to %s: %T is not %s", typeName, from, to, v, p.Type())
		}
		updated := cloneShallow(row)
		updated[to] = v
		if err := tbl.Update(k, updated); err != nil {
			return wrap(ErrCInternal, err, "rename %s.%s", typeName, from)
		}
	}
	m.Tx.seq++
	return nil
}

// migrate reconciles the persisted schema with the declared one. A pristine
// store is bootstrapped at version 0; otherwise all changes are applied in one
// write transaction that either commits completely or not at all.
func (s *Store) migrate() error {
	snap, err := s.engine.BeginRead()
	if err != nil {
		return wrap(ErrCInternal, err, "read schema metadata")
	}
	onDisk, err := schema.ReadMetadata(snap)
	snap.Close()
	if err != nil {
		return err
	}

	plan, err := schema.Plan(onDisk, s.schema, s.cfg.hasStep)
	if err != nil {
		return err
	}
	if onDisk != nil && plan.Empty() && onDisk.Version == s.schema.Version {
		log.Debugf("schema version %d is up to date", s.schema.Version)
		return nil
	}
	log.Infof("%s", plan)

	if onDisk == nil {
		err := s.engine.Bootstrap(func(w db.Snapshot) error {
			return s.applyPlan(w, plan, nil)
		})
		if !errors.Is(err, db.ErrNotPristine) {
			return err
		}
		// state was written without a schema, migrate it like any other store
	}

	w, err := s.engine.BeginWrite(context.Background())
	if err != nil {
		return wrap(ErrCInternal, err, "begin migration")
	}
	if err := s.applyPlan(w, plan, onDisk); err != nil {
		w.Rollback()
		return err
	}
	if _, err := w.Commit(nil); err != nil {
		return wrap(ErrCInternal, err, "commit migration")
	}
	return nil
}

// applyPlan runs a migration against a writable snapshot: additive changes,
// then the migration steps, then destructive changes and validation.
func (s *Store) applyPlan(w db.Snapshot, plan *schema.MigrationPlan, onDisk *schema.Schema) error {
	var removals, retyped []schema.Op
	pkChanged := map[string]bool{}

	for _, op := range plan.Ops {
		if err := s.applyOp(w, op); err != nil {
			return fmt.Errorf("migration: %s: %w", op, err)
		}
		switch op.Kind {
		case schema.OpRemoveProperty:
			removals = append(removals, op)
		case schema.OpChangePropertyType:
			retyped = append(retyped, op)
		case schema.OpChangePrimaryKey:
			pkChanged[op.Type] = true
		}
	}

	if onDisk != nil {
		if err := s.runSteps(w, onDisk); err != nil {
			return err
		}
	}

	for _, op := range removals {
		if err := dropColumn(w, op); err != nil {
			return fmt.Errorf("migration: %s: %w", op, err)
		}
	}
	for _, op := range retyped {
		if err := validateColumn(w, op); err != nil {
			return err
		}
	}
	for typeName := range pkChanged {
		o, _ := s.schema.Object(typeName)
		if err := checkUnique(w, o); err != nil {
			return err
		}
	}
	return schema.WriteMetadata(w, s.schema)
}

func (s *Store) applyOp(w db.Snapshot, op schema.Op) error {
	table := schema.TablePrefix + op.Type
	switch op.Kind {
	case schema.OpAddTable:
		if err := w.CreateTable(table); err != nil && !errors.Is(err, db.ErrTableExists) {
			return err
		}
		for _, p := range op.Object.Properties {
			if p.Indexed {
				if err := w.CreateIndex(table, p.Name); err != nil {
					return err
				}
			}
		}
		// the table may hold rows if the type was declared in an older version
		return fillColumns(w, table, op.Object.Properties)
	case schema.OpRemoveIndex:
		return w.DropIndex(table, op.Property.Name)
	case schema.OpAddIndex:
		return w.CreateIndex(table, op.Property.Name)
	case schema.OpAddProperty:
		return fillColumns(w, table, []schema.Property{op.Property})
	case schema.OpChangeNullability:
		if op.Property.Optional {
			return nil
		}
		return fillNulls(w, table, op.Property)
	}
	// type changes are left to the migration steps, removals run after them
	return nil
}

// runSteps runs the configured steps that lie within the migration, ordered by From.
func (s *Store) runSteps(w db.Snapshot, onDisk *schema.Schema) error {
	var steps []MigrationStep
	for _, m := range s.cfg.Migrations {
		if m.From >= onDisk.Version && m.To <= s.schema.Version {
			steps = append(steps, m)
		}
	}
	slices.SortStableFunc(steps, func(a, b MigrationStep) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		}
		return 0
	})
	if len(steps) == 0 {
		return nil
	}

	tx := newTx(s, w, TxWriteActive)
	tx.migration = true
	defer func() { tx.state = TxClosed }()

	for _, step := range steps {
		if step.Apply == nil {
			continue
		}
		log.Infof("running migration step %d -> %d", step.From, step.To)
		m := &Migration{Tx: tx, OldSchema: onDisk, From: onDisk.Version, To: s.schema.Version}
		if err := step.Apply(m); err != nil {
			return fmt.Errorf("migration step %d -> %d: %w", step.From, step.To, err)
		}
		if tx.state != TxWriteActive {
			return errorf(ErrCInvalidWrite, "migration step %d -> %d ended the migration transaction", step.From, step.To)
		}
	}
	return nil
}

// updateRows rewrites every row of a table for which fn reports a change.
func updateRows(w db.Snapshot, table string, fn func(row db.Row) (db.Row, bool)) error {
	tbl, err := w.WriteTable(table)
	if err != nil {
		return err
	}
	for _, k := range tbl.Keys() {
		row, _ := tbl.Get(k)
		if updated, ok := fn(row); ok {
			if err := tbl.Update(k, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

func fillColumns(w db.Snapshot, table string, props []schema.Property) error {
	return updateRows(w, table, func(row db.Row) (db.Row, bool) {
		var updated db.Row
		for _, p := range props {
			if _, ok := row[p.Name]; ok {
				continue
			}
			if updated == nil {
				updated = cloneShallow(row)
			}
			updated[p.Name] = p.ZeroValue()
		}
		return updated, updated != nil
	})
}

func fillNulls(w db.Snapshot, table string, p schema.Property) error {
	return updateRows(w, table, func(row db.Row) (db.Row, bool) {
		if row[p.Name] != nil {
			return nil, false
		}
		updated := cloneShallow(row)
		updated[p.Name] = p.ZeroValue()
		return updated, true
	})
}

func dropColumn(w db.Snapshot, op schema.Op) error {
	return updateRows(w, schema.TablePrefix+op.Type, func(row db.Row) (db.Row, bool) {
		if _, ok := row[op.Property.Name]; !ok {
			return nil, false
		}
		updated := cloneShallow(row)
		delete(updated, op.Property.Name)
		return updated, true
	})
}

// validateColumn checks that a migration step converted every value of a
// property whose type changed.
func validateColumn(w db.Snapshot, op schema.Op) error {
	tbl, err := w.ReadTable(schema.TablePrefix + op.Type)
	if err != nil {
		return err
	}
	p := op.Property
	for _, k := range tbl.Keys() {
		row, _ := tbl.Get(k)
		if !valueMatches(p, row[p.Name]) {
			return errorf(ErrCTypeMismatch, "migration left %s.%s of row %d as %T, want %s",
				op.Type, p.Name, k, row[p.Name], p.Type())
		}
	}
	return nil
}

func valueMatches(p schema.Property, v any) bool {
	switch p.Collection {
	case schema.CollectionList, schema.CollectionSet:
		list, ok := v.([]any)
		return ok && !slices.ContainsFunc(list, func(e any) bool { return !p.Kind.Matches(e) })
	case schema.CollectionDictionary:
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, e := range m {
			if !p.Kind.Matches(e) {
				return false
			}
		}
		return true
	}
	if v == nil {
		return p.Optional
	}
	return p.Kind.Matches(v)
}

// checkUnique verifies that a new primary key does not hold duplicates.
func checkUnique(w db.Snapshot, o *schema.ObjectSchema) error {
	pk, ok := o.PrimaryKeyProperty()
	if !ok {
		return nil
	}
	tbl, err := w.ReadTable(o.Table())
	if err != nil {
		return err
	}
	seen := make(map[string]db.RowKey, tbl.Len())
	for _, k := range tbl.Keys() {
		row, _ := tbl.Get(k)
		ik := db.IndexKey(row[pk.Name])
		if prev, dup := seen[ik]; dup {
			return errorf(ErrCConstraintViolation, "new primary key %s.%s is not unique (rows %d and %d hold %v)",
				o.Name, pk.Name, prev, k, row[pk.Name])
		}
		seen[ik] = k
	}
	return nil
}
