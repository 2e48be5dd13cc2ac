package store

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Transaction Context
// --------------------------------------------------------------------------

// TxState is the lifecycle state of a transaction.
type TxState uint8

const (
	TxClosed TxState = iota
	TxReadActive
	TxWriteActive
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxClosed:
		return "Closed"
	case TxReadActive:
		return "ReadActive"
	case TxWriteActive:
		return "WriteActive"
	case TxCommitted:
		return "Committed"
	case TxRolledBack:
		return "RolledBack"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Tx is a transaction context: a snapshot of one version plus every accessor
// created from it. All accessors become stale the moment the transaction ends.
//
// Thread-safety: a transaction and its accessors must be used by one goroutine
// at a time. Use ThreadSafeReference to hand objects to other transactions.
type Tx struct {
	store *Store
	snap  db.Snapshot
	state TxState
	seq   uint64 // bumped on every mutation, part of the Results cache key

	migration bool // commit is driven by the migration
}

func newTx(s *Store, snap db.Snapshot, state TxState) *Tx {
	return &Tx{store: s, snap: snap, state: state}
}

// State returns the lifecycle state.
func (tx *Tx) State() TxState { return tx.state }

// Version returns the version the transaction reads. For write transactions
// this is the version the transaction started from.
func (tx *Tx) Version() db.Version { return tx.snap.Version() }

// Writable reports whether the transaction accepts mutations.
func (tx *Tx) Writable() bool { return tx.state == TxWriteActive }

// Schema returns the declared schema of the store.
func (tx *Tx) Schema() *schema.Schema { return tx.store.schema }

func (tx *Tx) active() bool {
	return tx.state == TxReadActive || tx.state == TxWriteActive
}

func (tx *Tx) checkActive() error {
	if !tx.active() {
		return errorf(ErrCStaleAccessor, "transaction is %s", tx.state)
	}
	return nil
}

func (tx *Tx) checkWrite() error {
	if tx.state != TxWriteActive {
		return errorf(ErrCInvalidWrite, "cannot modify objects in a %s transaction", tx.state)
	}
	return nil
}

// Commit installs all mutations as a new version. It fails with a
// TransactionError (errors.Is(err, ErrTransaction)) if a concurrent write
// conflicted; the transaction is rolled back in that case and must be retried.
func (tx *Tx) Commit() error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if tx.migration {
		return errorf(ErrCInvalidWrite, "migration transactions are committed by the store")
	}

	v, err := tx.snap.Commit(tx.store.published)
	if err != nil {
		tx.state = TxRolledBack
		if errors.Is(err, db.ErrConflict) {
			tx.store.conflicts.Inc()
			return wrap(ErrCTransaction, err, "commit on version %d", tx.snap.Version())
		}
		return wrap(ErrCInternal, err, "commit")
	}
	tx.state = TxCommitted
	tx.store.requestUpload(v - 1)
	return nil
}

// Rollback discards all mutations. It always succeeds; on read transactions it
// is the same as Close.
func (tx *Tx) Rollback() error {
	switch tx.state {
	case TxWriteActive:
		if err := tx.snap.Rollback(); err != nil {
			log.Warningf("rollback: %v", err)
		}
		tx.state = TxRolledBack
	case TxReadActive:
		tx.Close()
	}
	return nil
}

// Close ends the transaction. Open write transactions are rolled back.
func (tx *Tx) Close() error {
	switch tx.state {
	case TxWriteActive:
		tx.Rollback()
	case TxReadActive:
		if err := tx.snap.Close(); err != nil {
			log.Warningf("close read snapshot: %v", err)
		}
	}
	tx.state = TxClosed
	return nil
}

// Refresh advances a read transaction to the latest version. Accessors created
// from the transaction stay valid and read the new version; objects deleted in
// the meantime become stale.
func (tx *Tx) Refresh() error {
	if tx.state != TxReadActive {
		return errorf(ErrCInvalidArgument, "only read transactions can be refreshed (transaction is %s)", tx.state)
	}
	snap, err := tx.store.engine.BeginRead()
	if err != nil {
		return wrap(ErrCInternal, err, "refresh")
	}
	tx.snap.Close()
	tx.snap = snap
	return nil
}

// --------------------------------------------------------------------------
// Objects
// --------------------------------------------------------------------------

func (tx *Tx) objectSchema(typeName string) (*schema.ObjectSchema, error) {
	o, ok := tx.store.schema.Object(typeName)
	if !ok {
		return nil, errorf(ErrCInvalidArgument, "unknown type %q", typeName)
	}
	return o, nil
}

func (tx *Tx) reader(os *schema.ObjectSchema) (db.TableReader, error) {
	tbl, err := tx.snap.ReadTable(os.Table())
	if err != nil {
		return nil, wrap(ErrCInternal, err, "read %s", os.Name)
	}
	return tbl, nil
}

func (tx *Tx) writer(os *schema.ObjectSchema) (db.TableWriter, error) {
	if err := tx.checkWrite(); err != nil {
		return nil, err
	}
	tbl, err := tx.snap.WriteTable(os.Table())
	if err != nil {
		return nil, wrap(ErrCInternal, err, "write %s", os.Name)
	}
	return tbl, nil
}

func (tx *Tx) object(os *schema.ObjectSchema, key db.RowKey) *Object {
	return &Object{tx: tx, schema: os, key: key}
}

// Create inserts a new object. Properties missing from values get their
// declared default (or the zero value of their type).
func (tx *Tx) Create(typeName string, values map[string]any) (*Object, error) {
	os, err := tx.objectSchema(typeName)
	if err != nil {
		return nil, err
	}
	tbl, err := tx.writer(os)
	if err != nil {
		return nil, err
	}
	for name := range values {
		if _, ok := os.Property(name); !ok {
			return nil, errorf(ErrCInvalidArgument, "type %s has no property %q", os.Name, name)
		}
	}

	row := make(db.Row, len(os.Properties))
	for _, p := range os.Properties {
		v, given := values[p.Name]
		if !given {
			row[p.Name] = p.ZeroValue()
			continue
		}
		nv, err := tx.normalize(os, p, v)
		if err != nil {
			return nil, err
		}
		row[p.Name] = nv
	}

	if pk, ok := os.PrimaryKeyProperty(); ok {
		if keys := tbl.Lookup(pk.Name, row[pk.Name]); len(keys) > 0 {
			return nil, errorf(ErrCConstraintViolation, "%s with primary key %v already exists", os.Name, row[pk.Name])
		}
	}

	key, err := tbl.Insert(row)
	if err != nil {
		return nil, wrap(ErrCInternal, err, "insert %s", os.Name)
	}
	tx.seq++
	return tx.object(os, key), nil
}

// Find returns the object with the given primary key, or nil if there is none.
func (tx *Tx) Find(typeName string, pk any) (*Object, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	os, err := tx.objectSchema(typeName)
	if err != nil {
		return nil, err
	}
	p, ok := os.PrimaryKeyProperty()
	if !ok {
		return nil, errorf(ErrCInvalidArgument, "type %s has no primary key", os.Name)
	}
	v, err := tx.normalize(os, p, pk)
	if err != nil {
		return nil, err
	}
	tbl, err := tx.reader(os)
	if err != nil {
		return nil, err
	}
	keys := tbl.Lookup(p.Name, v)
	if len(keys) == 0 {
		return nil, nil
	}
	return tx.object(os, keys[0]), nil
}

// Objects returns all objects of a type in insertion order.
func (tx *Tx) Objects(typeName string) *Results {
	os, err := tx.objectSchema(typeName)
	return &Results{tx: tx, schema: os, err: err}
}

// Delete deletes an object, see Object.Delete.
func (tx *Tx) Delete(obj *Object) error {
	if obj == nil {
		return errorf(ErrCInvalidArgument, "nil object")
	}
	if obj.tx != tx {
		return errorf(ErrCInvalidArgument, "object belongs to another transaction")
	}
	return obj.Delete()
}

// Resolve returns the object a reference points to in this transaction. It
// fails with ErrStaleAccessor if the object does not exist at this version.
func (tx *Tx) Resolve(ref ThreadSafeReference) (*Object, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	os, err := tx.objectSchema(ref.typeName)
	if err != nil {
		return nil, err
	}
	tbl, err := tx.reader(os)
	if err != nil {
		return nil, err
	}
	if !tbl.Has(ref.key) {
		return nil, errorf(ErrCStaleAccessor, "%s %d does not exist at version %d", os.Name, ref.key, tx.Version())
	}
	return tx.object(os, ref.key), nil
}

// deleteRow deletes a row and removes every link pointing to it.
func (tx *Tx) deleteRow(os *schema.ObjectSchema, key db.RowKey) error {
	tbl, err := tx.writer(os)
	if err != nil {
		return err
	}
	if err := tbl.Delete(key); err != nil {
		if errors.Is(err, db.ErrNoSuchRow) {
			return errorf(ErrCStaleAccessor, "%s %d was already deleted", os.Name, key)
		}
		return wrap(ErrCInternal, err, "delete %s", os.Name)
	}
	tx.seq++

	target := db.Link(key)
	for _, other := range tx.store.schema.Objects {
		var props []schema.Property
		for _, p := range other.Properties {
			if p.Kind == schema.KindObject && p.Target == os.Name {
				props = append(props, p)
			}
		}
		if len(props) == 0 {
			continue
		}
		if err := tx.unlink(other, props, target); err != nil {
			return err
		}
	}
	return nil
}

// unlink nullifies single links to target and removes it from link collections.
func (tx *Tx) unlink(os *schema.ObjectSchema, props []schema.Property, target db.Link) error {
	tbl, err := tx.writer(os)
	if err != nil {
		return err
	}
	for _, k := range tbl.Keys() {
		row, _ := tbl.Get(k)
		var updated db.Row
		for _, p := range props {
			nv, changed := withoutLink(row[p.Name], p.Collection, target)
			if !changed {
				continue
			}
			if updated == nil {
				updated = cloneShallow(row)
			}
			updated[p.Name] = nv
		}
		if updated != nil {
			if err := tbl.Update(k, updated); err != nil {
				return wrap(ErrCInternal, err, "unlink %s", os.Name)
			}
		}
	}
	return nil
}

func withoutLink(v any, coll schema.Collection, target db.Link) (any, bool) {
	switch coll {
	case schema.CollectionNone:
		if l, ok := v.(db.Link); ok && l == target {
			return nil, true
		}
	case schema.CollectionList, schema.CollectionSet:
		list, _ := v.([]any)
		var out []any
		for i, e := range list {
			if l, ok := e.(db.Link); ok && l == target {
				if out == nil {
					out = append(make([]any, 0, len(list)), list[:i]...)
				}
				continue
			}
			if out != nil {
				out = append(out, e)
			}
		}
		if out != nil {
			return out, true
		}
	case schema.CollectionDictionary:
		m, _ := v.(map[string]any)
		var out map[string]any
		for k, e := range m {
			if l, ok := e.(db.Link); ok && l == target {
				if out == nil {
					out = make(map[string]any, len(m))
					for k2, e2 := range m {
						out[k2] = e2
					}
				}
				delete(out, k)
			}
		}
		if out != nil {
			return out, true
		}
	}
	return v, false
}

func cloneShallow(row db.Row) db.Row {
	out := make(db.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
