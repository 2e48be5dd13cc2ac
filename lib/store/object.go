package store

import (
	"fmt"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Object Accessor
// --------------------------------------------------------------------------

// Object is an accessor for one row of an object type within a transaction.
// It holds no values of its own; every read goes to the transaction snapshot.
type Object struct {
	tx     *Tx
	schema *schema.ObjectSchema
	key    db.RowKey
}

// Type returns the object type name.
func (o *Object) Type() string { return o.schema.Name }

// Key returns the engine row key.
func (o *Object) Key() db.RowKey { return o.key }

// Schema returns the object schema.
func (o *Object) Schema() *schema.ObjectSchema { return o.schema }

// Tx returns the transaction the object belongs to.
func (o *Object) Tx() *Tx { return o.tx }

// Equal reports whether both accessors address the same row.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.schema.Name == other.schema.Name && o.key == other.key
}

func (o *Object) String() string {
	return fmt.Sprintf("%s(%d)", o.schema.Name, o.key)
}

// IsValid reports whether the accessor can still be used: its transaction is
// active and the row exists.
func (o *Object) IsValid() bool {
	_, err := o.row()
	return err == nil
}

func (o *Object) check() error {
	if !o.tx.active() {
		return errorf(ErrCStaleAccessor, "%s: transaction is %s", o, o.tx.state)
	}
	return nil
}

// row returns the current row of the object.
func (o *Object) row() (db.Row, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	tbl, err := o.tx.reader(o.schema)
	if err != nil {
		return nil, err
	}
	row, ok := tbl.Get(o.key)
	if !ok {
		return nil, errorf(ErrCStaleAccessor, "%s was deleted", o)
	}
	return row, nil
}

func (o *Object) property(name string) (schema.Property, error) {
	p, ok := o.schema.Property(name)
	if !ok {
		return p, errorf(ErrCInvalidArgument, "type %s has no property %q", o.schema.Name, name)
	}
	return p, nil
}

// raw returns the stored value of a property, the zero value if it is absent.
func (o *Object) raw(p schema.Property) (any, error) {
	row, err := o.row()
	if err != nil {
		return nil, err
	}
	v, ok := row[p.Name]
	if !ok {
		return p.ZeroValue(), nil
	}
	return v, nil
}

// Get reads a property. Scalars are returned in their stored form (int64,
// float64, bool, string, []byte, time.Time or nil). Links return *Object (nil
// if unset), collections return *List, *MutableSet or *Dictionary accessors.
func (o *Object) Get(name string) (any, error) {
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	v, err := o.raw(p)
	if err != nil {
		return nil, err
	}
	switch p.Collection {
	case schema.CollectionList:
		return &List{collection{owner: o, prop: p}}, nil
	case schema.CollectionSet:
		return &MutableSet{collection{owner: o, prop: p}}, nil
	case schema.CollectionDictionary:
		return &Dictionary{collection{owner: o, prop: p}}, nil
	}
	return o.tx.accessor(p, v)
}

// accessor converts a stored element into the value handed to users.
func (tx *Tx) accessor(p schema.Property, v any) (any, error) {
	l, ok := v.(db.Link)
	if !ok {
		return db.Clone(v), nil
	}
	target, ok := tx.store.schema.Object(p.Target)
	if !ok {
		return nil, errorf(ErrCInternal, "link target %q is not registered", p.Target)
	}
	tbl, err := tx.reader(target)
	if err != nil {
		return nil, err
	}
	if !tbl.Has(db.RowKey(l)) {
		return nil, nil
	}
	return tx.object(target, db.RowKey(l)), nil
}

// Set writes a property. Collection properties are replaced as a whole.
// Changing a primary key fails with ErrConstraintViolation if another object
// already uses the new value.
func (o *Object) Set(name string, v any) error {
	if _, err := o.row(); err != nil {
		return err
	}
	if err := o.tx.checkWrite(); err != nil {
		return err
	}
	p, err := o.property(name)
	if err != nil {
		return err
	}
	nv, err := o.tx.normalize(o.schema, p, v)
	if err != nil {
		return err
	}
	if p.PrimaryKey {
		tbl, err := o.tx.reader(o.schema)
		if err != nil {
			return err
		}
		for _, k := range tbl.Lookup(p.Name, nv) {
			if k != o.key {
				return errorf(ErrCConstraintViolation, "%s with primary key %v already exists", o.schema.Name, nv)
			}
		}
	}
	return o.update(p.Name, nv)
}

// update stores a normalized value.
func (o *Object) update(name string, v any) error {
	row, err := o.row()
	if err != nil {
		return err
	}
	tbl, err := o.tx.writer(o.schema)
	if err != nil {
		return err
	}
	updated := cloneShallow(row)
	updated[name] = v
	if err := tbl.Update(o.key, updated); err != nil {
		return wrap(ErrCInternal, err, "update %s", o)
	}
	o.tx.seq++
	return nil
}

// Delete deletes the object. Links pointing to it are set to null and it is
// removed from every link collection. The accessor is stale afterwards.
func (o *Object) Delete() error {
	if _, err := o.row(); err != nil {
		return err
	}
	if err := o.tx.checkWrite(); err != nil {
		return err
	}
	return o.tx.deleteRow(o.schema, o.key)
}

// Link returns the object a link property points to, nil if unset.
func (o *Object) Link(name string) (*Object, error) {
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	if p.Kind != schema.KindObject || p.Collection != schema.CollectionNone {
		return nil, errorf(ErrCInvalidArgument, "%s.%s is not a link", o.schema.Name, name)
	}
	v, err := o.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*Object), nil
}

// SetLink points a link property to target (nil clears it).
func (o *Object) SetLink(name string, target *Object) error {
	if target == nil {
		return o.Set(name, nil)
	}
	return o.Set(name, target)
}

func (o *Object) collection(name string, want schema.Collection) (collection, error) {
	p, err := o.property(name)
	if err != nil {
		return collection{}, err
	}
	if p.Collection != want {
		return collection{}, errorf(ErrCInvalidArgument, "%s.%s is a %s, not a %s", o.schema.Name, name, p.Type(), want)
	}
	if _, err := o.row(); err != nil {
		return collection{}, err
	}
	return collection{owner: o, prop: p}, nil
}

// List returns the accessor of a list property.
func (o *Object) List(name string) (*List, error) {
	c, err := o.collection(name, schema.CollectionList)
	if err != nil {
		return nil, err
	}
	return &List{c}, nil
}

// MutableSet returns the accessor of a set property.
func (o *Object) MutableSet(name string) (*MutableSet, error) {
	c, err := o.collection(name, schema.CollectionSet)
	if err != nil {
		return nil, err
	}
	return &MutableSet{c}, nil
}

// Dictionary returns the accessor of a dictionary property.
func (o *Object) Dictionary(name string) (*Dictionary, error) {
	c, err := o.collection(name, schema.CollectionDictionary)
	if err != nil {
		return nil, err
	}
	return &Dictionary{c}, nil
}

// Values returns a copy of all stored property values keyed by name.
func (o *Object) Values() (map[string]any, error) {
	row, err := o.row()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(o.schema.Properties))
	for _, p := range o.schema.Properties {
		v, ok := row[p.Name]
		if !ok {
			v = p.ZeroValue()
		}
		out[p.Name] = db.Clone(v)
	}
	return out, nil
}

// Reference returns a handle that can be resolved in another transaction.
func (o *Object) Reference() (ThreadSafeReference, error) {
	if _, err := o.row(); err != nil {
		return ThreadSafeReference{}, err
	}
	return ThreadSafeReference{typeName: o.schema.Name, key: o.key, version: o.tx.Version()}, nil
}

// Observe registers cb for changes of the object in later versions. props
// limits the reported properties (all if empty). Observers can only be
// registered from read transactions.
func (o *Object) Observe(cb func(notify.ObjectChange), props ...string) (*notify.Token, error) {
	if _, err := o.row(); err != nil {
		return nil, err
	}
	for _, name := range props {
		if _, err := o.property(name); err != nil {
			return nil, err
		}
	}
	entity := &notify.ObjectEntity{Table: o.schema.Table(), Key: o.key, Properties: slices.Clone(props)}
	return o.tx.observe(entity, func(c notify.Change) {
		cb(c.(notify.ObjectChange))
	})
}

// observe registers an entity at the version of the transaction.
func (tx *Tx) observe(entity notify.Entity, cb func(notify.Change)) (*notify.Token, error) {
	if tx.state != TxReadActive {
		return nil, errorf(ErrCInvalidWrite, "observers can only be registered in read transactions")
	}
	base, err := tx.store.engine.BeginReadAt(tx.Version())
	if err != nil {
		return nil, wrap(ErrCInternal, err, "pin version %d", tx.Version())
	}
	token, err := tx.store.dispatcher.Register(entity, base, cb)
	if err != nil {
		return nil, wrap(ErrCClosed, err, "register observer")
	}
	return token, nil
}

// --------------------------------------------------------------------------
// Thread-Safe References
// --------------------------------------------------------------------------

// ThreadSafeReference identifies an object independent of any transaction. It
// may be passed between goroutines and resolved with Tx.Resolve.
type ThreadSafeReference struct {
	typeName string
	key      db.RowKey
	version  db.Version
}

// Type returns the object type name.
func (r ThreadSafeReference) Type() string { return r.typeName }

// Key returns the engine row key.
func (r ThreadSafeReference) Key() db.RowKey { return r.key }

// Version returns the version the reference was created at.
func (r ThreadSafeReference) Version() db.Version { return r.version }

// IsZero reports whether the reference is unset.
func (r ThreadSafeReference) IsZero() bool { return r.typeName == "" }
