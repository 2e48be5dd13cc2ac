package store

import (
	"iter"
	"maps"
	"slices"

	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Collection Accessors
// --------------------------------------------------------------------------

// collection is the common part of the collection accessors: the owning
// object and the collection property. Values are never cached.
type collection struct {
	owner *Object
	prop  schema.Property
	err   error // error of the last iteration of All
}

// Err returns the error of the last iteration of All, nil if it succeeded.
func (c *collection) Err() error { return c.err }

// Owner returns the object holding the collection.
func (c collection) Owner() *Object { return c.owner }

// Property returns the collection property.
func (c collection) Property() schema.Property { return c.prop }

func (c collection) list() ([]any, error) {
	v, err := c.owner.raw(c.prop)
	if err != nil {
		return nil, err
	}
	list, _ := v.([]any)
	return list, nil
}

func (c collection) store(v any) error {
	if _, err := c.owner.row(); err != nil {
		return err
	}
	if err := c.owner.tx.checkWrite(); err != nil {
		return err
	}
	return c.owner.update(c.prop.Name, v)
}

func (c collection) element(v any) (any, error) {
	return c.owner.tx.normalizeElement(c.owner.schema, c.prop, v)
}

func (c collection) value(v any) any {
	out, err := c.owner.tx.accessor(c.prop, v)
	if err != nil {
		return nil
	}
	return out
}

func (c collection) targetTable() string {
	if c.prop.Kind != schema.KindObject {
		return ""
	}
	return schema.TablePrefix + c.prop.Target
}

func outOfRange(i, n int) error {
	return errorf(ErrCInvalidArgument, "index %d out of range [0, %d)", i, n)
}

// --------------------------------------------------------------------------
// List
// --------------------------------------------------------------------------

// List is an accessor for a list property. Links are returned as *Object.
type List struct {
	collection
}

// Len returns the number of elements.
func (l *List) Len() (int, error) {
	list, err := l.list()
	return len(list), err
}

// At returns the element at index i.
func (l *List) At(i int) (any, error) {
	list, err := l.list()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(list) {
		return nil, outOfRange(i, len(list))
	}
	return l.owner.tx.accessor(l.prop, list[i])
}

// All iterates over the elements. Every iteration reads the list when the
// loop starts; a failed read yields nothing and is reported by Err.
func (l *List) All() iter.Seq2[int, any] {
	return func(yield func(int, any) bool) {
		list, err := l.list()
		if l.err = err; err != nil {
			return
		}
		for i, v := range list {
			if !yield(i, l.value(v)) {
				return
			}
		}
	}
}

// Values returns a copy of the stored elements.
func (l *List) Values() ([]any, error) {
	list, err := l.list()
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = l.value(v)
	}
	return out, nil
}

// Find returns the index of the first element equal to v, -1 if there is none.
func (l *List) Find(v any) (int, error) {
	list, err := l.list()
	if err != nil {
		return -1, err
	}
	nv, err := l.element(v)
	if err != nil {
		return -1, err
	}
	return indexOf(list, nv), nil
}

// Contains reports whether some element equals v.
func (l *List) Contains(v any) (bool, error) {
	i, err := l.Find(v)
	return i >= 0, err
}

// Insert inserts v at index i (0 <= i <= Len).
func (l *List) Insert(i int, v any) error {
	list, err := l.list()
	if err != nil {
		return err
	}
	if i < 0 || i > len(list) {
		return outOfRange(i, len(list)+1)
	}
	nv, err := l.element(v)
	if err != nil {
		return err
	}
	return l.store(slices.Insert(slices.Clone(list), i, nv))
}

// Append appends values to the end of the list.
func (l *List) Append(values ...any) error {
	list, err := l.list()
	if err != nil {
		return err
	}
	out := slices.Clone(list)
	for _, v := range values {
		nv, err := l.element(v)
		if err != nil {
			return err
		}
		out = append(out, nv)
	}
	return l.store(out)
}

// Set replaces the element at index i.
func (l *List) Set(i int, v any) error {
	list, err := l.list()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(list) {
		return outOfRange(i, len(list))
	}
	nv, err := l.element(v)
	if err != nil {
		return err
	}
	out := slices.Clone(list)
	out[i] = nv
	return l.store(out)
}

// RemoveAt removes the element at index i.
func (l *List) RemoveAt(i int) error {
	list, err := l.list()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(list) {
		return outOfRange(i, len(list))
	}
	return l.store(slices.Delete(slices.Clone(list), i, i+1))
}

// Move moves the element at index from to index to.
func (l *List) Move(from, to int) error {
	list, err := l.list()
	if err != nil {
		return err
	}
	if from < 0 || from >= len(list) {
		return outOfRange(from, len(list))
	}
	if to < 0 || to >= len(list) {
		return outOfRange(to, len(list))
	}
	if from == to {
		return nil
	}
	v := list[from]
	out := slices.Delete(slices.Clone(list), from, from+1)
	return l.store(slices.Insert(out, to, v))
}

// PopBack removes the last element. It is a no-op on an empty list.
func (l *List) PopBack() error {
	list, err := l.list()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return l.owner.tx.checkWrite()
	}
	return l.store(slices.Clone(list[:len(list)-1]))
}

// Clear removes all elements.
func (l *List) Clear() error {
	if _, err := l.list(); err != nil {
		return err
	}
	return l.store([]any{})
}

// Observe registers cb for changes of the list in later versions. Indices in
// the change refer to the old list (Deletions, Modifications) and the new list
// (Insertions, ModificationsNew).
func (l *List) Observe(cb func(notify.CollectionChange)) (*notify.Token, error) {
	if _, err := l.list(); err != nil {
		return nil, err
	}
	entity := &notify.ListEntity{
		Table:    l.owner.schema.Table(),
		Key:      l.owner.key,
		Property: l.prop.Name,
		Target:   l.targetTable(),
	}
	return l.owner.tx.observe(entity, func(c notify.Change) {
		cb(c.(notify.CollectionChange))
	})
}

// --------------------------------------------------------------------------
// Set
// --------------------------------------------------------------------------

// MutableSet is an accessor for a set property. Elements keep their insertion
// order; adding an element that is already present does nothing.
type MutableSet struct {
	collection
}

// Len returns the number of elements.
func (s *MutableSet) Len() (int, error) {
	list, err := s.list()
	return len(list), err
}

// At returns the element at position i in insertion order.
func (s *MutableSet) At(i int) (any, error) {
	list, err := s.list()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(list) {
		return nil, outOfRange(i, len(list))
	}
	return s.owner.tx.accessor(s.prop, list[i])
}

// All iterates over the elements. Every iteration reads the set when the
// loop starts; a failed read yields nothing and is reported by Err.
func (s *MutableSet) All() iter.Seq[any] {
	return func(yield func(any) bool) {
		list, err := s.list()
		if s.err = err; err != nil {
			return
		}
		for _, v := range list {
			if !yield(s.value(v)) {
				return
			}
		}
	}
}

// Contains reports whether v is an element.
func (s *MutableSet) Contains(v any) (bool, error) {
	list, err := s.list()
	if err != nil {
		return false, err
	}
	nv, err := s.element(v)
	if err != nil {
		return false, err
	}
	return indexOf(list, nv) >= 0, nil
}

// Add adds v and reports whether it was not present before.
func (s *MutableSet) Add(v any) (bool, error) {
	list, err := s.list()
	if err != nil {
		return false, err
	}
	nv, err := s.element(v)
	if err != nil {
		return false, err
	}
	if indexOf(list, nv) >= 0 {
		return false, s.owner.tx.checkWrite()
	}
	return true, s.store(append(slices.Clone(list), nv))
}

// Remove removes v and reports whether it was present.
func (s *MutableSet) Remove(v any) (bool, error) {
	list, err := s.list()
	if err != nil {
		return false, err
	}
	nv, err := s.element(v)
	if err != nil {
		return false, err
	}
	i := indexOf(list, nv)
	if i < 0 {
		return false, s.owner.tx.checkWrite()
	}
	return true, s.store(slices.Delete(slices.Clone(list), i, i+1))
}

// Clear removes all elements.
func (s *MutableSet) Clear() error {
	if _, err := s.list(); err != nil {
		return err
	}
	return s.store([]any{})
}

// Observe registers cb for changes of the set in later versions.
func (s *MutableSet) Observe(cb func(notify.CollectionChange)) (*notify.Token, error) {
	if _, err := s.list(); err != nil {
		return nil, err
	}
	entity := &notify.ListEntity{
		Table:    s.owner.schema.Table(),
		Key:      s.owner.key,
		Property: s.prop.Name,
		Target:   s.targetTable(),
	}
	return s.owner.tx.observe(entity, func(c notify.Change) {
		cb(c.(notify.CollectionChange))
	})
}

// --------------------------------------------------------------------------
// Dictionary
// --------------------------------------------------------------------------

// Dictionary is an accessor for a dictionary property with string keys.
type Dictionary struct {
	collection
}

func (d *Dictionary) entries() (map[string]any, error) {
	v, err := d.owner.raw(d.prop)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// Len returns the number of entries.
func (d *Dictionary) Len() (int, error) {
	m, err := d.entries()
	return len(m), err
}

// Get returns the value stored under key.
func (d *Dictionary) Get(key string) (any, bool, error) {
	m, err := d.entries()
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	out, err := d.owner.tx.accessor(d.prop, v)
	return out, true, err
}

// Keys returns the keys in ascending order.
func (d *Dictionary) Keys() ([]string, error) {
	m, err := d.entries()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(m)), nil
}

// All iterates over the entries in ascending key order. Every iteration
// reads the dictionary when the loop starts; a failed read yields nothing and
// is reported by Err.
func (d *Dictionary) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		m, err := d.entries()
		if d.err = err; err != nil {
			return
		}
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !yield(k, d.value(m[k])) {
				return
			}
		}
	}
}

// Put stores v under key.
func (d *Dictionary) Put(key string, v any) error {
	m, err := d.entries()
	if err != nil {
		return err
	}
	nv, err := d.element(v)
	if err != nil {
		return err
	}
	out := maps.Clone(m)
	if out == nil {
		out = map[string]any{}
	}
	out[key] = nv
	return d.store(out)
}

// Delete removes key and reports whether it was present.
func (d *Dictionary) Delete(key string) (bool, error) {
	m, err := d.entries()
	if err != nil {
		return false, err
	}
	if _, ok := m[key]; !ok {
		return false, d.owner.tx.checkWrite()
	}
	out := maps.Clone(m)
	delete(out, key)
	return true, d.store(out)
}

// Clear removes all entries.
func (d *Dictionary) Clear() error {
	if _, err := d.entries(); err != nil {
		return err
	}
	return d.store(map[string]any{})
}

// Observe registers cb for changes of the dictionary in later versions.
// Changes are reported by key.
func (d *Dictionary) Observe(cb func(notify.CollectionChange)) (*notify.Token, error) {
	if _, err := d.entries(); err != nil {
		return nil, err
	}
	entity := &notify.DictionaryEntity{
		Table:    d.owner.schema.Table(),
		Key:      d.owner.key,
		Property: d.prop.Name,
		Target:   d.targetTable(),
	}
	return d.owner.tx.observe(entity, func(c notify.Change) {
		cb(c.(notify.CollectionChange))
	})
}
