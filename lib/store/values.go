package store

import (
	"reflect"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Value Normalization
// --------------------------------------------------------------------------

var (
	typeTime  = reflect.TypeFor[time.Time]()
	typeBytes = reflect.TypeFor[[]byte]()
)

// normalize converts a user value into the stored form of property p.
// Collections accept []any, map[string]any and typed slices or maps.
func (tx *Tx) normalize(os *schema.ObjectSchema, p schema.Property, v any) (any, error) {
	switch p.Collection {
	case schema.CollectionList, schema.CollectionSet:
		elems, ok := sliceValues(v)
		if !ok {
			return nil, errorf(ErrCTypeMismatch, "%s.%s expects a %s, got %T", os.Name, p.Name, p.Type(), v)
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			nv, err := tx.normalizeElement(os, p, e)
			if err != nil {
				return nil, err
			}
			if p.Collection == schema.CollectionSet && indexOf(out, nv) >= 0 {
				continue
			}
			out = append(out, nv)
		}
		return out, nil

	case schema.CollectionDictionary:
		m, ok := mapValues(v)
		if !ok {
			return nil, errorf(ErrCTypeMismatch, "%s.%s expects a %s, got %T", os.Name, p.Name, p.Type(), v)
		}
		out := make(map[string]any, len(m))
		for k, e := range m {
			nv, err := tx.normalizeElement(os, p, e)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}

	if isNil(v) {
		if !p.Optional {
			return nil, errorf(ErrCTypeMismatch, "%s.%s is not optional", os.Name, p.Name)
		}
		return nil, nil
	}
	return tx.normalizeElement(os, p, v)
}

// normalizeElement converts a single non-nil value of kind p.Kind.
func (tx *Tx) normalizeElement(os *schema.ObjectSchema, p schema.Property, v any) (any, error) {
	if isNil(v) {
		return nil, errorf(ErrCTypeMismatch, "%s.%s does not accept null elements", os.Name, p.Name)
	}
	if p.Kind == schema.KindObject {
		return tx.normalizeLink(os, p, v)
	}
	nv, ok := normalizeScalar(v)
	if i, isInt := nv.(int64); isInt && p.Kind == schema.KindDouble {
		nv = float64(i)
	}
	if !ok || !p.Kind.Matches(nv) {
		return nil, errorf(ErrCTypeMismatch, "%s.%s expects %s, got %T", os.Name, p.Name, p.Kind, v)
	}
	return nv, nil
}

// normalizeLink accepts objects of the target type from this transaction and
// raw links to existing rows of the target type.
func (tx *Tx) normalizeLink(os *schema.ObjectSchema, p schema.Property, v any) (any, error) {
	target, ok := tx.store.schema.Object(p.Target)
	if !ok {
		return nil, errorf(ErrCInternal, "link target %q of %s.%s is not registered", p.Target, os.Name, p.Name)
	}
	switch x := v.(type) {
	case *Object:
		if x.tx != tx {
			return nil, errorf(ErrCInvalidArgument, "%s.%s: object belongs to another transaction", os.Name, p.Name)
		}
		if x.schema.Name != p.Target {
			return nil, errorf(ErrCTypeMismatch, "%s.%s expects %s, got %s", os.Name, p.Name, p.Target, x.schema.Name)
		}
		if err := x.check(); err != nil {
			return nil, err
		}
		return db.Link(x.key), nil
	case db.Link:
		tbl, err := tx.reader(target)
		if err != nil {
			return nil, err
		}
		if !tbl.Has(db.RowKey(x)) {
			return nil, errorf(ErrCInvalidArgument, "%s.%s: %s %d does not exist", os.Name, p.Name, p.Target, x)
		}
		return x, nil
	default:
		return nil, errorf(ErrCTypeMismatch, "%s.%s expects %s, got %T", os.Name, p.Name, p.Target, v)
	}
}

// normalizeScalar extends db.Normalize to pointers and named types.
func normalizeScalar(v any) (any, bool) {
	if nv, ok := db.Normalize(v); ok {
		switch nv.(type) {
		case []any, map[string]any:
			return nil, false
		}
		return nv, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch {
	case rv.Type() == typeTime:
		return rv.Interface().(time.Time).UTC(), true
	case rv.CanInt():
		return rv.Int(), true
	case rv.CanUint():
		u := rv.Uint()
		if u > 1<<63-1 {
			return nil, false
		}
		return int64(u), true
	case rv.CanFloat():
		return rv.Float(), true
	case rv.Kind() == reflect.Bool:
		return rv.Bool(), true
	case rv.Kind() == reflect.String:
		return rv.String(), true
	case rv.Type().ConvertibleTo(typeBytes) && rv.Kind() == reflect.Slice:
		return rv.Convert(typeBytes).Interface(), true
	}
	return nil, false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func sliceValues(v any) ([]any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case []any:
		return x, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func mapValues(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return x, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func indexOf(list []any, v any) int {
	for i, e := range list {
		if db.Equal(e, v) {
			return i
		}
	}
	return -1
}

// --------------------------------------------------------------------------
// Typed Access
// --------------------------------------------------------------------------

// convert converts a value returned by Object.Get into T. Integers convert
// to any integer type that can hold them, pointers receive optional values.
func convert[T any](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}
	rv := reflect.ValueOf(&zero).Elem()
	if err := assign(rv, v); err != nil {
		return zero, err
	}
	return zero, nil
}

func assign(dst reflect.Value, v any) error {
	if v == nil {
		switch dst.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
			dst.SetZero()
			return nil
		}
		return errorf(ErrCTypeMismatch, "cannot assign null to %s", dst.Type())
	}
	src := reflect.ValueOf(v)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
		return nil
	case dst.Kind() == reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case dst.CanInt() && src.CanInt():
		if dst.OverflowInt(src.Int()) {
			return errorf(ErrCTypeMismatch, "%d overflows %s", src.Int(), dst.Type())
		}
		dst.SetInt(src.Int())
		return nil
	case dst.CanUint() && src.CanInt():
		if src.Int() < 0 || dst.OverflowUint(uint64(src.Int())) {
			return errorf(ErrCTypeMismatch, "%d overflows %s", src.Int(), dst.Type())
		}
		dst.SetUint(uint64(src.Int()))
		return nil
	case src.Type().ConvertibleTo(dst.Type()) && src.Kind() == dst.Kind():
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return errorf(ErrCTypeMismatch, "cannot convert %T to %s", v, dst.Type())
}

// Get reads a property of o as T.
func Get[T any](o *Object, name string) (T, error) {
	v, err := o.Get(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert[T](v)
}

// Set writes a property of o.
func Set[T any](o *Object, name string, v T) error {
	return o.Set(name, v)
}

// Field is a typed handle for one property.
//
//	age := store.NewField[int]("age")
//	n, err := age.Get(person)
type Field[T any] struct {
	name string
}

// NewField returns a typed handle for the property name.
func NewField[T any](name string) Field[T] {
	return Field[T]{name: name}
}

// Name returns the property name.
func (f Field[T]) Name() string { return f.name }

// Get reads the property of o.
func (f Field[T]) Get(o *Object) (T, error) { return Get[T](o, f.name) }

// Set writes the property of o.
func (f Field[T]) Set(o *Object, v T) error { return o.Set(f.name, v) }
