package schema

import (
	"reflect"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Struct Tag Derivation
// --------------------------------------------------------------------------

// TagName is the struct tag read by FromStruct.
const TagName = "obj"

type structKey struct {
	t    reflect.Type
	name string
}

type structResult struct {
	desc *ObjectSchema
	err  error
}

// derived caches descriptors per (struct type, type name); each struct is
// reflected over once.
var derived = xsync.NewMapOf[structKey, structResult]()

// FromStruct derives a descriptor from the exported fields of struct T.
//
// Field mapping:
//
//	int*, uint*          -> int
//	bool                 -> bool
//	string               -> string
//	float32, float64     -> double
//	[]byte               -> binary
//	time.Time            -> date
//	*Struct              -> link to the type named like the struct (or target=...)
//	*scalar              -> optional scalar
//	[]T                  -> list of T ([]*Struct for a list of links)
//	map[string]T         -> dictionary of T
//
// The tag `obj:"name,pk,indexed,optional,set,target=Dog"` overrides the property
// name (empty keeps the field name) and sets options. `obj:"-"` skips a field.
// The result is validated by Register like any other descriptor.
func FromStruct[T any](name string) (*ObjectSchema, error) {
	t := reflect.TypeFor[T]()
	res, _ := derived.LoadOrCompute(structKey{t, name}, func() structResult {
		desc, err := describeStruct(t, name)
		return structResult{desc, err}
	})
	if res.err != nil {
		return nil, res.err
	}
	return Describe(res.desc.Name, res.desc.Properties...), nil
}

// MustFromStruct is like FromStruct but panics on error. It is meant for
// package-level descriptor declarations.
func MustFromStruct[T any](name string) *ObjectSchema {
	desc, err := FromStruct[T](name)
	if err != nil {
		panic(err)
	}
	return desc
}

var (
	timeType  = reflect.TypeFor[time.Time]()
	bytesType = reflect.TypeFor[[]byte]()
)

func describeStruct(t reflect.Type, name string) (*ObjectSchema, error) {
	if t.Kind() != reflect.Struct {
		return nil, newError(ErrCInvalid, "type %s: %s is not a struct", name, t)
	}
	if name == "" {
		name = t.Name()
	}

	var props []Property
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get(TagName)
		if tag == "-" {
			continue
		}

		p := Property{Name: f.Name}
		var set bool
		parts := strings.Split(tag, ",")
		if parts[0] != "" {
			p.Name = parts[0]
		}
		for _, opt := range parts[1:] {
			switch {
			case opt == "pk":
				p.PrimaryKey = true
				p.Indexed = true
			case opt == "indexed":
				p.Indexed = true
			case opt == "optional":
				p.Optional = true
			case opt == "set":
				set = true
			case strings.HasPrefix(opt, "target="):
				p.Target = strings.TrimPrefix(opt, "target=")
			default:
				return nil, newError(ErrCInvalid, "field %s.%s: unknown tag option %q", name, f.Name, opt)
			}
		}

		if err := mapFieldType(&p, f.Type); err != nil {
			return nil, newError(ErrCInvalid, "field %s.%s: %v", name, f.Name, err)
		}
		if set {
			if p.Collection != CollectionList {
				return nil, newError(ErrCInvalid, "field %s.%s: only slices can be sets", name, f.Name)
			}
			p.Collection = CollectionSet
		}
		props = append(props, p)
	}
	return Describe(name, props...), nil
}

func mapFieldType(p *Property, t reflect.Type) error {
	if t == bytesType {
		p.Kind = KindBinary
		return nil
	}
	switch t.Kind() {
	case reflect.Slice:
		p.Collection = CollectionList
		return mapElemType(p, t.Elem())
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return newError(ErrCInvalid, "dictionary keys must be strings, got %s", t.Key())
		}
		p.Collection = CollectionDictionary
		return mapElemType(p, t.Elem())
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct && t.Elem() != timeType {
			return mapElemType(p, t)
		}
		p.Optional = true
		return mapElemType(p, t.Elem())
	default:
		return mapElemType(p, t)
	}
}

func mapElemType(p *Property, t reflect.Type) error {
	if t == timeType {
		p.Kind = KindDate
		return nil
	}
	if t == bytesType {
		p.Kind = KindBinary
		return nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		p.Kind = KindInt
	case reflect.Bool:
		p.Kind = KindBool
	case reflect.String:
		p.Kind = KindString
	case reflect.Float32, reflect.Float64:
		p.Kind = KindDouble
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Struct {
			return newError(ErrCInvalid, "unsupported element type %s", t)
		}
		p.Kind = KindObject
		if p.Target == "" {
			p.Target = t.Elem().Name()
		}
		if p.Collection == CollectionNone {
			p.Optional = true
		}
	default:
		return newError(ErrCInvalid, "unsupported type %s", t)
	}
	return nil
}
