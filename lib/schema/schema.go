package schema

import (
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dObj/lib/db"
)

// --------------------------------------------------------------------------
// Kinds
// --------------------------------------------------------------------------

// Kind is the value kind of a property (or of the elements of a collection property).
type Kind uint8

const (
	KindInt    Kind = iota + 1 // int64
	KindBool                   // bool
	KindString                 // string
	KindDouble                 // float64
	KindBinary                 // []byte
	KindDate                   // time.Time (UTC, nanosecond precision)
	KindObject                 // link to a row of the target type
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindDouble:
		return "double"
	case KindBinary:
		return "binary"
	case KindDate:
		return "date"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// ParseKind parses the name returned by Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindInt; k <= KindObject; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Matches reports whether a normalized value has this kind.
func (k Kind) Matches(v any) bool {
	switch k {
	case KindInt:
		_, ok := v.(int64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindString:
		_, ok := v.(string)
		return ok
	case KindDouble:
		_, ok := v.(float64)
		return ok
	case KindBinary:
		_, ok := v.([]byte)
		return ok
	case KindDate:
		_, ok := v.(time.Time)
		return ok
	case KindObject:
		_, ok := v.(db.Link)
		return ok
	default:
		return false
	}
}

// Collection is the collection kind of a property.
type Collection uint8

const (
	CollectionNone Collection = iota
	CollectionList
	CollectionSet
	CollectionDictionary // string keys
)

func (c Collection) String() string {
	switch c {
	case CollectionNone:
		return "none"
	case CollectionList:
		return "list"
	case CollectionSet:
		return "set"
	case CollectionDictionary:
		return "dictionary"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// ParseCollection parses the name returned by Collection.String.
func ParseCollection(s string) (Collection, bool) {
	for c := CollectionNone; c <= CollectionDictionary; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Descriptors
// --------------------------------------------------------------------------

// Property describes one property of an object type.
type Property struct {
	Name       string
	Kind       Kind
	Collection Collection
	Optional   bool
	Indexed    bool
	PrimaryKey bool
	Target     string // target type of object properties
	Default    any    // normalized default value, nil if none
}

// Type returns a textual type signature, e.g. "list<object:Dog>" or "int?".
func (p Property) Type() string {
	elem := p.Kind.String()
	if p.Kind == KindObject {
		elem += ":" + p.Target
	}
	switch p.Collection {
	case CollectionNone:
		if p.Optional {
			return elem + "?"
		}
		return elem
	default:
		return p.Collection.String() + "<" + elem + ">"
	}
}

// SameType reports whether two properties store values the same way.
// Optionality and indexing are not part of the type.
func (p Property) SameType(o Property) bool {
	return p.Kind == o.Kind && p.Collection == o.Collection && p.Target == o.Target
}

// ZeroValue returns the value stored for the property when nothing was set:
// the declared default, an empty collection, nil for optional properties and
// the kind's zero value otherwise.
func (p Property) ZeroValue() any {
	if p.Default != nil {
		return db.Clone(p.Default)
	}
	switch p.Collection {
	case CollectionList, CollectionSet:
		return []any{}
	case CollectionDictionary:
		return map[string]any{}
	}
	if p.Optional {
		return nil
	}
	switch p.Kind {
	case KindInt:
		return int64(0)
	case KindBool:
		return false
	case KindString:
		return ""
	case KindDouble:
		return float64(0)
	case KindBinary:
		return []byte{}
	case KindDate:
		return time.Unix(0, 0).UTC()
	default:
		return nil
	}
}

// ObjectSchema describes one object type. It is immutable once registered.
type ObjectSchema struct {
	Name       string
	Properties []Property
	PrimaryKey string // name of the primary key property, empty if none
	byName     map[string]int
}

// TablePrefix is prepended to object type names to form engine table names.
const TablePrefix = "class_"

// Table returns the engine table storing the type.
func (o *ObjectSchema) Table() string {
	return TablePrefix + o.Name
}

// Property returns a property by name.
func (o *ObjectSchema) Property(name string) (Property, bool) {
	if o.byName == nil {
		for _, p := range o.Properties {
			if p.Name == name {
				return p, true
			}
		}
		return Property{}, false
	}
	i, ok := o.byName[name]
	if !ok {
		return Property{}, false
	}
	return o.Properties[i], true
}

// PrimaryKeyProperty returns the primary key property, if the type has one.
func (o *ObjectSchema) PrimaryKeyProperty() (Property, bool) {
	if o.PrimaryKey == "" {
		return Property{}, false
	}
	return o.Property(o.PrimaryKey)
}

// Option modifies a property while it is declared.
type Option func(*Property)

// PrimaryKey marks the property as the primary key of its type.
func PrimaryKey() Option { return func(p *Property) { p.PrimaryKey = true; p.Indexed = true } }

// Indexed declares an index on the property.
func Indexed() Option { return func(p *Property) { p.Indexed = true } }

// Optional allows the property to hold null.
func Optional() Option { return func(p *Property) { p.Optional = true } }

// Target sets the target type of an object property or collection.
func Target(typeName string) Option { return func(p *Property) { p.Target = typeName } }

// Default declares the value stored when a property is not set explicitly, and
// the value existing rows receive when the property is added by a migration.
func Default(v any) Option {
	return func(p *Property) {
		n, ok := db.Normalize(v)
		if !ok {
			n = invalidDefault{v}
		}
		p.Default = n
	}
}

// invalidDefault keeps an unsupported default value until validation reports it.
type invalidDefault struct{ v any }

func newProperty(name string, kind Kind, coll Collection, opts []Option) Property {
	p := Property{Name: name, Kind: kind, Collection: coll}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func Int(name string, opts ...Option) Property {
	return newProperty(name, KindInt, CollectionNone, opts)
}

func Bool(name string, opts ...Option) Property {
	return newProperty(name, KindBool, CollectionNone, opts)
}

func String(name string, opts ...Option) Property {
	return newProperty(name, KindString, CollectionNone, opts)
}

func Double(name string, opts ...Option) Property {
	return newProperty(name, KindDouble, CollectionNone, opts)
}

func Binary(name string, opts ...Option) Property {
	return newProperty(name, KindBinary, CollectionNone, opts)
}

func Date(name string, opts ...Option) Property {
	return newProperty(name, KindDate, CollectionNone, opts)
}

// Link declares a to-one relationship. Links are always optional.
func Link(name, target string, opts ...Option) Property {
	p := newProperty(name, KindObject, CollectionNone, append(opts, Target(target)))
	p.Optional = true
	return p
}

// ListOf declares an ordered list of values (use Target for lists of links).
func ListOf(kind Kind, name string, opts ...Option) Property {
	return newProperty(name, kind, CollectionList, opts)
}

// SetOf declares an unordered set of distinct values.
func SetOf(kind Kind, name string, opts ...Option) Property {
	return newProperty(name, kind, CollectionSet, opts)
}

// DictionaryOf declares a string-keyed dictionary of values.
func DictionaryOf(kind Kind, name string, opts ...Option) Property {
	return newProperty(name, kind, CollectionDictionary, opts)
}

// Describe declares an object type. The descriptor is validated by Register.
func Describe(name string, props ...Property) *ObjectSchema {
	o := &ObjectSchema{Name: name, Properties: slices.Clone(props)}
	for _, p := range o.Properties {
		if p.PrimaryKey && o.PrimaryKey == "" {
			o.PrimaryKey = p.Name
		}
	}
	return o
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Schema is a validated set of object types at one schema version.
type Schema struct {
	Version uint64
	Objects []*ObjectSchema // sorted by name
	byName  map[string]*ObjectSchema
}

// Object returns a type by name.
func (s *Schema) Object(name string) (*ObjectSchema, bool) {
	if s == nil {
		return nil, false
	}
	o, ok := s.byName[name]
	return o, ok
}

// ObjectForTable returns the type stored in an engine table.
func (s *Schema) ObjectForTable(table string) (*ObjectSchema, bool) {
	if len(table) <= len(TablePrefix) || table[:len(TablePrefix)] != TablePrefix {
		return nil, false
	}
	return s.Object(table[len(TablePrefix):])
}

// Names returns the type names in sorted order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Objects))
	for i, o := range s.Objects {
		names[i] = o.Name
	}
	return names
}

// Register validates a set of descriptors and freezes them into a Schema.
//
// Validation rules:
//   - type names are unique and non-empty, property names are unique per type
//   - a type has at most one primary key, which is a non-optional int or string
//   - object properties target a registered type; single links are optional,
//     link collections are not
//   - only int, bool, string and date properties can be indexed
//   - defaults match the property kind
func Register(version uint64, descriptors ...*ObjectSchema) (*Schema, error) {
	s := &Schema{Version: version, byName: make(map[string]*ObjectSchema, len(descriptors))}

	for _, d := range descriptors {
		if d == nil || d.Name == "" {
			return nil, newError(ErrCInvalid, "type name must not be empty")
		}
		if _, dup := s.byName[d.Name]; dup {
			return nil, newError(ErrCDuplicate, "type %s is declared twice", d.Name)
		}
		o := &ObjectSchema{
			Name:       d.Name,
			Properties: slices.Clone(d.Properties),
			byName:     make(map[string]int, len(d.Properties)),
		}
		for i, p := range o.Properties {
			if err := validateProperty(o.Name, p); err != nil {
				return nil, err
			}
			if _, dup := o.byName[p.Name]; dup {
				return nil, newError(ErrCDuplicate, "property %s.%s is declared twice", o.Name, p.Name)
			}
			o.byName[p.Name] = i
			if p.PrimaryKey {
				if o.PrimaryKey != "" {
					return nil, newError(ErrCDuplicate, "type %s declares two primary keys (%s, %s)", o.Name, o.PrimaryKey, p.Name)
				}
				o.PrimaryKey = p.Name
			}
		}
		s.byName[o.Name] = o
		s.Objects = append(s.Objects, o)
	}

	// relationships may point at types declared later
	for _, o := range s.Objects {
		for _, p := range o.Properties {
			if p.Kind != KindObject {
				continue
			}
			if _, ok := s.byName[p.Target]; !ok {
				return nil, newError(ErrCUnknownTarget, "property %s.%s links to unregistered type %q", o.Name, p.Name, p.Target)
			}
		}
	}

	slices.SortFunc(s.Objects, func(a, b *ObjectSchema) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return s, nil
}

func validateProperty(typeName string, p Property) error {
	where := typeName + "." + p.Name
	switch {
	case p.Name == "":
		return newError(ErrCInvalid, "type %s has a property without a name", typeName)
	case p.Kind < KindInt || p.Kind > KindObject:
		return newError(ErrCInvalid, "property %s has an invalid kind", where)
	case p.Collection > CollectionDictionary:
		return newError(ErrCInvalid, "property %s has an invalid collection kind", where)
	}

	if p.PrimaryKey {
		if p.Collection != CollectionNone || (p.Kind != KindInt && p.Kind != KindString) {
			return newError(ErrCInvalid, "primary key %s must be a single int or string", where)
		}
		if p.Optional {
			return newError(ErrCInvalid, "primary key %s must not be optional", where)
		}
	}

	if p.Kind == KindObject {
		if p.Target == "" {
			return newError(ErrCInvalid, "object property %s has no target type", where)
		}
		if p.Collection == CollectionNone && !p.Optional {
			return newError(ErrCInvalid, "link %s must be optional", where)
		}
		if p.Collection != CollectionNone && p.Optional {
			return newError(ErrCInvalid, "link collection %s must not be optional", where)
		}
	} else if p.Target != "" {
		return newError(ErrCInvalid, "property %s of kind %s must not have a target", where, p.Kind)
	}

	if p.Indexed {
		indexable := p.Kind == KindInt || p.Kind == KindBool || p.Kind == KindString || p.Kind == KindDate
		if !indexable || p.Collection != CollectionNone {
			return newError(ErrCInvalid, "property %s of type %s cannot be indexed", where, p.Type())
		}
	}

	if p.Default != nil {
		if bad, ok := p.Default.(invalidDefault); ok {
			return newError(ErrCInvalid, "default of %s has unsupported type %T", where, bad.v)
		}
		if !defaultMatches(p) {
			return newError(ErrCInvalid, "default of %s does not match type %s", where, p.Type())
		}
	}
	return nil
}

func defaultMatches(p Property) bool {
	switch p.Collection {
	case CollectionNone:
		return p.Kind != KindObject && p.Kind.Matches(p.Default)
	case CollectionList, CollectionSet:
		list, ok := p.Default.([]any)
		if !ok || p.Kind == KindObject {
			return false
		}
		for _, e := range list {
			if !p.Kind.Matches(e) {
				return false
			}
		}
		return true
	case CollectionDictionary:
		m, ok := p.Default.(map[string]any)
		if !ok || p.Kind == KindObject {
			return false
		}
		for _, e := range m {
			if !p.Kind.Matches(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
