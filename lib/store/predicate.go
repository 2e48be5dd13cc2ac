package store

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

// Predicate filters objects in a Results. Predicates are built with Prop and
// combined with And, Or and Not.
//
//	tx.Objects("Person").Where(store.And(
//		store.Prop("age").Ge(18),
//		store.Prop("name").BeginsWith("A"),
//	))
type Predicate interface {
	fmt.Stringer
	match(row db.Row) bool
	validate(os *schema.ObjectSchema) error
}

type cmpOp uint8

const (
	opEq cmpOp = iota
	opNe
	opGt
	opGe
	opLt
	opLe
	opBeginsWith
	opContains
	opIn
)

var opNames = [...]string{"==", "!=", ">", ">=", "<", "<=", "BEGINSWITH", "CONTAINS", "IN"}

// PropRef names the property a comparison applies to.
type PropRef struct {
	name string
}

// Prop starts a comparison on the property name.
func Prop(name string) PropRef { return PropRef{name: name} }

func (p PropRef) cmp(op cmpOp, args ...any) Predicate {
	c := &comparison{prop: p.name, op: op, args: make([]any, len(args))}
	for i, a := range args {
		if o, ok := a.(*Object); ok && o != nil {
			c.args[i] = db.Link(o.key)
			continue
		}
		nv, ok := normalizeScalar(a)
		if !ok && !isNil(a) {
			c.err = errorf(ErrCInvalidArgument, "%s: unsupported argument %T", p.name, a)
		}
		c.args[i] = nv
	}
	return c
}

// Eq matches objects whose property equals v.
func (p PropRef) Eq(v any) Predicate { return p.cmp(opEq, v) }

// Ne matches objects whose property does not equal v.
func (p PropRef) Ne(v any) Predicate { return p.cmp(opNe, v) }

// Gt matches objects whose property is greater than v.
func (p PropRef) Gt(v any) Predicate { return p.cmp(opGt, v) }

// Ge matches objects whose property is greater than or equal to v.
func (p PropRef) Ge(v any) Predicate { return p.cmp(opGe, v) }

// Lt matches objects whose property is less than v.
func (p PropRef) Lt(v any) Predicate { return p.cmp(opLt, v) }

// Le matches objects whose property is less than or equal to v.
func (p PropRef) Le(v any) Predicate { return p.cmp(opLe, v) }

// BeginsWith matches string properties with the given prefix.
func (p PropRef) BeginsWith(prefix string) Predicate { return p.cmp(opBeginsWith, prefix) }

// Contains matches string properties containing v as a substring and
// collection properties holding v as an element.
func (p PropRef) Contains(v any) Predicate { return p.cmp(opContains, v) }

// In matches objects whose property equals one of values.
func (p PropRef) In(values ...any) Predicate { return p.cmp(opIn, values...) }

// IsNull matches objects whose property is null.
func (p PropRef) IsNull() Predicate { return p.cmp(opEq, nil) }

type comparison struct {
	prop string
	op   cmpOp
	args []any
	err  error
}

func (c *comparison) String() string {
	if c.op == opIn {
		parts := make([]string, len(c.args))
		for i, a := range c.args {
			parts[i] = formatArg(a)
		}
		return fmt.Sprintf("%s IN {%s}", c.prop, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.prop, opNames[c.op], formatArg(c.args[0]))
}

func formatArg(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", x)
	case db.Link:
		return fmt.Sprintf("@%d", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func (c *comparison) validate(os *schema.ObjectSchema) error {
	if c.err != nil {
		return c.err
	}
	p, ok := os.Property(c.prop)
	if !ok {
		return errorf(ErrCInvalidArgument, "type %s has no property %q", os.Name, c.prop)
	}
	switch c.op {
	case opBeginsWith:
		if p.Kind != schema.KindString || p.Collection != schema.CollectionNone {
			return errorf(ErrCInvalidArgument, "BEGINSWITH needs a string property, %s.%s is %s", os.Name, c.prop, p.Type())
		}
	case opContains:
		if p.Collection == schema.CollectionNone && p.Kind != schema.KindString {
			return errorf(ErrCInvalidArgument, "CONTAINS needs a string or collection property, %s.%s is %s", os.Name, c.prop, p.Type())
		}
	case opGt, opGe, opLt, opLe:
		if p.Collection != schema.CollectionNone {
			return errorf(ErrCInvalidArgument, "cannot order by collection %s.%s", os.Name, c.prop)
		}
	}
	return nil
}

func (c *comparison) match(row db.Row) bool {
	v := row[c.prop]
	switch c.op {
	case opEq:
		return equalArg(v, c.args[0])
	case opNe:
		return !equalArg(v, c.args[0])
	case opGt, opGe, opLt, opLe:
		a := c.args[0]
		if !orderable(v, a) {
			return false
		}
		r := db.Compare(v, a)
		switch c.op {
		case opGt:
			return r > 0
		case opGe:
			return r >= 0
		case opLt:
			return r < 0
		default:
			return r <= 0
		}
	case opBeginsWith:
		s, ok := v.(string)
		prefix, _ := c.args[0].(string)
		return ok && strings.HasPrefix(s, prefix)
	case opContains:
		switch x := v.(type) {
		case string:
			sub, ok := c.args[0].(string)
			return ok && strings.Contains(x, sub)
		case []any:
			return indexOf(x, c.args[0]) >= 0
		case map[string]any:
			for _, e := range x {
				if db.Equal(e, c.args[0]) {
					return true
				}
			}
		}
		return false
	case opIn:
		for _, a := range c.args {
			if equalArg(v, a) {
				return true
			}
		}
		return false
	}
	return false
}

// equalArg compares a stored value with an argument. Ints and doubles
// compare numerically.
func equalArg(v, a any) bool {
	if db.Equal(v, a) {
		return true
	}
	return isNumber(v) && isNumber(a) && db.Compare(v, a) == 0
}

// orderable reports whether two values can be ordered: both non-null and of
// the same kind, or both numbers.
func orderable(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if isNumber(a) && isNumber(b) {
		return true
	}
	return db.KindOf(a) == db.KindOf(b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Compound predicates
// --------------------------------------------------------------------------

type compound struct {
	and   bool
	preds []Predicate
}

// And matches objects matching all predicates. And() matches everything.
func And(preds ...Predicate) Predicate { return &compound{and: true, preds: preds} }

// Or matches objects matching at least one predicate. Or() matches nothing.
func Or(preds ...Predicate) Predicate { return &compound{preds: preds} }

func (c *compound) String() string {
	if len(c.preds) == 0 {
		if c.and {
			return "TRUEPREDICATE"
		}
		return "FALSEPREDICATE"
	}
	sep := " OR "
	if c.and {
		sep = " AND "
	}
	parts := make([]string, len(c.preds))
	for i, p := range c.preds {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (c *compound) validate(os *schema.ObjectSchema) error {
	for _, p := range c.preds {
		if p == nil {
			return errorf(ErrCInvalidArgument, "nil predicate")
		}
		if err := p.validate(os); err != nil {
			return err
		}
	}
	return nil
}

func (c *compound) match(row db.Row) bool {
	for _, p := range c.preds {
		if p.match(row) != c.and {
			return !c.and
		}
	}
	return c.and
}

type not struct {
	pred Predicate
}

// Not negates a predicate.
func Not(p Predicate) Predicate { return &not{pred: p} }

func (n *not) String() string { return "NOT " + n.pred.String() }

func (n *not) validate(os *schema.ObjectSchema) error {
	if n.pred == nil {
		return errorf(ErrCInvalidArgument, "nil predicate")
	}
	return n.pred.validate(os)
}

func (n *not) match(row db.Row) bool { return !n.pred.match(row) }
