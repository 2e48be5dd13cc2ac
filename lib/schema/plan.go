package schema

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// --------------------------------------------------------------------------
// Migration Plan
// --------------------------------------------------------------------------

// OpKind is the kind of a structural migration operation.
// Plans are ordered by OpKind first, so the declaration order is the apply order.
type OpKind uint8

const (
	OpAddTable OpKind = iota + 1
	OpRemoveIndex
	OpRemoveProperty
	OpChangePropertyType
	OpChangeNullability
	OpAddProperty
	OpAddIndex
	OpChangePrimaryKey
)

func (k OpKind) String() string {
	switch k {
	case OpAddTable:
		return "AddTable"
	case OpRemoveIndex:
		return "RemoveIndex"
	case OpRemoveProperty:
		return "RemoveProperty"
	case OpChangePropertyType:
		return "ChangePropertyType"
	case OpChangeNullability:
		return "ChangeNullability"
	case OpAddProperty:
		return "AddProperty"
	case OpAddIndex:
		return "AddIndex"
	case OpChangePrimaryKey:
		return "ChangePrimaryKey"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Op is one structural migration operation.
type Op struct {
	Kind     OpKind
	Type     string        // object type name
	Object   *ObjectSchema // declared type (AddTable)
	Property Property      // declared property; the removed one for RemoveProperty/RemoveIndex
	Old      Property      // on-disk property (ChangePropertyType, ChangeNullability)
}

func (op Op) String() string {
	switch op.Kind {
	case OpAddTable:
		return fmt.Sprintf("add table %s (%d properties)", op.Type, len(op.Object.Properties))
	case OpAddProperty:
		return fmt.Sprintf("add property %s.%s %s", op.Type, op.Property.Name, op.Property.Type())
	case OpAddIndex:
		return fmt.Sprintf("add index %s.%s", op.Type, op.Property.Name)
	case OpRemoveIndex:
		return fmt.Sprintf("remove index %s.%s", op.Type, op.Property.Name)
	case OpRemoveProperty:
		return fmt.Sprintf("remove property %s.%s", op.Type, op.Property.Name)
	case OpChangePropertyType:
		return fmt.Sprintf("change type of %s.%s %s -> %s", op.Type, op.Property.Name, op.Old.Type(), op.Property.Type())
	case OpChangeNullability:
		return fmt.Sprintf("change nullability of %s.%s %s -> %s", op.Type, op.Property.Name, op.Old.Type(), op.Property.Type())
	case OpChangePrimaryKey:
		if op.Property.Name == "" {
			return fmt.Sprintf("drop primary key of %s", op.Type)
		}
		return fmt.Sprintf("set primary key of %s to %s", op.Type, op.Property.Name)
	default:
		return op.Kind.String()
	}
}

// MigrationPlan is the ordered list of structural operations that moves the
// on-disk schema to the declared one.
type MigrationPlan struct {
	From uint64 // on-disk schema version (0 for a fresh store)
	To   uint64 // declared schema version
	Ops  []Op
}

// Empty reports whether the plan has no operations.
func (p *MigrationPlan) Empty() bool {
	return p == nil || len(p.Ops) == 0
}

// NeedsStep reports whether some operation changes the type of stored values
// and therefore needs a caller-supplied migration step.
func (p *MigrationPlan) NeedsStep() bool {
	if p == nil {
		return false
	}
	return slices.ContainsFunc(p.Ops, func(op Op) bool { return op.Kind == OpChangePropertyType })
}

func (p *MigrationPlan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "migration %d -> %d", p.From, p.To)
	if p.Empty() {
		sb.WriteString(": nothing to do")
		return sb.String()
	}
	for i, op := range p.Ops {
		fmt.Fprintf(&sb, "\n  %2d. %s", i+1, op)
	}
	return sb.String()
}

// StepFunc reports whether a migration step covers the transition from -> to.
type StepFunc func(from, to uint64) bool

// Plan computes the structural diff between the on-disk schema (nil for a fresh
// store) and the declared schema. It never infers data transformations: a
// property whose stored type changes needs a step reported by hasStep (may be nil).
//
// Types that exist on disk but are not declared any more are left untouched.
func Plan(onDisk, declared *Schema, hasStep StepFunc) (*MigrationPlan, error) {
	if declared == nil {
		return nil, newError(ErrCInvalid, "no declared schema")
	}
	plan := &MigrationPlan{To: declared.Version}

	if onDisk == nil {
		for _, o := range declared.Objects {
			plan.Ops = append(plan.Ops, Op{Kind: OpAddTable, Type: o.Name, Object: o})
		}
		return plan, nil
	}
	plan.From = onDisk.Version

	if declared.Version < onDisk.Version {
		return nil, newError(ErrCVersion, "declared schema version %d is lower than the on-disk version %d", declared.Version, onDisk.Version)
	}

	for _, o := range declared.Objects {
		old, ok := onDisk.Object(o.Name)
		if !ok {
			plan.Ops = append(plan.Ops, Op{Kind: OpAddTable, Type: o.Name, Object: o})
			continue
		}
		plan.Ops = append(plan.Ops, diffObject(old, o)...)
	}

	slices.SortStableFunc(plan.Ops, func(a, b Op) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			strings.Compare(a.Type, b.Type),
			strings.Compare(a.Property.Name, b.Property.Name),
		)
	})

	if plan.Empty() {
		return plan, nil
	}
	if declared.Version == onDisk.Version {
		return nil, newError(ErrCVersion, "schema changed without a version bump (version %d):\n%s", declared.Version, plan)
	}
	for _, op := range plan.Ops {
		if op.Kind != OpChangePropertyType {
			continue
		}
		if hasStep == nil || !hasStep(onDisk.Version, declared.Version) {
			return nil, newError(ErrCTypeConflict, "property %s.%s changed type %s -> %s without a migration step for %d -> %d",
				op.Type, op.Property.Name, op.Old.Type(), op.Property.Type(), onDisk.Version, declared.Version)
		}
	}
	return plan, nil
}

func diffObject(old, o *ObjectSchema) []Op {
	var ops []Op

	for _, p := range o.Properties {
		prev, ok := old.Property(p.Name)
		if !ok {
			ops = append(ops, Op{Kind: OpAddProperty, Type: o.Name, Property: p})
			if p.Indexed {
				ops = append(ops, Op{Kind: OpAddIndex, Type: o.Name, Property: p})
			}
			continue
		}

		if !p.SameType(prev) {
			if prev.Indexed {
				ops = append(ops, Op{Kind: OpRemoveIndex, Type: o.Name, Property: prev})
			}
			ops = append(ops, Op{Kind: OpChangePropertyType, Type: o.Name, Property: p, Old: prev})
			if p.Indexed {
				ops = append(ops, Op{Kind: OpAddIndex, Type: o.Name, Property: p})
			}
			continue
		}

		if p.Optional != prev.Optional {
			ops = append(ops, Op{Kind: OpChangeNullability, Type: o.Name, Property: p, Old: prev})
		}
		switch {
		case p.Indexed && !prev.Indexed:
			ops = append(ops, Op{Kind: OpAddIndex, Type: o.Name, Property: p})
		case !p.Indexed && prev.Indexed:
			ops = append(ops, Op{Kind: OpRemoveIndex, Type: o.Name, Property: prev})
		}
	}

	for _, prev := range old.Properties {
		if _, ok := o.Property(prev.Name); ok {
			continue
		}
		if prev.Indexed {
			ops = append(ops, Op{Kind: OpRemoveIndex, Type: o.Name, Property: prev})
		}
		ops = append(ops, Op{Kind: OpRemoveProperty, Type: o.Name, Property: prev})
	}

	if o.PrimaryKey != old.PrimaryKey {
		pk, _ := o.PrimaryKeyProperty()
		ops = append(ops, Op{Kind: OpChangePrimaryKey, Type: o.Name, Property: pk})
	}
	return ops
}
