package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegister(t *testing.T, version uint64, descs ...*ObjectSchema) *Schema {
	t.Helper()
	s, err := Register(version, descs...)
	require.NoError(t, err)
	return s
}

func opKinds(p *MigrationPlan) []OpKind {
	var kinds []OpKind
	for _, op := range p.Ops {
		kinds = append(kinds, op.Kind)
	}
	return kinds
}

func TestPlanFreshStore(t *testing.T) {
	declared := mustRegister(t, 1, person(), dog())

	plan, err := Plan(nil, declared, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), plan.From)
	assert.Equal(t, uint64(1), plan.To)
	assert.Equal(t, []OpKind{OpAddTable, OpAddTable}, opKinds(plan))
	assert.Equal(t, "Dog", plan.Ops[0].Type)
	assert.Equal(t, "Person", plan.Ops[1].Type)
}

func TestPlanAddProperty(t *testing.T) {
	v1 := mustRegister(t, 1, Describe("Person", String("name"), Int("age")))
	v2 := mustRegister(t, 2, Describe("Person", String("name"), Int("age"), String("email", Indexed(), Default(""))))

	plan, err := Plan(v1, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, []OpKind{OpAddProperty, OpAddIndex}, opKinds(plan))
	assert.Equal(t, "email", plan.Ops[0].Property.Name)
	assert.False(t, plan.NeedsStep())
}

func TestPlanIsOrdered(t *testing.T) {
	v1 := mustRegister(t, 1,
		Describe("A", Int("gone", Indexed()), Int("x"), Bool("flag", Indexed())),
	)
	v2 := mustRegister(t, 2,
		Describe("A", Int("x", Indexed()), Bool("flag"), String("added")),
		Describe("B", Int("y")),
	)

	plan, err := Plan(v1, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, []OpKind{
		OpAddTable,       // B
		OpRemoveIndex,    // A.flag
		OpRemoveIndex,    // A.gone
		OpRemoveProperty, // A.gone
		OpAddProperty,    // A.added
		OpAddIndex,       // A.x
	}, opKinds(plan))
}

func TestPlanUndeclaredTablesAreKept(t *testing.T) {
	v1 := mustRegister(t, 1, Describe("A", Int("x")), Describe("Legacy", Int("y")))
	v2 := mustRegister(t, 2, Describe("A", Int("x")))

	plan, err := Plan(v1, v2, nil)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestPlanVersionRules(t *testing.T) {
	v1 := mustRegister(t, 2, Describe("A", Int("x")))

	t.Run("Downgrade", func(t *testing.T) {
		_, err := Plan(v1, mustRegister(t, 1, Describe("A", Int("x"))), nil)
		assert.ErrorIs(t, err, ErrVersion)
	})

	t.Run("SameVersionUnchanged", func(t *testing.T) {
		plan, err := Plan(v1, mustRegister(t, 2, Describe("A", Int("x"))), nil)
		require.NoError(t, err)
		assert.True(t, plan.Empty())
	})

	t.Run("SameVersionChanged", func(t *testing.T) {
		_, err := Plan(v1, mustRegister(t, 2, Describe("A", Int("x"), Int("y"))), nil)
		assert.ErrorIs(t, err, ErrVersion)
	})
}

func TestPlanTypeChange(t *testing.T) {
	v1 := mustRegister(t, 1, Describe("A", Int("x", Indexed())))
	v2 := mustRegister(t, 2, Describe("A", String("x", Indexed())))

	_, err := Plan(v1, v2, nil)
	assert.ErrorIs(t, err, ErrTypeConflict)

	_, err = Plan(v1, v2, func(from, to uint64) bool { return from == 5 })
	assert.ErrorIs(t, err, ErrTypeConflict)

	plan, err := Plan(v1, v2, func(from, to uint64) bool { return from == 1 && to == 2 })
	require.NoError(t, err)
	assert.True(t, plan.NeedsStep())
	assert.Equal(t, []OpKind{OpRemoveIndex, OpChangePropertyType, OpAddIndex}, opKinds(plan))
	assert.Equal(t, KindInt, plan.Ops[1].Old.Kind)
	assert.Equal(t, KindString, plan.Ops[1].Property.Kind)
}

func TestPlanNullabilityAndPrimaryKey(t *testing.T) {
	v1 := mustRegister(t, 1, Describe("A", Int("x", Optional()), String("id")))
	v2 := mustRegister(t, 2, Describe("A", Int("x"), String("id", PrimaryKey())))

	plan, err := Plan(v1, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, []OpKind{OpChangeNullability, OpAddIndex, OpChangePrimaryKey}, opKinds(plan))
	assert.Equal(t, "id", plan.Ops[2].Property.Name)
	assert.Contains(t, plan.String(), "set primary key of A to id")
}
