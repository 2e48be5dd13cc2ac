package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person() *ObjectSchema {
	return Describe("Person",
		String("name", PrimaryKey()),
		Int("age", Indexed()),
		Link("dog", "Dog"),
	)
}

func dog() *ObjectSchema {
	return Describe("Dog",
		String("name"),
		ListOf(KindObject, "friends", Target("Dog")),
	)
}

func TestRegister(t *testing.T) {
	s, err := Register(1, person(), dog())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s.Version)
	assert.Equal(t, []string{"Dog", "Person"}, s.Names())

	p, ok := s.Object("Person")
	require.True(t, ok)
	assert.Equal(t, "name", p.PrimaryKey)
	assert.Equal(t, "class_Person", p.Table())

	link, ok := p.Property("dog")
	require.True(t, ok)
	assert.True(t, link.Optional, "single links are optional")
	assert.Equal(t, "object:Dog?", link.Type())

	o, ok := s.ObjectForTable("class_Dog")
	require.True(t, ok)
	assert.Equal(t, "Dog", o.Name)
	_, ok = s.ObjectForTable("__schema")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name  string
		descs []*ObjectSchema
		want  error
	}{
		{
			name:  "duplicate type",
			descs: []*ObjectSchema{dog(), dog()},
			want:  ErrDuplicate,
		},
		{
			name:  "duplicate property",
			descs: []*ObjectSchema{Describe("A", Int("x"), String("x"))},
			want:  ErrDuplicate,
		},
		{
			name:  "two primary keys",
			descs: []*ObjectSchema{Describe("A", Int("x", PrimaryKey()), String("y", PrimaryKey()))},
			want:  ErrDuplicate,
		},
		{
			name:  "double primary key",
			descs: []*ObjectSchema{Describe("A", Double("x", PrimaryKey()))},
			want:  ErrInvalid,
		},
		{
			name:  "optional primary key",
			descs: []*ObjectSchema{Describe("A", Int("x", PrimaryKey(), Optional()))},
			want:  ErrInvalid,
		},
		{
			name:  "unregistered link target",
			descs: []*ObjectSchema{Describe("A", Link("b", "B"))},
			want:  ErrUnknownTarget,
		},
		{
			name:  "optional link list",
			descs: []*ObjectSchema{Describe("A", ListOf(KindObject, "as", Target("A"), Optional()))},
			want:  ErrInvalid,
		},
		{
			name:  "indexed double",
			descs: []*ObjectSchema{Describe("A", Double("x", Indexed()))},
			want:  ErrInvalid,
		},
		{
			name:  "indexed list",
			descs: []*ObjectSchema{Describe("A", ListOf(KindInt, "x", Indexed()))},
			want:  ErrInvalid,
		},
		{
			name:  "default of wrong kind",
			descs: []*ObjectSchema{Describe("A", Int("x", Default("1")))},
			want:  ErrInvalid,
		},
		{
			name:  "unsupported default",
			descs: []*ObjectSchema{Describe("A", Int("x", Default(struct{}{})))},
			want:  ErrInvalid,
		},
		{
			name:  "empty type name",
			descs: []*ObjectSchema{Describe("", Int("x"))},
			want:  ErrInvalid,
		},
		{
			name:  "target on scalar",
			descs: []*ObjectSchema{Describe("A", Int("x", Target("A")))},
			want:  ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Register(1, tt.descs...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrSchema)

			var se *Error
			require.True(t, errors.As(err, &se))
		})
	}
}

func TestLinksMayPointForward(t *testing.T) {
	// Person links to Dog which is registered after it
	_, err := Register(1, person(), dog())
	assert.NoError(t, err)
}

func TestDefaults(t *testing.T) {
	s, err := Register(1, Describe("A",
		Int("count", Default(7)),
		Double("ratio", Default(float32(0.5))),
		Date("at", Default(time.Date(2024, 1, 2, 3, 4, 5, 6, time.FixedZone("X", 3600)))),
		ListOf(KindString, "tags", Default([]any{"a", "b"})),
		DictionaryOf(KindInt, "scores", Default(map[string]any{"x": 1})),
	))
	require.NoError(t, err)
	o, _ := s.Object("A")

	count, _ := o.Property("count")
	assert.Equal(t, int64(7), count.Default, "int defaults are normalized")

	ratio, _ := o.Property("ratio")
	assert.Equal(t, float64(0.5), ratio.Default)

	at, _ := o.Property("at")
	assert.Equal(t, time.UTC, at.Default.(time.Time).Location())

	scores, _ := o.Property("scores")
	assert.Equal(t, map[string]any{"x": int64(1)}, scores.ZeroValue())
}

func TestZeroValues(t *testing.T) {
	tests := []struct {
		prop Property
		want any
	}{
		{Int("x"), int64(0)},
		{Int("x", Optional()), nil},
		{Bool("x"), false},
		{String("x"), ""},
		{Double("x"), float64(0)},
		{Binary("x"), []byte{}},
		{Link("x", "A"), nil},
		{ListOf(KindInt, "x"), []any{}},
		{SetOf(KindString, "x"), []any{}},
		{DictionaryOf(KindBool, "x"), map[string]any{}},
		{String("x", Default("hi")), "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.prop.Type(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.prop.ZeroValue())
		})
	}
}

func TestKindNames(t *testing.T) {
	for k := KindInt; k <= KindObject; k++ {
		parsed, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("float")
	assert.False(t, ok)

	for c := CollectionNone; c <= CollectionDictionary; c++ {
		parsed, ok := ParseCollection(c.String())
		assert.True(t, ok)
		assert.Equal(t, c, parsed)
	}
}
