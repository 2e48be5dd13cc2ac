package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hujsonSchema = `{
	// people and their dogs
	"version": 2,
	"types": [
		{
			"name": "Person",
			"properties": [
				{"name": "name", "type": "string", "pk": true},
				{"name": "age", "type": "int", "indexed": true, "default": 18},
				{"name": "dog", "type": "object", "target": "Dog"},
				{"name": "born", "type": "date", "default": "2000-01-01T00:00:00Z"},
			],
		},
		{
			"name": "Dog",
			"properties": [
				{"name": "name", "type": "string"},
				{"name": "tags", "type": "string", "collection": "set", "default": ["good"]},
			],
		},
	],
}`

const yamlSchema = `
version: 2
types:
  - name: Person
    properties:
      - {name: name, type: string, pk: true}
      - {name: age, type: int, indexed: true, default: 18}
      - {name: dog, type: object, target: Dog}
      - {name: born, type: date, default: "2000-01-01T00:00:00Z"}
  - name: Dog
    properties:
      - {name: name, type: string}
      - {name: tags, type: string, collection: set, default: [good]}
`

func TestParseFile(t *testing.T) {
	want := mustRegister(t, 2,
		Describe("Person",
			String("name", PrimaryKey()),
			Int("age", Indexed(), Default(18)),
			Link("dog", "Dog"),
			Date("born", Default(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))),
		),
		Describe("Dog",
			String("name"),
			SetOf(KindString, "tags", Default([]any{"good"})),
		),
	)

	tests := []struct {
		ext  string
		data string
	}{
		{".hujson", hujsonSchema},
		{".json", hujsonSchema},
		{".yaml", yamlSchema},
		{".yml", yamlSchema},
	}
	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			s, err := ParseFile([]byte(tt.data), tt.ext)
			require.NoError(t, err)
			if diff := cmp.Diff(want, s, schemaCmp...); diff != "" {
				t.Errorf("Parsed schema differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{"unknown extension", ".toml", `version = 1`},
		{"unknown field", ".yaml", "version: 1\nkinds: []\n"},
		{"unknown type", ".yaml", "version: 1\ntypes: [{name: A, properties: [{name: x, type: float}]}]\n"},
		{"fractional int default", ".json", `{"version": 1, "types": [{"name": "A", "properties": [{"name": "x", "type": "int", "default": 1.5}]}]}`},
		{"broken json", ".json", `{"version": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.data), tt.ext)
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	s := richSchema(t)
	dir := t.TempDir()

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			data, err := Format(s, format)
			require.NoError(t, err)

			path := filepath.Join(dir, "schema."+format)
			require.NoError(t, os.WriteFile(path, data, 0o644))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			if diff := cmp.Diff(s, loaded, schemaCmp...); diff != "" {
				t.Errorf("Loaded schema differs (-want +got):\n%s", diff)
			}
		})
	}
}
