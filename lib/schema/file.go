package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// --------------------------------------------------------------------------
// Declarative Schema Files
// --------------------------------------------------------------------------

// File is the declarative form of a schema, read from HuJSON or YAML:
//
//	version: 2
//	types:
//	  - name: Person
//	    properties:
//	      - {name: name, type: string, pk: true}
//	      - {name: age, type: int, indexed: true}
//	      - {name: dog, type: object, target: Dog}
//	      - {name: tags, type: string, collection: set}
//	      - {name: email, type: string, default: ""}
//
// Date defaults are RFC 3339 strings, binary defaults base64 strings.
type File struct {
	Version uint64     `json:"version" yaml:"version"`
	Types   []FileType `json:"types" yaml:"types"`
}

type FileType struct {
	Name       string         `json:"name" yaml:"name"`
	Properties []FileProperty `json:"properties" yaml:"properties"`
}

type FileProperty struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	PrimaryKey bool   `json:"pk,omitempty" yaml:"pk,omitempty"`
	Indexed    bool   `json:"indexed,omitempty" yaml:"indexed,omitempty"`
	Optional   bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default    any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// LoadFile reads a schema file. The format is chosen by extension: .json and
// .hujson are HuJSON (JSON with comments and trailing commas), .yaml and .yml are YAML.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseFile(data, filepath.Ext(path))
}

// ParseFile parses a schema file in the format named by ext (".json", ".hujson", ".yaml", ".yml").
func ParseFile(data []byte, ext string) (*Schema, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".json", ".hujson":
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, newError(ErrCInvalid, "invalid HuJSON: %v", err)
		}
		dec := json.NewDecoder(bytes.NewReader(standardized))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&f); err != nil {
			return nil, newError(ErrCInvalid, "invalid JSON: %v", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, newError(ErrCInvalid, "invalid YAML: %v", err)
		}
	default:
		return nil, newError(ErrCInvalid, "unsupported schema file extension %q", ext)
	}
	return f.Schema()
}

// Schema converts the file into a registered schema.
func (f *File) Schema() (*Schema, error) {
	descs := make([]*ObjectSchema, 0, len(f.Types))
	for _, ft := range f.Types {
		props := make([]Property, 0, len(ft.Properties))
		for _, fp := range ft.Properties {
			p, err := fp.property()
			if err != nil {
				return nil, newError(ErrCInvalid, "property %s.%s: %v", ft.Name, fp.Name, err)
			}
			props = append(props, p)
		}
		descs = append(descs, Describe(ft.Name, props...))
	}
	return Register(f.Version, descs...)
}

func (fp FileProperty) property() (Property, error) {
	kind, ok := ParseKind(fp.Type)
	if !ok {
		return Property{}, fmt.Errorf("unknown type %q", fp.Type)
	}
	coll := CollectionNone
	if fp.Collection != "" {
		if coll, ok = ParseCollection(fp.Collection); !ok {
			return Property{}, fmt.Errorf("unknown collection %q", fp.Collection)
		}
	}
	p := Property{
		Name:       fp.Name,
		Kind:       kind,
		Collection: coll,
		Target:     fp.Target,
		PrimaryKey: fp.PrimaryKey,
		Indexed:    fp.Indexed || fp.PrimaryKey,
		Optional:   fp.Optional || (kind == KindObject && coll == CollectionNone),
	}
	if fp.Default != nil {
		v, err := fileDefault(kind, coll, fp.Default)
		if err != nil {
			return Property{}, err
		}
		p.Default = v
	}
	return p, nil
}

// fileDefault converts a decoded JSON/YAML value into a normalized default.
func fileDefault(kind Kind, coll Collection, raw any) (any, error) {
	switch coll {
	case CollectionList, CollectionSet:
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("default must be a list")
		}
		out := make([]any, len(list))
		for i, e := range list {
			v, err := fileScalar(kind, e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case CollectionDictionary:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("default must be a mapping")
		}
		out := make(map[string]any, len(m))
		for k, e := range m {
			v, err := fileScalar(kind, e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return fileScalar(kind, raw)
	}
}

func fileScalar(kind Kind, raw any) (any, error) {
	switch kind {
	case KindInt:
		switch x := raw.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("default %v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		}
	case KindDouble:
		switch x := raw.(type) {
		case int:
			return float64(x), nil
		case float64:
			return x, nil
		case json.Number:
			return x.Float64()
		}
	case KindBool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case KindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case KindDate:
		switch x := raw.(type) {
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("date default: %w", err)
			}
			return t.UTC(), nil
		case time.Time:
			return x.UTC(), nil
		}
	case KindBinary:
		if s, ok := raw.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return nil, fmt.Errorf("default %v (%T) does not match type %s", raw, raw, kind)
}

// ToFile converts a schema into its declarative form.
func ToFile(s *Schema) File {
	f := File{Version: s.Version}
	for _, o := range s.Objects {
		ft := FileType{Name: o.Name}
		for _, p := range o.Properties {
			fp := FileProperty{
				Name:       p.Name,
				Type:       p.Kind.String(),
				Target:     p.Target,
				PrimaryKey: p.PrimaryKey,
				Indexed:    p.Indexed && !p.PrimaryKey,
				Optional:   p.Optional && p.Kind != KindObject,
				Default:    fileValue(p.Default),
			}
			if p.Collection != CollectionNone {
				fp.Collection = p.Collection.String()
			}
			ft.Properties = append(ft.Properties, fp)
		}
		f.Types = append(f.Types, ft)
	}
	return f
}

func fileValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fileValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fileValue(e)
		}
		return out
	default:
		return v
	}
}

// Format renders a schema as "yaml" or "json".
func Format(s *Schema, format string) ([]byte, error) {
	f := ToFile(s)
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(f)
	case "json":
		return json.MarshalIndent(f, "", "  ")
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
