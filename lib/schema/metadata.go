package schema

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dObj/lib/db"
	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Persisted Schema Metadata
// --------------------------------------------------------------------------

const (
	// MetadataTable is the engine table holding the persisted schema.
	MetadataTable = "__schema"

	metaVersion  = "version"
	metaDocument = "schema"
)

type docProperty struct {
	Name       string `bson:"name"`
	Kind       string `bson:"kind"`
	Collection string `bson:"collection,omitempty"`
	Optional   bool   `bson:"optional,omitempty"`
	Indexed    bool   `bson:"indexed,omitempty"`
	PrimaryKey bool   `bson:"pk,omitempty"`
	Target     string `bson:"target,omitempty"`
	Default    []byte `bson:"default,omitempty"` // db.EncodeValue
}

type docObject struct {
	Name       string        `bson:"name"`
	Properties []docProperty `bson:"properties"`
}

type docSchema struct {
	Version uint64      `bson:"version"`
	Objects []docObject `bson:"objects"`
}

// Encode serializes a schema as a BSON document.
func Encode(s *Schema) ([]byte, error) {
	doc := docSchema{Version: s.Version, Objects: make([]docObject, 0, len(s.Objects))}
	for _, o := range s.Objects {
		do := docObject{Name: o.Name, Properties: make([]docProperty, 0, len(o.Properties))}
		for _, p := range o.Properties {
			dp := docProperty{
				Name:       p.Name,
				Kind:       p.Kind.String(),
				Optional:   p.Optional,
				Indexed:    p.Indexed,
				PrimaryKey: p.PrimaryKey,
				Target:     p.Target,
			}
			if p.Collection != CollectionNone {
				dp.Collection = p.Collection.String()
			}
			if p.Default != nil {
				raw, err := db.EncodeValue(p.Default)
				if err != nil {
					return nil, fmt.Errorf("default of %s.%s: %w", o.Name, p.Name, err)
				}
				dp.Default = raw
			}
			do.Properties = append(do.Properties, dp)
		}
		doc.Objects = append(doc.Objects, do)
	}
	return bson.Marshal(doc)
}

// Decode parses and validates a schema encoded by Encode.
func Decode(data []byte) (*Schema, error) {
	var doc docSchema
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, newError(ErrCCorruptMetadata, "cannot decode schema document: %v", err)
	}

	descs := make([]*ObjectSchema, 0, len(doc.Objects))
	for _, do := range doc.Objects {
		props := make([]Property, 0, len(do.Properties))
		for _, dp := range do.Properties {
			kind, ok := ParseKind(dp.Kind)
			if !ok {
				return nil, newError(ErrCCorruptMetadata, "property %s.%s has unknown kind %q", do.Name, dp.Name, dp.Kind)
			}
			coll := CollectionNone
			if dp.Collection != "" {
				if coll, ok = ParseCollection(dp.Collection); !ok {
					return nil, newError(ErrCCorruptMetadata, "property %s.%s has unknown collection %q", do.Name, dp.Name, dp.Collection)
				}
			}
			p := Property{
				Name:       dp.Name,
				Kind:       kind,
				Collection: coll,
				Optional:   dp.Optional,
				Indexed:    dp.Indexed,
				PrimaryKey: dp.PrimaryKey,
				Target:     dp.Target,
			}
			if len(dp.Default) > 0 {
				v, err := db.DecodeValue(dp.Default)
				if err != nil {
					return nil, newError(ErrCCorruptMetadata, "default of %s.%s: %v", do.Name, dp.Name, err)
				}
				p.Default = v
			}
			props = append(props, p)
		}
		descs = append(descs, Describe(do.Name, props...))
	}

	s, err := Register(doc.Version, descs...)
	if err != nil {
		return nil, newError(ErrCCorruptMetadata, "stored schema is invalid: %v", err)
	}
	return s, nil
}

// ReadMetadata returns the schema persisted in a snapshot, or nil if the store
// never stored one.
func ReadMetadata(snap db.Snapshot) (*Schema, error) {
	if !snap.HasTable(MetadataTable) {
		return nil, nil
	}
	tbl, err := snap.ReadTable(MetadataTable)
	if err != nil {
		return nil, err
	}
	keys := tbl.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > 1 {
		return nil, newError(ErrCCorruptMetadata, "%s holds %d rows", MetadataTable, len(keys))
	}
	row, _ := tbl.Get(keys[0])
	raw, ok := row[metaDocument].([]byte)
	if !ok {
		return nil, newError(ErrCCorruptMetadata, "%s row has no schema document", MetadataTable)
	}
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if v, _ := row[metaVersion].(int64); uint64(v) != s.Version {
		return nil, newError(ErrCCorruptMetadata, "%s version %d disagrees with its document (%d)", MetadataTable, v, s.Version)
	}
	return s, nil
}

// WriteMetadata stores s as the persisted schema of a writable snapshot.
func WriteMetadata(snap db.Snapshot, s *Schema) error {
	if !snap.HasTable(MetadataTable) {
		if err := snap.CreateTable(MetadataTable); err != nil && !errors.Is(err, db.ErrTableExists) {
			return err
		}
	}
	raw, err := Encode(s)
	if err != nil {
		return err
	}
	tbl, err := snap.WriteTable(MetadataTable)
	if err != nil {
		return err
	}
	row := db.Row{metaVersion: int64(s.Version), metaDocument: raw}
	if keys := tbl.Keys(); len(keys) > 0 {
		for _, k := range keys[1:] {
			if err := tbl.Delete(k); err != nil {
				return err
			}
		}
		return tbl.Update(keys[0], row)
	}
	_, err = tbl.Insert(row)
	return err
}
