/*
Package schema declares typed object types and reconciles them with the schema
persisted in a store.

# Declaring Types

Object types are declared once, either with constructors:

	person := schema.Describe("Person",
		schema.String("name", schema.PrimaryKey()),
		schema.Int("age", schema.Indexed()),
		schema.Link("dog", "Dog"),
		schema.ListOf(schema.KindString, "nicknames"),
		schema.String("email", schema.Default("")),
	)

or derived from a struct:

	type Dog struct {
		Name  string `obj:"name,pk"`
		Owner *Person `obj:"owner"`
	}

	dog, err := schema.FromStruct[Dog]("Dog")

A set of descriptors plus a version is validated and frozen by Register:

	s, err := schema.Register(2, person, dog)

Register fails with a SchemaError (match with errors.Is(err, schema.ErrSchema)) on
duplicate type or property names, more than one primary key, primary keys that
are not a single int or string, links to unregistered types and defaults that do
not match the property type.

# Reconciling

Plan diffs the schema stored on disk with the declared one and returns the
ordered structural operations needed to move from one to the other:

	plan, err := schema.Plan(onDisk, declared, hasStep)

Plans only contain structural operations (add table, add/remove property,
add/remove index, nullability and primary key changes). Value changes are never
inferred: a property whose stored type changes needs a migration step supplied
by the caller, otherwise Plan fails. A changed schema also needs a higher version.
Types stored on disk but no longer declared are left untouched.

The store applies the plan, the migration steps and the new metadata row in one
write snapshot, see package store.

# Metadata

The schema is persisted in the engine table "__schema" as a single row holding
the version and a BSON document (ReadMetadata, WriteMetadata).

# Schema Files

LoadFile reads the declarative form (File) from HuJSON or YAML, Format renders a
schema back into it.
*/
package schema
