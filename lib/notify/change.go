package notify

import "github.com/ValentinKolb/dObj/lib/db"

// --------------------------------------------------------------------------
// Change Records
// --------------------------------------------------------------------------

// Change is the diff record delivered to an observer for one version transition.
type Change interface {
	// Range returns the version transition the change covers.
	Range() (from, to db.Version)
}

// PropertyChange is the change of a single property of an object.
type PropertyChange struct {
	Name string
	Old  any
	New  any
}

// ObjectChange describes how one observed object changed. If Deleted is set,
// Properties is empty and the observer will not be notified again.
type ObjectChange struct {
	From       db.Version
	To         db.Version
	Deleted    bool
	Properties []PropertyChange
}

func (c ObjectChange) Range() (db.Version, db.Version) { return c.From, c.To }

// Property returns the change of a property by name.
func (c ObjectChange) Property(name string) (PropertyChange, bool) {
	for _, p := range c.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyChange{}, false
}

// CollectionChange describes how an observed collection changed.
//
// Deletions and Modifications are indices into the old collection, Insertions
// and ModificationsNew indices into the new one. Applying the deletions (in
// descending order) and then the insertions (in ascending order) to the old
// collection yields the new one. The key fields are only used by dictionaries.
type CollectionChange struct {
	From             db.Version
	To               db.Version
	Deletions        []int
	Insertions       []int
	Modifications    []int
	ModificationsNew []int
	DeletedKeys      []string
	InsertedKeys     []string
	ModifiedKeys     []string
	RootDeleted      bool // the object owning the collection was deleted
}

func (c CollectionChange) Range() (db.Version, db.Version) { return c.From, c.To }

// Empty reports whether the change carries nothing to report.
func (c CollectionChange) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Modifications) == 0 &&
		len(c.DeletedKeys) == 0 && len(c.InsertedKeys) == 0 && len(c.ModifiedKeys) == 0 &&
		!c.RootDeleted
}
