package store

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Store configuration
// --------------------------------------------------------------------------

// MigrationStep transforms values while the schema moves from From to To.
// Steps run inside the migration write transaction after all additive schema
// changes were applied and before removed properties are dropped, so old
// values stay readable through Migration.Old.
type MigrationStep struct {
	From  uint64
	To    uint64
	Apply func(m *Migration) error
}

// Config holds everything needed to open a store.
type Config struct {
	// Path of the persisted store, empty for a volatile store
	Path string
	// EncryptionKey seals the persisted state (64 bytes), nil for no encryption
	EncryptionKey []byte
	// Engine opens the storage engine (maple with default options if nil)
	Engine db.StoreFactory

	// Schema is the declared schema, required
	Schema *schema.Schema
	// Migrations are the value migration steps, any order
	Migrations []MigrationStep

	// WriteRetries is the number of times Store.Write retries a conflicting transaction
	WriteRetries int

	// Collaborator is the optional sync collaborator
	Collaborator bridge.Collaborator

	// Metrics receives the store metrics (a private set if nil)
	Metrics *metrics.Set
}

// DefaultConfig returns a config for a volatile maple store. The schema must
// still be set.
func DefaultConfig() Config {
	return Config{
		Engine:       maple.Factory(nil),
		WriteRetries: 3,
	}
}

// hasStep reports whether a migration step lies within from -> to.
func (c *Config) hasStep(from, to uint64) bool {
	for _, m := range c.Migrations {
		if m.From >= from && m.To <= to {
			return true
		}
	}
	return false
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	path := c.Path
	if path == "" {
		path = "(volatile)"
	}
	addField("Path", path)
	addField("Encrypted", fmt.Sprintf("%t", c.EncryptionKey != nil))

	addSection("Schema")
	if c.Schema != nil {
		addField("Version", fmt.Sprintf("%d", c.Schema.Version))
		addField("Types", strings.Join(c.Schema.Names(), ", "))
	} else {
		addField("Version", "(none)")
	}
	addField("Migration Steps", fmt.Sprintf("%d", len(c.Migrations)))

	addSection("Transactions")
	addField("Write Retries", fmt.Sprintf("%d", c.WriteRetries))
	addField("Sync Collaborator", fmt.Sprintf("%t", c.Collaborator != nil))

	return sb.String()
}
