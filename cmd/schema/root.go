package schema

import (
	"errors"
	"fmt"
	"os"

	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/ValentinKolb/dObj/lib/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// SchemaCommands represents the schema command group
	SchemaCommands = &cobra.Command{
		Use:   "schema",
		Short: "Show, plan and apply schemas of store files",
		Long: `Schema files declare object types in HuJSON (.json, .hujson, comments and
trailing commas allowed) or YAML (.yaml, .yml). Type changes of stored values
need a migration step in code and cannot be applied from a schema file.`,
	}
	showCmd = &cobra.Command{
		Use:     "show [path]",
		Short:   "Print the schema stored in a store file",
		Args:    cobra.ExactArgs(1),
		PreRunE: util.BindCommandFlags,
		RunE:    runShow,
	}
	planCmd = &cobra.Command{
		Use:     "plan [path] [schema-file]",
		Short:   "Print the migration from the stored schema to a schema file",
		Args:    cobra.ExactArgs(2),
		PreRunE: util.BindCommandFlags,
		RunE:    runPlan,
	}
	applyCmd = &cobra.Command{
		Use:     "apply [path] [schema-file]",
		Short:   "Migrate a store file to a schema file (creates the store if missing)",
		Args:    cobra.ExactArgs(2),
		PreRunE: util.BindCommandFlags,
		RunE:    runApply,
	}
)

func init() {
	util.SetupStoreFlags(SchemaCommands)

	key := "format"
	showCmd.Flags().String(key, "yaml", util.WrapString("Output format (yaml, json)"))

	SchemaCommands.AddCommand(showCmd)
	SchemaCommands.AddCommand(planCmd)
	SchemaCommands.AddCommand(applyCmd)
}

// stored reads the schema persisted in the store file at path. A missing
// file has no schema.
func stored(path string) (*schema.Schema, error) {
	engine, err := util.OpenEngine(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	return readStored(engine)
}

func readStored(engine db.Store) (*schema.Schema, error) {
	snap, err := engine.BeginRead()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return schema.ReadMetadata(snap)
}

// Plan computes the migration from the schema stored in engine to declared.
// Type changes are planned as if a migration step existed.
func Plan(engine db.Store, declared *schema.Schema) (*schema.MigrationPlan, error) {
	onDisk, err := readStored(engine)
	if err != nil {
		return nil, err
	}
	return schema.Plan(onDisk, declared, func(_, _ uint64) bool { return true })
}

func runShow(_ *cobra.Command, args []string) error {
	sch, err := stored(args[0])
	if err != nil {
		return err
	}
	if sch == nil {
		return fmt.Errorf("%s holds no schema", args[0])
	}
	out, err := schema.Format(sch, viper.GetString("format"))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runPlan(_ *cobra.Command, args []string) error {
	declared, err := schema.LoadFile(args[1])
	if err != nil {
		return err
	}

	var plan *schema.MigrationPlan
	engine, err := util.OpenEngine(args[0])
	switch {
	case errors.Is(err, os.ErrNotExist):
		plan, err = schema.Plan(nil, declared, nil)
	case err != nil:
		return err
	default:
		defer engine.Close()
		plan, err = Plan(engine, declared)
	}
	if err != nil {
		return err
	}

	fmt.Println(plan)
	if plan.NeedsStep() {
		fmt.Println("\nthe plan changes the type of stored values and needs a migration step in code")
	}
	return nil
}

func runApply(_ *cobra.Command, args []string) error {
	declared, err := schema.LoadFile(args[1])
	if err != nil {
		return err
	}
	key, err := util.EncryptionKey()
	if err != nil {
		return err
	}

	cfg := store.DefaultConfig()
	cfg.Path = args[0]
	cfg.EncryptionKey = key
	cfg.Engine = func(path string, encryptionKey []byte) (db.Store, error) {
		engine, err := maple.NewMapleStore(path, encryptionKey, util.EngineOptions())
		if err != nil {
			return nil, err
		}
		// print the plan before the store applies it
		if plan, err := Plan(engine, declared); err == nil {
			fmt.Println(plan)
		}
		return engine, nil
	}
	cfg.Schema = declared

	s, err := store.Open(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("store is at schema version %d (version %d)\n", declared.Version, s.CurrentVersion())
	return s.Close()
}
