package changes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ChangesCmd compares two store files
	ChangesCmd = &cobra.Command{
		Use:   "changes [old] [new]",
		Short: "Print the objects inserted, modified and deleted between two store files",
		Long: `Compares the latest versions of two store files (e.g. a backup and the live file,
or two replicas) object by object and prints the row keys that differ per type.`,
		Args:    cobra.ExactArgs(2),
		PreRunE: util.BindCommandFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupStoreFlags(ChangesCmd)

	key := "json"
	ChangesCmd.Flags().Bool(key, false, util.WrapString("Print the changes as JSON"))
}

// Diff compares the object tables of two stores at their latest versions.
// The result has the shape of an engine change set from old to cur; tables
// without differences are omitted.
func Diff(old, cur db.Store) (db.ChangeSet, error) {
	before, err := old.BeginRead()
	if err != nil {
		return db.ChangeSet{}, err
	}
	defer before.Close()
	after, err := cur.BeginRead()
	if err != nil {
		return db.ChangeSet{}, err
	}
	defer after.Close()

	cs := db.ChangeSet{From: before.Version(), To: after.Version(), Tables: map[string]*db.TableChange{}}
	tables := append(before.Tables(), after.Tables()...)
	slices.Sort(tables)
	for _, name := range slices.Compact(tables) {
		if !strings.HasPrefix(name, schema.TablePrefix) {
			continue
		}
		tc, err := diffTable(before, after, name)
		if err != nil {
			return db.ChangeSet{}, err
		}
		if !tc.Empty() {
			cs.Tables[name] = tc
		}
	}
	return cs, nil
}

func diffTable(before, after db.Snapshot, name string) (*db.TableChange, error) {
	tc := &db.TableChange{}
	if !before.HasTable(name) {
		tc.Created = true
	}
	oldTbl, err := readTable(before, name)
	if err != nil {
		return nil, err
	}
	newTbl, err := readTable(after, name)
	if err != nil {
		return nil, err
	}

	if oldTbl != nil {
		for _, key := range oldTbl.Keys() {
			if newTbl == nil || !newTbl.Has(key) {
				tc.Deleted = append(tc.Deleted, key)
			}
		}
	}
	if newTbl != nil {
		for _, key := range newTbl.Keys() {
			row, _ := newTbl.Get(key)
			if oldTbl == nil || !oldTbl.Has(key) {
				tc.Inserted = append(tc.Inserted, key)
				continue
			}
			prev, _ := oldTbl.Get(key)
			if !db.Equal(map[string]any(prev), map[string]any(row)) {
				tc.Modified = append(tc.Modified, key)
			}
		}
	}
	return tc, nil
}

func readTable(snap db.Snapshot, name string) (db.TableReader, error) {
	if !snap.HasTable(name) {
		return nil, nil
	}
	return snap.ReadTable(name)
}

func run(_ *cobra.Command, args []string) error {
	old, err := util.OpenEngine(args[0])
	if err != nil {
		return err
	}
	defer old.Close()
	cur, err := util.OpenEngine(args[1])
	if err != nil {
		return err
	}
	defer cur.Close()

	cs, err := Diff(old, cur)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return util.PrintJSON(cs)
	}

	if cs.Empty() {
		fmt.Println("no changes")
		return nil
	}
	for _, name := range cs.TableNames() {
		tc := cs.Table(name)
		fmt.Printf("%s\n", strings.TrimPrefix(name, schema.TablePrefix))
		if tc.Created {
			fmt.Println("  (new type)")
		}
		fmt.Printf("  inserted: %v\n", tc.Inserted)
		fmt.Printf("  modified: %v\n", tc.Modified)
		fmt.Printf("  deleted:  %v\n", tc.Deleted)
	}
	return nil
}
