package inspect

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// InspectCmd prints information about a store file
	InspectCmd = &cobra.Command{
		Use:     "inspect [path]",
		Short:   "Print engine statistics, the stored schema and objects of a store",
		Args:    cobra.ExactArgs(1),
		PreRunE: util.BindCommandFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupStoreFlags(InspectCmd)

	key := "type"
	InspectCmd.Flags().String(key, "", util.WrapString("Print the objects of this type as JSON"))

	key = "limit"
	InspectCmd.Flags().Int(key, 100, util.WrapString("Maximum number of objects to print (0 for all)"))

	key = "json"
	InspectCmd.Flags().Bool(key, false, util.WrapString("Print the engine info as JSON"))
}

// Summary is the overview printed for a store file.
type Summary struct {
	Info          db.DatabaseInfo `json:"info"`
	SchemaVersion uint64          `json:"schema_version"`
	Objects       map[string]int  `json:"objects"`
	Tables        []string        `json:"tables"`
}

// Summarize collects the overview of a store from one snapshot.
func Summarize(engine db.Store) (*Summary, error) {
	snap, err := engine.BeginRead()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	sch, err := schema.ReadMetadata(snap)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Info: engine.GetInfo(), Objects: map[string]int{}, Tables: snap.Tables()}
	if sch == nil {
		return sum, nil
	}
	sum.SchemaVersion = sch.Version
	for _, name := range sch.Names() {
		o, _ := sch.Object(name)
		if !snap.HasTable(o.Table()) {
			continue
		}
		tbl, err := snap.ReadTable(o.Table())
		if err != nil {
			return nil, err
		}
		sum.Objects[name] = tbl.Len()
	}
	return sum, nil
}

// Objects returns up to limit rows of a type, each with its row key under "_key".
func Objects(engine db.Store, typeName string, limit int) ([]map[string]any, error) {
	snap, err := engine.BeginRead()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	table := schema.TablePrefix + typeName
	if !snap.HasTable(table) {
		return nil, fmt.Errorf("no objects of type %q stored", typeName)
	}
	tbl, err := snap.ReadTable(table)
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for _, key := range tbl.Keys() {
		if limit > 0 && len(out) == limit {
			break
		}
		row, _ := tbl.Get(key)
		obj := make(map[string]any, len(row)+1)
		for k, v := range row {
			obj[k] = v
		}
		obj["_key"] = uint64(key)
		out = append(out, obj)
	}
	return out, nil
}

func run(_ *cobra.Command, args []string) error {
	engine, err := util.OpenEngine(args[0])
	if err != nil {
		return err
	}
	defer engine.Close()

	if typeName := viper.GetString("type"); typeName != "" {
		objs, err := Objects(engine, typeName, viper.GetInt("limit"))
		if err != nil {
			return err
		}
		return util.PrintJSON(objs)
	}

	sum, err := Summarize(engine)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return util.PrintJSON(sum)
	}
	fmt.Fprint(os.Stdout, sum)
	return nil
}

// String returns a formatted string representation of the summary
func (s *Summary) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Engine")
	addField("Type", string(s.Info.DbType))
	addField("Version", fmt.Sprintf("%d", s.Info.Version))
	addField("Tables", fmt.Sprintf("%d", s.Info.Tables))
	addField("Rows", fmt.Sprintf("%d", s.Info.Rows))
	features := make([]string, len(s.Info.SupportedFeatures))
	for i, f := range s.Info.SupportedFeatures {
		features[i] = f.String()
	}
	addField("Features", strings.Join(features, ", "))

	keys := make([]string, 0, len(s.Info.Metadata))
	for k := range s.Info.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		addField(k, fmt.Sprintf("%v", s.Info.Metadata[k]))
	}

	addSection("Schema")
	if s.SchemaVersion == 0 && len(s.Objects) == 0 {
		addField("Version", "none")
	} else {
		addField("Version", fmt.Sprintf("%d", s.SchemaVersion))
	}
	names := make([]string, 0, len(s.Objects))
	for name := range s.Objects {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		addField(name, fmt.Sprintf("%d objects", s.Objects[name]))
	}
	return sb.String()
}
