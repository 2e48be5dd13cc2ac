package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dObj/cmd/changes"
	"github.com/ValentinKolb/dObj/cmd/inspect"
	"github.com/ValentinKolb/dObj/cmd/schema"
	"github.com/ValentinKolb/dObj/cmd/serve"
	"github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/logging"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dobj",
		Short: "typed object store",
		Long: fmt.Sprintf(`dObj (v%s)

A typed object store library written in Go: schema-bound live objects on top
of a multi-version storage engine, with change notifications and optional
RAFT based replication.

This tool inspects store files, plans and applies schema migrations and runs
replicas.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dObj",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dObj v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(inspect.InspectCmd)
	RootCmd.AddCommand(changes.ChangesCmd)
	RootCmd.AddCommand(schema.SchemaCommands)
	RootCmd.AddCommand(serve.ServeCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	key = "log-dev"
	RootCmd.PersistentFlags().Bool(key, false, util.WrapString("Print human readable logs instead of JSON"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	defer logging.Sync()
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
