package util

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	dbutil "github.com/ValentinKolb/dObj/lib/db/util"
	"github.com/ValentinKolb/dObj/lib/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		wrappedLines = append(wrappedLines, line.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds DOBJ_* environment variables.
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dobj")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper and initializes logging.
func BindCommandFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return logging.Init(viper.GetString("log-level"), viper.GetBool("log-dev"))
}

// SetupStoreFlags adds the flags every command opening a store file needs.
func SetupStoreFlags(cmd *cobra.Command) {
	key := "encryption-key"
	cmd.PersistentFlags().String(key, "", WrapString("Hex encoded 64 byte key the store file is sealed with (empty for an unencrypted store)"))

	key = "replica"
	cmd.PersistentFlags().String(key, "", WrapString("Name of the replica, stores replicating each other need distinct names (empty for a standalone store)"))
}

// EncryptionKey returns the configured encryption key, nil if unset.
func EncryptionKey() ([]byte, error) {
	raw := viper.GetString("encryption-key")
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return key, nil
}

// EngineOptions returns the maple options for the configured replica.
func EngineOptions() *maple.Options {
	opts := maple.DefaultOptions()
	if name := viper.GetString("replica"); name != "" {
		opts.ReplicaID = dbutil.ReplicaID(name)
	}
	return opts
}

// OpenEngine opens the engine of the store file at path. The file must exist.
func OpenEngine(path string) (db.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	key, err := EncryptionKey()
	if err != nil {
		return nil, err
	}
	return maple.NewMapleStore(path, key, EngineOptions())
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
