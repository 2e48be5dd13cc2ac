// Package cmd implements the dobj command-line tool. It works on persisted
// store files and can run a store as a replica of a dsync shard.
//
// The package is organized into several subpackages:
//
//   - inspect: Prints engine statistics, the stored schema and objects of a store file
//   - changes: Compares two store files row by row
//   - schema: Shows the stored schema, plans and applies migrations to a declared schema file
//   - serve: Runs a store as a replica of a dsync shard
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as an environment variable DOBJ_<FLAG> (e.g.
// DOBJ_ENCRYPTION_KEY), read from the environment or from .env and .env.local.
//
// See dobj -help for a list of all commands.
package cmd
