// Copyright 2026 The Logflume Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli wires the command-line surface of the shipper.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build information injected by main via ldflags.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// rootFlags are the persistent flags shared by all subcommands.
type rootFlags struct {
	configPath string
	verbose    bool
}

// NewRootCommand creates the root command for the logflume binary.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "logflume",
		Short: "logflume ships structured log entries to a remote logging API",
		Long: `Logflume batches structured log entries and ships them to a
Cloud-Logging-style entries:write API, authenticating with a service
account via the JWT bearer grant. Entries are buffered per destination,
flushed on size or time thresholds, and retried with exponential
backoff; undeliverable entries fall back to the local log stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case spellings of multi-word flags.
	cmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "logflume.yaml", "Path to the YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newShipCommand(flags))
	cmd.AddCommand(newVersionCommand())

	return cmd
}
