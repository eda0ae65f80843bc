// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package cli wires together the planrunner root Cobra command and global
// CLI options.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"planrunner/internal/cli/commands"
)

// NewRootCommand constructs the planrunner root Cobra command. This wires
// the subcommands (`run`, `replay`, `validate`, `version`) that drive an
// execution plan from its declarative file through to completion.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("PLANRUNNER_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "planrunner",
		Short:         "planrunner – drives a DAG of execution-plan steps to completion",
		Long:          "planrunner runs a declarative execution plan's steps from pending to terminal, handling dynamic fan-out, retries, and concurrency admission along the way.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags - registered in lexicographic order for deterministic help output.
	cmd.PersistentFlags().StringP("config", "c", "", "path to planrunner.yml")
	cmd.PersistentFlags().StringP("plan", "p", "", "path to the plan file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of planrunner",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "planrunner version %s\n", version)
		},
	})

	// Subcommands - keep registrations in lexicographic order by .Use.
	cmd.AddCommand(commands.NewReplayCommand())
	cmd.AddCommand(commands.NewRunCommand())
	cmd.AddCommand(commands.NewValidateCommand())

	return cmd
}
