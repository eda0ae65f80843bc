// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package commands

import "github.com/spf13/cobra"

// newTestRootCommand builds a bare root command carrying the same
// persistent global flags internal/cli.NewRootCommand registers, so a
// subcommand under test can be exercised standalone without importing the
// cli package (which would import commands itself, creating a cycle).
func newTestRootCommand() *cobra.Command {
	root := &cobra.Command{Use: "planrunner", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "path to planrunner.yml")
	root.PersistentFlags().StringP("plan", "p", "", "path to the plan file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	return root
}
