// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"planrunner/internal/core/execution"
	"planrunner/pkg/planfile"
)

// NewValidateCommand returns the `planrunner validate` command. It compiles
// the plan file and runs the state machine's initial update() without
// executing anything, surfacing the structural errors the plan compiler
// rejects (a step with an empty key, a template missing its key,
// parent_step or output_name, a pending step without fan_in entries)
// before a real run is attempted. A fan_in entry naming a template that
// does not exist is not reported: that pending step is simply never
// promoted.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a plan file for structural errors without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := ResolveFlags(cmd)

			plan, err := planfile.Load(flags.Plan)
			if err != nil {
				if err == planfile.ErrPlanFileNotFound {
					return fmt.Errorf("plan file not found at %s", flags.Plan)
				}
				return fmt.Errorf("loading plan file: %w", err)
			}

			exec, err := execution.New(plan, execution.Options{})
			if err != nil {
				return fmt.Errorf("plan is invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan %s is valid: %d step(s), %d template(s), %d pending fan-in step(s)\n",
				flags.Plan, len(plan.Steps), len(plan.Templates), len(plan.PendingDeps))
			fmt.Fprintf(out, "complete without running any steps: %v\n", exec.IsComplete())

			return nil
		},
	}
}
