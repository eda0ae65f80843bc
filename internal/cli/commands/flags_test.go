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
	"testing"

	"github.com/spf13/cobra"
)

func newFlagsTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("plan", "", "")
	cmd.Flags().Bool("verbose", false, "")
	return cmd
}

func TestResolveFlags_FlagTakesPrecedenceOverEnv(t *testing.T) {
	t.Setenv("PLANRUNNER_CONFIG", "from-env.yml")
	cmd := newFlagsTestCommand()
	if err := cmd.Flags().Set("config", "from-flag.yml"); err != nil {
		t.Fatalf("setting flag: %v", err)
	}

	flags := ResolveFlags(cmd)
	if flags.Config != "from-flag.yml" {
		t.Fatalf("expected flag to win, got %q", flags.Config)
	}
}

func TestResolveFlags_EnvTakesPrecedenceOverDefault(t *testing.T) {
	t.Setenv("PLANRUNNER_PLAN", "from-env.yml")
	cmd := newFlagsTestCommand()

	flags := ResolveFlags(cmd)
	if flags.Plan != "from-env.yml" {
		t.Fatalf("expected env to win over default, got %q", flags.Plan)
	}
}

func TestResolveFlags_DefaultsWhenNothingSet(t *testing.T) {
	cmd := newFlagsTestCommand()

	flags := ResolveFlags(cmd)
	if flags.Config != "planrunner.yml" {
		t.Fatalf("expected default config path, got %q", flags.Config)
	}
	if flags.Plan != "plan.yml" {
		t.Fatalf("expected default plan path, got %q", flags.Plan)
	}
	if flags.Verbose {
		t.Fatalf("expected verbose to default to false")
	}
}

func TestResolveFlags_VerboseBoolPrecedence(t *testing.T) {
	t.Setenv("PLANRUNNER_VERBOSE", "true")
	cmd := newFlagsTestCommand()

	flags := ResolveFlags(cmd)
	if !flags.Verbose {
		t.Fatalf("expected env-sourced verbose=true to be honored")
	}
}
