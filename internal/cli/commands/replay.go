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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"planrunner/internal/core/execution"
	"planrunner/pkg/config"
	"planrunner/pkg/eventstore"
	"planrunner/pkg/planfile"
)

// NewReplayCommand returns the `planrunner replay` command. It reconstructs
// an ActiveExecution for --run-id purely from its persisted event log, the
// same replay RebuildFromEvents performs at the start of `run` - useful for
// inspecting what a crashed run's state looked like without re-executing
// anything.
func NewReplayCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconstruct a run's state from its persisted event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return replayRun(cmd, runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "default", "identifier of the run to replay")

	return cmd
}

func replayRun(cmd *cobra.Command, runID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	flags := ResolveFlags(cmd)

	cfg, err := config.Load(flags.Config)
	if err != nil {
		if err == config.ErrConfigNotFound {
			return fmt.Errorf("planrunner config not found at %s", flags.Config)
		}
		return fmt.Errorf("loading config: %w", err)
	}

	plan, err := planfile.Load(flags.Plan)
	if err != nil {
		if err == planfile.ErrPlanFileNotFound {
			return fmt.Errorf("plan file not found at %s", flags.Plan)
		}
		return fmt.Errorf("loading plan file: %w", err)
	}

	store, err := eventstore.Open(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	events, err := store.LoadEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading events for run %s: %w", runID, err)
	}

	retryMode, err := cfg.Execution.RetryModeValue()
	if err != nil {
		return err
	}

	exec, err := execution.New(plan, execution.Options{
		RetryMode:           retryMode,
		MaxConcurrent:       cfg.Execution.MaxConcurrent,
		TagConcurrencyRules: cfg.Execution.Rules(),
	})
	if err != nil {
		return fmt.Errorf("initializing execution: %w", err)
	}

	inFlight, err := exec.RebuildFromEvents(events)
	if err != nil {
		return fmt.Errorf("replaying events for run %s: %w", runID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: replayed %d event(s)\n", runID, len(events))
	fmt.Fprintf(out, "complete: %v\n", exec.IsComplete())
	fmt.Fprintf(out, "still in flight at time of replay: %v\n", inFlight)

	return nil
}
