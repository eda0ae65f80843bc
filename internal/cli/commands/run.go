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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"planrunner/internal/core/execution"
	"planrunner/internal/worker"
	"planrunner/pkg/config"
	"planrunner/pkg/eventstore"
	"planrunner/pkg/execplan"
	"planrunner/pkg/executil"
	"planrunner/pkg/logging"
	"planrunner/pkg/planfile"
)

// NewRunCommand returns the `planrunner run` command.
func NewRunCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive an execution plan's steps to completion",
		Long:  "Loads a plan file, resumes any persisted state for --run-id, and drives the plan's steps through the worker pool until every step reaches a terminal state.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd, runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "default", "identifier for this run's persisted event log and snapshot")

	return cmd
}

func runPlan(cmd *cobra.Command, runID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := ResolveFlags(cmd)
	logger := logging.NewLogger(flags.Verbose)

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

	priorEvents, err := store.LoadEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading prior events for run %s: %w", runID, err)
	}
	if snapshot, found, err := store.LoadSnapshot(ctx, runID); err != nil {
		return fmt.Errorf("loading snapshot for run %s: %w", runID, err)
	} else if found {
		plan.Known = snapshot
	}

	retryMode, err := cfg.Execution.RetryModeValue()
	if err != nil {
		return err
	}
	pollInterval, err := cfg.Execution.PollIntervalDuration()
	if err != nil {
		return err
	}

	interrupt := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()

	exec, err := execution.New(plan, execution.Options{
		RetryMode:           retryMode,
		MaxConcurrent:       cfg.Execution.MaxConcurrent,
		TagConcurrencyRules: cfg.Execution.Rules(),
		Interrupt:           interrupt,
	})
	if err != nil {
		return fmt.Errorf("initializing execution: %w", err)
	}

	if len(priorEvents) > 0 {
		logger.Info("resuming run", logging.NewField("run_id", runID), logging.NewField("prior_events", len(priorEvents)))
		if _, err := exec.RebuildFromEvents(priorEvents); err != nil {
			return fmt.Errorf("replaying prior events for run %s: %w", runID, err)
		}
	}

	pool := worker.NewPool(worker.ShellStepRunner(executil.NewRunner()), cfg.Execution.WorkerConcurrency)

	seq := int64(len(priorEvents))
	persist := func(events ...execplan.Event) error {
		for _, e := range events {
			if err := store.AppendEvent(ctx, runID, seq, e); err != nil {
				return err
			}
			seq++
		}
		return nil
	}

	var runErr error
	err = exec.Run(func(ae *execution.ActiveExecution) error {
		for !ae.IsComplete() {
			if ae.CheckForInterrupts() {
				ae.MarkInterrupted()
				return execplan.NewExecutionInterrupted()
			}

			skipAbandonEvents, err := ae.PlanEventsIterator(ctx)
			if err != nil {
				return fmt.Errorf("draining skip/abandon: %w", err)
			}
			if err := persist(skipAbandonEvents...); err != nil {
				return fmt.Errorf("persisting skip/abandon events: %w", err)
			}

			batch, err := ae.GetStepsToExecute(0)
			if err != nil {
				return fmt.Errorf("getting steps to execute: %w", err)
			}
			if len(batch) == 0 {
				if ae.IsComplete() {
					break
				}
				// Nothing executable right now; either a retry wait is
				// counting down or steps are still in flight. Either way,
				// back off instead of busy-spinning on update().
				select {
				case <-ctx.Done():
					ae.MarkInterrupted()
					return execplan.NewExecutionInterrupted()
				case <-time.After(pollInterval):
				}
				continue
			}

			for _, step := range batch {
				logger.Info("dispatching step", logging.NewField("step", string(step.Key)))
			}

			events, err := pool.Dispatch(ctx, batch)
			if err != nil {
				return fmt.Errorf("dispatching batch: %w", err)
			}

			for _, event := range events {
				if err := ae.HandleEvent(event); err != nil {
					return fmt.Errorf("handling event for %s: %w", event.StepKey, err)
				}
			}
			if err := persist(events...); err != nil {
				return fmt.Errorf("persisting step events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		runErr = err
	}

	if snapshotErr := store.SaveSnapshot(ctx, runID, exec.GetKnownState()); snapshotErr != nil {
		if runErr == nil {
			return fmt.Errorf("saving snapshot for run %s: %w", runID, snapshotErr)
		}
		logger.Error("failed to save snapshot after run error", logging.NewField("error", snapshotErr.Error()))
	}

	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", runID, runErr)
	}

	logger.Info("run complete", logging.NewField("run_id", runID))
	return nil
}
