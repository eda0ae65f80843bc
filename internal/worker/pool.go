// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package worker simulates concurrent step execution: the "(b) step
// execution itself" collaborator the core state machine
// (internal/core/execution) treats as external. A Pool dispatches an
// admitted batch of steps to a bounded group of goroutines and collects
// the events each StepRunner produces, so they can be fed back to
// ActiveExecution.HandleEvent on the single control goroutine that owns
// it.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"planrunner/pkg/execplan"
)

// StepRunner executes one step's logic and returns the events it
// produced. A non-nil error is turned into a step_failure event by Pool;
// implementations that want finer-grained events (successful_output,
// step_materialization, step_up_for_retry) return them directly instead.
type StepRunner func(ctx context.Context, step *execplan.Step) ([]execplan.Event, error)

// Pool dispatches steps to StepRunner, bounded by concurrency (<= 0 means
// unbounded - admission is already capped upstream by
// ActiveExecution.GetStepsToExecute, so an unbounded pool is still
// globally bounded by max_concurrent).
type Pool struct {
	runner      StepRunner
	concurrency int
}

// NewPool builds a Pool that runs at most concurrency steps at once.
func NewPool(runner StepRunner, concurrency int) *Pool {
	return &Pool{runner: runner, concurrency: concurrency}
}

// Dispatch runs every step in batch concurrently and returns every event
// produced, in arbitrary order (HandleEvent callers must not assume
// ordering across different steps; within one step the runner is
// responsible for emitting successful_output before its terminal event).
func (p *Pool) Dispatch(ctx context.Context, batch []*execplan.Step) ([]execplan.Event, error) {
	g, gctx := errgroup.WithContext(ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	eventsCh := make(chan execplan.Event, len(batch)*2+1)
	for _, step := range batch {
		step := step
		g.Go(func() error {
			events, err := p.runner(gctx, step)
			if err != nil {
				eventsCh <- execplan.NewStepFailure(step.Key, err.Error())
				return nil
			}
			for _, e := range events {
				eventsCh <- e
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(eventsCh)
	}()

	var collected []execplan.Event
	for e := range eventsCh {
		collected = append(collected, e)
	}
	return collected, <-done
}
