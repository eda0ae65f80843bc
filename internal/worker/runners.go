// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package worker

import (
	"context"
	"fmt"
	"strings"

	"planrunner/pkg/execplan"
	"planrunner/pkg/executil"
)

// CommandTag is the step tag ShellStepRunner reads for the shell command to
// execute. A step with no (or a blank) command tag runs nothing and
// produces a single step_success event: it is treated as a no-op step
// (useful for structural steps that exist only to gate a dependency edge).
const CommandTag = "command"

// ShellStepRunner builds a StepRunner that executes each step's CommandTag
// value with sh -c, the same shell-out convention the driver's own
// executil.Runner is built for. Exit code 0 produces a step_success event;
// any other outcome (non-zero exit, command not found, context
// cancellation) is surfaced as a step_failure event with the captured
// stderr, rather than returning a Go error, so Pool.Dispatch doesn't
// collapse the exact reason into a generic message.
func ShellStepRunner(runner executil.Runner) StepRunner {
	return func(ctx context.Context, step *execplan.Step) ([]execplan.Event, error) {
		command, ok := step.Tags[CommandTag]
		if !ok || strings.TrimSpace(command) == "" {
			return []execplan.Event{execplan.NewStepSuccess(step.Key)}, nil
		}

		result, err := runner.Run(ctx, executil.NewCommand("sh", "-c", command))
		if err != nil {
			message := err.Error()
			if result != nil && len(result.Stderr) > 0 {
				message = fmt.Sprintf("%s: %s", err.Error(), strings.TrimSpace(string(result.Stderr)))
			}
			return []execplan.Event{execplan.NewStepFailure(step.Key, message)}, nil
		}

		return []execplan.Event{execplan.NewStepSuccess(step.Key)}, nil
	}
}

// NoopStepRunner builds a StepRunner that immediately succeeds every step
// without doing any work, for demos and for driving the state machine in
// tests without a real worker.
func NoopStepRunner() StepRunner {
	return func(_ context.Context, step *execplan.Step) ([]execplan.Event, error) {
		return []execplan.Event{execplan.NewStepSuccess(step.Key)}, nil
	}
}
