// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package execution

import "planrunner/pkg/execplan"

// RetryState is an opaque per-step attempt counter. Attempt ceilings are
// enforced by the driver before it issues an up-for-retry event, not here;
// RetryState only records how many attempts have happened.
type RetryState struct {
	attempts map[execplan.StepKey]int
}

// NewRetryState builds a RetryState seeded from a plan's previously known
// attempt counts, so a resumed run continues counting rather than
// restarting at zero.
func NewRetryState(seed map[execplan.StepKey]int) *RetryState {
	rs := &RetryState{attempts: map[execplan.StepKey]int{}}
	for k, v := range seed {
		rs.attempts[k] = v
	}
	return rs
}

// MarkAttempt records one more attempt for key and returns the new count.
func (rs *RetryState) MarkAttempt(key execplan.StepKey) int {
	rs.attempts[key]++
	return rs.attempts[key]
}

// Attempts returns the number of attempts recorded for key so far.
func (rs *RetryState) Attempts(key execplan.StepKey) int {
	return rs.attempts[key]
}

// SnapshotAttempts returns a defensive copy of the full attempt map, for
// inclusion in a persisted KnownState.
func (rs *RetryState) SnapshotAttempts() map[execplan.StepKey]int {
	out := make(map[execplan.StepKey]int, len(rs.attempts))
	for k, v := range rs.attempts {
		out[k] = v
	}
	return out
}
