// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package execplan

import "time"

// EventKind discriminates the payload fields populated on an Event. Event
// is a closed tagged struct rather than an interface hierarchy: HandleEvent
// dispatches on Kind with a single switch.
type EventKind int

const (
	// EventStepFailure reports that a step's execution logic raised or
	// returned a failure. Consumed.
	EventStepFailure EventKind = iota
	// EventResourceInitFailure reports that a step's resource setup failed
	// before the step body ran. Treated identically to EventStepFailure.
	EventResourceInitFailure
	// EventStepSuccess reports that a step completed and all of its
	// required outputs (if any) were already reported via
	// EventSuccessfulOutput. Consumed.
	EventStepSuccess
	// EventStepSkipped is produced only by the state machine's own
	// skip/abandon drain; a caller submitting one via HandleEvent is
	// rejected with an invariant violation.
	EventStepSkipped
	// EventStepUpForRetry requests that a failed step be retried, subject
	// to RetryMode. Consumed.
	EventStepUpForRetry
	// EventSuccessfulOutput reports that one output handle was produced.
	// Consumed; must arrive before the producing step's terminal event.
	EventSuccessfulOutput
	// EventStepMaterialization reports the logical version an asset was
	// materialized at, for provenance comparison on future runs. Consumed.
	EventStepMaterialization
	// EventAbandonLog is produced by PlanEventsIterator for each abandoned
	// step, summarizing the failed/abandoned upstream keys that caused it.
	EventAbandonLog
)

func (k EventKind) String() string {
	switch k {
	case EventStepFailure:
		return "step_failure"
	case EventResourceInitFailure:
		return "resource_init_failure"
	case EventStepSuccess:
		return "step_success"
	case EventStepSkipped:
		return "step_skipped"
	case EventStepUpForRetry:
		return "step_up_for_retry"
	case EventSuccessfulOutput:
		return "successful_output"
	case EventStepMaterialization:
		return "step_materialization"
	case EventAbandonLog:
		return "abandon_log"
	default:
		return "unknown_event"
	}
}

// Event is the single wire type for everything that flows into and out of
// HandleEvent / PlanEventsIterator. Only the fields relevant to Kind are
// populated; the rest are zero.
type Event struct {
	Kind    EventKind
	StepKey StepKey

	// Message carries a human-readable summary for failures and the
	// abandon log lines produced by the iterator. Produced step_skipped
	// events leave it empty and carry SkippedDeps instead.
	Message string

	// Handle is populated for EventSuccessfulOutput.
	Handle StepOutputHandle

	// SecondsToWait is populated for EventStepUpForRetry. Nil means
	// "retry immediately" (re-insert into pending rather than
	// waiting_to_retry).
	SecondsToWait *float64

	// MaterializedAsset and Version are populated for
	// EventStepMaterialization. Version is empty if the event
	// carried none, in which case runtime_asset_versions is left
	// unmodified.
	MaterializedAsset AssetKey
	Version           LogicalVersion

	// SkippedDeps is populated on produced EventStepSkipped events, the
	// handles that caused the skip (empty for a provenance-driven skip).
	SkippedDeps []StepOutputHandle
}

// NewStepFailure builds a consumable step-failure event.
func NewStepFailure(step StepKey, message string) Event {
	return Event{Kind: EventStepFailure, StepKey: step, Message: message}
}

// NewResourceInitFailure builds a consumable resource-init-failure event.
func NewResourceInitFailure(step StepKey, message string) Event {
	return Event{Kind: EventResourceInitFailure, StepKey: step, Message: message}
}

// NewStepSuccess builds a consumable step-success event.
func NewStepSuccess(step StepKey) Event {
	return Event{Kind: EventStepSuccess, StepKey: step}
}

// NewStepUpForRetry builds a consumable retry-request event. Pass nil for
// wait to request an immediate re-queue.
func NewStepUpForRetry(step StepKey, wait *float64) Event {
	return Event{Kind: EventStepUpForRetry, StepKey: step, SecondsToWait: wait}
}

// NewSuccessfulOutput builds a consumable produced-output event.
func NewSuccessfulOutput(handle StepOutputHandle) Event {
	return Event{Kind: EventSuccessfulOutput, StepKey: handle.StepKey, Handle: handle}
}

// NewStepMaterialization builds a consumable materialization event.
func NewStepMaterialization(step StepKey, asset AssetKey, version LogicalVersion) Event {
	return Event{Kind: EventStepMaterialization, StepKey: step, MaterializedAsset: asset, Version: version}
}

// WaitDuration converts SecondsToWait to a time.Duration, returning false
// if no wait was specified.
func (e Event) WaitDuration() (time.Duration, bool) {
	if e.SecondsToWait == nil {
		return 0, false
	}
	return time.Duration(*e.SecondsToWait * float64(time.Second)), true
}
