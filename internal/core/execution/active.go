// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package execution implements the execution-plan state machine:
// ActiveExecution and its collaborators RetryState, TagConcurrencyCounter,
// DynamicResolver, and ProvenanceChecker. The package is deliberately
// single-threaded and has no knowledge of persistence, logging, or
// transport - it consumes a *execplan.Plan and execplan.Event values and
// produces batches of steps to run, skip, or abandon. Every mutation
// happens on the goroutine that owns the ActiveExecution; concurrency is
// the caller's concern.
package execution

import (
	"context"
	"sort"
	"time"

	"planrunner/pkg/execplan"
)

// gatherBuffer accumulates the mapping keys observed for one in-flight
// dynamic output. A nil *gatherBuffer recorded for an output name means
// the producing step was skipped - Dagster's None, as opposed to an
// empty, non-nil buffer meaning "zero mapping keys observed so far".
type gatherBuffer struct {
	keys []execplan.MappingKey
}

// SortLess orders two executable steps for batch issuance; ties should be
// broken by step key to keep batches reproducible.
type SortLess func(a, b *execplan.Step) bool

// defaultSortLess runs higher "priority" tags first, breaking ties on
// step key ascending. The original implementation negates the tag so
// ascending sort puts higher priority first; preserving the contract
// (not the negation trick) is what the spec requires.
func defaultSortLess(a, b *execplan.Step) bool {
	pa, pb := a.Priority(), b.Priority()
	if pa != pb {
		return pa > pb
	}
	return a.Key < b.Key
}

// Options configures a new ActiveExecution. All fields are optional.
type Options struct {
	RetryMode           execplan.RetryMode
	SortLess            SortLess
	MaxConcurrent       int
	TagConcurrencyRules []execplan.TagConcurrencyRule
	// Interrupt, when non-nil, is polled by CheckForInterrupts. Injected
	// rather than a package-level global so a multi-plan host can scope
	// one interrupt source per execution.
	Interrupt <-chan struct{}
	// Now overrides time.Now, for deterministic retry-wait tests.
	Now func() time.Time
}

// ActiveExecution is the execution-plan state machine. It must be used
// under Scope or Run; GetStepsToExecute returns an invariant-violation
// error if called before Scope.
type ActiveExecution struct {
	plan *execplan.Plan

	retryMode     execplan.RetryMode
	sortLess      SortLess
	maxConcurrent int
	now           func() time.Time
	interrupt     <-chan struct{}

	retryState *RetryState
	tagRules   []execplan.TagConcurrencyRule
	dynamic    *DynamicResolver
	provenance *ProvenanceChecker

	pending        map[execplan.StepKey]struct{}
	executable     map[execplan.StepKey]struct{}
	inFlight       map[execplan.StepKey]struct{}
	pendingSkip    map[execplan.StepKey]struct{}
	pendingAbandon map[execplan.StepKey]struct{}
	waitingToRetry map[execplan.StepKey]time.Time
	success        map[execplan.StepKey]struct{}
	failed         map[execplan.StepKey]struct{}
	skipped        map[execplan.StepKey]struct{}
	abandoned      map[execplan.StepKey]struct{}
	unknownState   map[execplan.StepKey]struct{}

	stepOutputs             map[execplan.StepOutputHandle]struct{}
	gatheringDynamicOutputs map[execplan.StepKey]map[execplan.OutputName]*gatherBuffer
	completedDynamicOutputs map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping
	skippedDeps             map[execplan.StepKey][]execplan.StepOutputHandle
	runtimeAssetVersions    map[execplan.AssetKey]execplan.LogicalVersion

	acquired    bool
	interrupted bool
}

// New constructs an ActiveExecution seeded from plan.Known, performing the
// initial update() so source steps land in executable before the caller
// ever acquires the scope.
func New(plan *execplan.Plan, opts Options) (*ActiveExecution, error) {
	if opts.SortLess == nil {
		opts.SortLess = defaultSortLess
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ae := &ActiveExecution{
		plan:          plan,
		retryMode:     opts.RetryMode,
		sortLess:      opts.SortLess,
		maxConcurrent: opts.MaxConcurrent,
		now:           opts.Now,
		interrupt:     opts.Interrupt,

		retryState: NewRetryState(plan.Known.PreviousRetryAttempts),
		dynamic:    NewDynamicResolver(plan, plan.Known.DynamicMappings),
		provenance: NewProvenanceChecker(plan.Known.AssetProvenance),

		pending:        map[execplan.StepKey]struct{}{},
		executable:     map[execplan.StepKey]struct{}{},
		inFlight:       map[execplan.StepKey]struct{}{},
		pendingSkip:    map[execplan.StepKey]struct{}{},
		pendingAbandon: map[execplan.StepKey]struct{}{},
		waitingToRetry: map[execplan.StepKey]time.Time{},
		success:        map[execplan.StepKey]struct{}{},
		failed:         map[execplan.StepKey]struct{}{},
		skipped:        map[execplan.StepKey]struct{}{},
		abandoned:      map[execplan.StepKey]struct{}{},
		unknownState:   map[execplan.StepKey]struct{}{},

		stepOutputs:             map[execplan.StepOutputHandle]struct{}{},
		gatheringDynamicOutputs: map[execplan.StepKey]map[execplan.OutputName]*gatherBuffer{},
		completedDynamicOutputs: map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping{},
		skippedDeps:             map[execplan.StepKey][]execplan.StepOutputHandle{},
		runtimeAssetVersions:    map[execplan.AssetKey]execplan.LogicalVersion{},
	}

	for key := range plan.GetExecutableStepDeps() {
		ae.pending[key] = struct{}{}
	}
	for handle := range plan.Known.ReadyOutputs {
		ae.stepOutputs[handle] = struct{}{}
	}
	for step, outputs := range plan.Known.DynamicMappings {
		if ae.completedDynamicOutputs[step] == nil {
			ae.completedDynamicOutputs[step] = map[execplan.OutputName]execplan.DynamicOutputMapping{}
		}
		for name, mapping := range outputs {
			ae.completedDynamicOutputs[step][name] = mapping
		}
	}
	for asset, version := range plan.Known.StepOutputVersions {
		ae.runtimeAssetVersions[asset] = version
	}

	ae.tagRules = opts.TagConcurrencyRules

	if err := ae.update(); err != nil {
		return nil, err
	}
	return ae, nil
}

// Scope acquires the execution for use and returns a release function.
// The release function performs the scope-exit completion check: if the
// plan is not complete, it returns invariant_violation (or
// execution_interrupted if MarkInterrupted was called); if unknownState is
// non-empty it returns unknown_step_state (or the interrupted variant).
// Callers MUST invoke the returned function exactly once.
func (ae *ActiveExecution) Scope() (*ActiveExecution, func() error) {
	ae.acquired = true
	return ae, ae.release
}

// Run acquires the scope, invokes fn, and releases, propagating fn's error
// unchanged (scope-exit checks are suppressed when fn itself failed) - the
// idiomatic replacement for a Python context manager's __enter__/__exit__.
func (ae *ActiveExecution) Run(fn func(*ActiveExecution) error) error {
	exec, release := ae.Scope()
	if err := fn(exec); err != nil {
		ae.acquired = false
		return err
	}
	return release()
}

func (ae *ActiveExecution) release() error {
	ae.acquired = false

	if len(ae.unknownState) > 0 {
		steps := keysOf(ae.unknownState)
		if ae.interrupted {
			return execplan.NewExecutionInterrupted(steps...)
		}
		return execplan.NewUnknownStepState(steps...)
	}

	if !ae.IsComplete() {
		steps := ae.outstandingSteps()
		if ae.interrupted {
			return execplan.NewExecutionInterrupted(steps...)
		}
		return execplan.NewInvariantViolation("execution released while steps remain outstanding", steps...)
	}
	return nil
}

func (ae *ActiveExecution) outstandingSteps() []execplan.StepKey {
	var out []execplan.StepKey
	for _, bucket := range []map[execplan.StepKey]struct{}{
		ae.pending, ae.executable, ae.inFlight, ae.pendingSkip, ae.pendingAbandon, ae.unknownState,
	} {
		out = append(out, keysOf(bucket)...)
	}
	for key := range ae.waitingToRetry {
		out = append(out, key)
	}
	return out
}

func keysOf(m map[execplan.StepKey]struct{}) []execplan.StepKey {
	out := make([]execplan.StepKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// inFlightSteps resolves the current in_flight key set to *execplan.Step,
// for rebuilding the tag-concurrency counter against steps actually
// running right now.
func (ae *ActiveExecution) inFlightSteps() []*execplan.Step {
	keys := keysOf(ae.inFlight)
	steps := make([]*execplan.Step, 0, len(keys))
	for _, k := range keys {
		if step, ok := ae.plan.Steps[k]; ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// IsComplete reports whether every non-terminal bucket (other than
// unknownState, which is terminal-but-error) is empty.
func (ae *ActiveExecution) IsComplete() bool {
	return len(ae.pending) == 0 &&
		len(ae.executable) == 0 &&
		len(ae.inFlight) == 0 &&
		len(ae.pendingSkip) == 0 &&
		len(ae.pendingAbandon) == 0 &&
		len(ae.waitingToRetry) == 0
}

// terminalSet returns the union of every terminal bucket, for the dynamic
// resolver's cyclic-reference guard.
func (ae *ActiveExecution) terminalSet() map[execplan.StepKey]struct{} {
	out := map[execplan.StepKey]struct{}{}
	for _, bucket := range []map[execplan.StepKey]struct{}{ae.success, ae.failed, ae.skipped, ae.abandoned} {
		for k := range bucket {
			out[k] = struct{}{}
		}
	}
	return out
}

// update is the transition engine. Idempotent: calling it twice in a row
// with no intervening event or admission produces no further change.
// Admission (concurrency caps, tag-concurrency rules) is deliberately not
// folded in here - only the execute-batch getter enforces it, so update
// answers only "what could run".
func (ae *ActiveExecution) update() error {
	newSteps, err := ae.dynamic.Resolve(ae.plan, ae.completedDynamicOutputs, ae.terminalSet())
	if err != nil {
		return err
	}
	for _, s := range newSteps {
		ae.plan.Steps[s.Key] = s
		ae.pending[s.Key] = struct{}{}
	}

	for _, key := range keysOf(ae.pending) {
		step, ok := ae.plan.Steps[key]
		if !ok {
			continue
		}

		if ae.anyDepIn(step.DependsOn, ae.failed, ae.abandoned) {
			delete(ae.pending, key)
			ae.pendingAbandon[key] = struct{}{}
			continue
		}

		if !ae.allDepsIn(step.DependsOn, ae.success, ae.skipped) {
			continue
		}

		if missing := ae.missingInputHandles(step); len(missing) > 0 {
			delete(ae.pending, key)
			ae.pendingSkip[key] = struct{}{}
			ae.skippedDeps[key] = missing
			continue
		}

		if !ae.provenance.IsProvenanceChanged(step, ae.runtimeAssetVersions) {
			delete(ae.pending, key)
			ae.pendingSkip[key] = struct{}{}
			ae.skippedDeps[key] = nil
			continue
		}

		delete(ae.pending, key)
		ae.executable[key] = struct{}{}
	}

	now := ae.now()
	for key, at := range ae.waitingToRetry {
		if !at.After(now) {
			delete(ae.waitingToRetry, key)
			ae.executable[key] = struct{}{}
		}
	}

	return nil
}

func (ae *ActiveExecution) anyDepIn(deps map[execplan.StepKey]struct{}, sets ...map[execplan.StepKey]struct{}) bool {
	for dep := range deps {
		for _, set := range sets {
			if _, ok := set[dep]; ok {
				return true
			}
		}
	}
	return false
}

func (ae *ActiveExecution) allDepsIn(deps map[execplan.StepKey]struct{}, sets ...map[execplan.StepKey]struct{}) bool {
	for dep := range deps {
		found := false
		for _, set := range sets {
			if _, ok := set[dep]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// missingInputHandles implements "input-source presence": for each
// declared input, every one of its source handles is checked; a handle is
// missing if its producing step is a dependency of this step but the
// handle was never recorded in stepOutputs. If every source handle of any
// one input is missing, that input's handles are returned (triggering a
// skip); inputs with no declared sources never trigger a skip.
func (ae *ActiveExecution) missingInputHandles(step *execplan.Step) []execplan.StepOutputHandle {
	var triggered []execplan.StepOutputHandle
	for _, in := range step.Inputs {
		if len(in.Sources) == 0 {
			continue
		}
		allMissing := true
		for _, h := range in.Sources {
			if _, isDep := step.DependsOn[h.StepKey]; !isDep {
				allMissing = false
				break
			}
			if _, produced := ae.stepOutputs[h]; produced {
				allMissing = false
				break
			}
		}
		if allMissing {
			triggered = append(triggered, in.Sources...)
		}
	}
	return triggered
}

func hasDynamicOutput(step *execplan.Step) bool {
	for _, out := range step.Outputs {
		if out.IsDynamic {
			return true
		}
	}
	return false
}

// GetStepsToExecute calls update(), then admits from executable in
// sort-key order until limit is reached (limit <= 0 means unlimited),
// max_concurrent is reached, or - per step, without removing it from
// consideration for later steps in the same batch - a tag-concurrency rule
// would be violated.
func (ae *ActiveExecution) GetStepsToExecute(limit int) ([]*execplan.Step, error) {
	if !ae.acquired {
		return nil, execplan.NewInvariantViolation("GetStepsToExecute called outside an acquired scope")
	}
	return ae.executeBatch(limit)
}

// executeBatch is the admission logic shared by GetStepsToExecute (which
// requires an acquired scope) and RebuildFromEvents (which runs before the
// caller has acquired the scope, to fire dynamic resolution at the
// correct point during replay).
func (ae *ActiveExecution) executeBatch(limit int) ([]*execplan.Step, error) {
	if err := ae.update(); err != nil {
		return nil, err
	}

	keys := keysOf(ae.executable)
	steps := make([]*execplan.Step, len(keys))
	for i, k := range keys {
		steps[i] = ae.plan.Steps[k]
	}
	sort.SliceStable(steps, func(i, j int) bool { return ae.sortLess(steps[i], steps[j]) })

	// Rebuilt from the current in_flight set on every call, not maintained
	// incrementally: a tag-concurrency bucket must reflect steps presently
	// running, so a step leaving in_flight (for any terminal reason) frees
	// its bucket for the next batch without needing a matching decrement
	// at every place a step can leave in_flight.
	tagCounter := NewTagConcurrencyCounter(ae.tagRules, ae.inFlightSteps())

	var batch []*execplan.Step
	for _, step := range steps {
		if limit > 0 && len(batch) >= limit {
			break
		}
		if ae.maxConcurrent > 0 && len(batch)+len(ae.inFlight) >= ae.maxConcurrent {
			break
		}
		if tagCounter.IsBlocked(step) {
			continue
		}

		delete(ae.executable, step.Key)
		ae.inFlight[step.Key] = struct{}{}
		tagCounter.UpdateCountersWithLaunchedItem(step)

		if hasDynamicOutput(step) {
			buffers := map[execplan.OutputName]*gatherBuffer{}
			for _, out := range step.Outputs {
				if out.IsDynamic {
					buffers[out.Name] = &gatherBuffer{}
				}
			}
			ae.gatheringDynamicOutputs[step.Key] = buffers
		}

		batch = append(batch, step)
	}
	return batch, nil
}

// GetNextStep is a convenience wrapper around GetStepsToExecute(1) that
// sleeps until the earliest waiting_to_retry deadline when nothing is
// presently executable, then retries. Returns nil if there is nothing
// executable and nothing waiting.
func (ae *ActiveExecution) GetNextStep() (*execplan.Step, error) {
	for {
		if err := ae.update(); err != nil {
			return nil, err
		}
		if len(ae.executable) > 0 {
			batch, err := ae.GetStepsToExecute(1)
			if err != nil {
				return nil, err
			}
			if len(batch) > 0 {
				return batch[0], nil
			}
		}
		if len(ae.waitingToRetry) == 0 {
			return nil, nil
		}
		ae.sleepTilReady()
	}
}

func (ae *ActiveExecution) sleepTilReady() {
	var earliest time.Time
	for _, at := range ae.waitingToRetry {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if wait := earliest.Sub(ae.now()); wait > 0 {
		time.Sleep(wait)
	}
}

// GetStepsToSkip drains pendingSkip into inFlight, returning the drained
// steps sorted by the same order GetStepsToExecute would use. Skipped
// steps with a dynamic output get a nil gathering buffer, distinguishing
// "the producing step was skipped" from "zero mapping keys observed".
func (ae *ActiveExecution) GetStepsToSkip() []*execplan.Step {
	if err := ae.update(); err != nil {
		return nil
	}
	keys := keysOf(ae.pendingSkip)
	steps := make([]*execplan.Step, len(keys))
	for i, k := range keys {
		steps[i] = ae.plan.Steps[k]
	}
	sort.SliceStable(steps, func(i, j int) bool { return ae.sortLess(steps[i], steps[j]) })

	for _, step := range steps {
		delete(ae.pendingSkip, step.Key)
		ae.inFlight[step.Key] = struct{}{}
		if hasDynamicOutput(step) {
			ae.gatheringDynamicOutputs[step.Key] = nil
		}
	}
	return steps
}

// GetStepsToAbandon drains pendingAbandon into inFlight, sorted like
// GetStepsToSkip.
func (ae *ActiveExecution) GetStepsToAbandon() []*execplan.Step {
	if err := ae.update(); err != nil {
		return nil
	}
	keys := keysOf(ae.pendingAbandon)
	steps := make([]*execplan.Step, len(keys))
	for i, k := range keys {
		steps[i] = ae.plan.Steps[k]
	}
	sort.SliceStable(steps, func(i, j int) bool { return ae.sortLess(steps[i], steps[j]) })

	for _, step := range steps {
		delete(ae.pendingAbandon, step.Key)
		ae.inFlight[step.Key] = struct{}{}
	}
	return steps
}

// PlanEventsIterator drains skip and abandon buckets to a fixpoint -
// marking a skip or abandon can ready fresh dependents for the same
// treatment - emitting one EventStepSkipped per skipped step and one
// EventAbandonLog per abandoned step summarizing its failed/abandoned
// upstream keys.
func (ae *ActiveExecution) PlanEventsIterator(ctx context.Context) ([]execplan.Event, error) {
	var events []execplan.Event
	emptyPasses := 0

	for emptyPasses < 2 {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		default:
		}

		skipBatch := ae.GetStepsToSkip()
		abandonBatch := ae.GetStepsToAbandon()

		if len(skipBatch) == 0 && len(abandonBatch) == 0 {
			emptyPasses++
			continue
		}
		emptyPasses = 0

		for _, step := range skipBatch {
			deps := ae.skippedDeps[step.Key]
			if err := ae.markSkipped(step.Key); err != nil {
				return events, err
			}
			events = append(events, execplan.Event{Kind: execplan.EventStepSkipped, StepKey: step.Key, SkippedDeps: deps})
		}
		for _, step := range abandonBatch {
			msg := ae.abandonMessage(step)
			if err := ae.markAbandoned(step.Key); err != nil {
				return events, err
			}
			events = append(events, execplan.Event{Kind: execplan.EventAbandonLog, StepKey: step.Key, Message: msg})
		}
	}
	return events, nil
}

func (ae *ActiveExecution) abandonMessage(step *execplan.Step) string {
	msg := "abandoned: upstream step(s) "
	first := true
	for dep := range step.DependsOn {
		status := ""
		if _, ok := ae.failed[dep]; ok {
			status = "failed"
		} else if _, ok := ae.abandoned[dep]; ok {
			status = "abandoned"
		} else {
			continue
		}
		if !first {
			msg += ", "
		}
		msg += string(dep) + " (" + status + ")"
		first = false
	}
	return msg
}

// HandleEvent dispatches a consumed event by Kind. A step_skipped event is
// always rejected - it is produced only by this component's own
// skip/abandon drain.
func (ae *ActiveExecution) HandleEvent(event execplan.Event) error {
	switch event.Kind {
	case execplan.EventStepFailure, execplan.EventResourceInitFailure:
		return ae.markFailed(event.StepKey)
	case execplan.EventStepSuccess:
		return ae.markSuccess(event.StepKey)
	case execplan.EventStepSkipped:
		return execplan.NewInvariantViolation("step_skipped events may only be produced by PlanEventsIterator", event.StepKey)
	case execplan.EventStepUpForRetry:
		return ae.markUpForRetry(event.StepKey, event.SecondsToWait)
	case execplan.EventSuccessfulOutput:
		ae.recordSuccessfulOutput(event.Handle)
		return nil
	case execplan.EventStepMaterialization:
		if event.Version != "" {
			ae.runtimeAssetVersions[event.MaterializedAsset] = event.Version
		}
		return nil
	default:
		return execplan.NewInvariantViolation("unrecognized event kind")
	}
}

func (ae *ActiveExecution) recordSuccessfulOutput(handle execplan.StepOutputHandle) {
	ae.stepOutputs[handle] = struct{}{}
	if !handle.IsDynamic() {
		return
	}
	outputs, ok := ae.gatheringDynamicOutputs[handle.StepKey]
	if !ok {
		return
	}
	buf, ok := outputs[handle.OutputName]
	if !ok || buf == nil {
		buf = &gatherBuffer{}
		outputs[handle.OutputName] = buf
	}
	buf.keys = append(buf.keys, handle.MappingKey)
}

func (ae *ActiveExecution) requireInFlight(key execplan.StepKey) error {
	if _, ok := ae.inFlight[key]; !ok {
		return execplan.NewInvariantViolation("step is not in_flight", key)
	}
	return nil
}

func (ae *ActiveExecution) markComplete(key execplan.StepKey, bucket map[execplan.StepKey]struct{}) error {
	if err := ae.requireInFlight(key); err != nil {
		return err
	}
	delete(ae.inFlight, key)
	bucket[key] = struct{}{}
	return nil
}

// markFailed does not resolve the step's dynamic outputs: only success and
// skip do. A failed step's gathering buffer (if any) is left unresolved,
// so a downstream FanOutTemplate/PendingStep waiting on it never treats a
// legitimate failure as "zero mapping keys produced" - which, for a
// required output, DynamicResolver.Resolve would otherwise turn into a
// fatal invariant violation on valid input. Steps downstream of the
// failure are handled by ordinary abandon propagation in update().
func (ae *ActiveExecution) markFailed(key execplan.StepKey) error {
	return ae.markComplete(key, ae.failed)
}

func (ae *ActiveExecution) markSuccess(key execplan.StepKey) error {
	if err := ae.markComplete(key, ae.success); err != nil {
		return err
	}
	ae.resolveDynamicOutputs(key)
	return nil
}

func (ae *ActiveExecution) markSkipped(key execplan.StepKey) error {
	if err := ae.markComplete(key, ae.skipped); err != nil {
		return err
	}
	ae.finishGathering(key)
	return nil
}

// markAbandoned does not resolve dynamic outputs either, for the same
// reason as markFailed above.
func (ae *ActiveExecution) markAbandoned(key execplan.StepKey) error {
	return ae.markComplete(key, ae.abandoned)
}

// finishGathering promotes a step's gathering buffer into
// completedDynamicOutputs, called only from markSuccess (via
// resolveDynamicOutputs) and markSkipped - never from markFailed,
// markAbandoned, or VerifyComplete's presumed-lost path, since only a
// success or a skip ever actually observed what the step's dynamic
// outputs were. A nil buffer (set by GetStepsToSkip for a skipped step
// with a dynamic output) resolves to Skipped (Dagster's None): no
// downstream mapped steps are created for outputs that were never
// produced.
func (ae *ActiveExecution) finishGathering(key execplan.StepKey) {
	buffers, ok := ae.gatheringDynamicOutputs[key]
	if !ok {
		return
	}
	delete(ae.gatheringDynamicOutputs, key)
	if ae.completedDynamicOutputs[key] == nil {
		ae.completedDynamicOutputs[key] = map[execplan.OutputName]execplan.DynamicOutputMapping{}
	}
	if buffers == nil {
		if step, ok := ae.plan.Steps[key]; ok {
			for _, out := range step.Outputs {
				if out.IsDynamic {
					ae.completedDynamicOutputs[key][out.Name] = execplan.DynamicOutputMapping{Skipped: true}
				}
			}
		}
		return
	}
	for name, buf := range buffers {
		if buf == nil {
			ae.completedDynamicOutputs[key][name] = execplan.DynamicOutputMapping{Skipped: true}
			continue
		}
		ae.completedDynamicOutputs[key][name] = execplan.DynamicOutputMapping{MappingKeys: buf.keys}
	}
}

// resolveDynamicOutputs promotes a successful step's gathering buffers
// into completedDynamicOutputs, so the next update() call expands any
// templates that fan out over it.
func (ae *ActiveExecution) resolveDynamicOutputs(key execplan.StepKey) {
	ae.finishGathering(key)
}

// markUpForRetry applies RetryMode to a retry request, bumping retry_state
// and clearing the key from in_flight regardless of mode.
func (ae *ActiveExecution) markUpForRetry(key execplan.StepKey, waitSeconds *float64) error {
	if err := ae.requireInFlight(key); err != nil {
		return err
	}

	ae.retryState.MarkAttempt(key)
	delete(ae.inFlight, key)
	delete(ae.gatheringDynamicOutputs, key)

	switch ae.retryMode {
	case execplan.RetryDisabled:
		return execplan.NewInvariantViolation("retry requested but RetryMode is disabled", key)
	case execplan.RetryDeferred:
		ae.abandoned[key] = struct{}{}
		return nil
	case execplan.RetryEnabled:
		if waitSeconds != nil {
			ae.waitingToRetry[key] = ae.now().Add(time.Duration(*waitSeconds * float64(time.Second)))
			return nil
		}
		ae.pending[key] = struct{}{}
		return nil
	default:
		return execplan.NewInvariantViolation("unrecognized retry mode", key)
	}
}

// VerifyComplete is called by the driver when a step is believed to have
// finished. A step still in_flight at this point is presumed lost: it
// moves to unknownState and abandoned, so downstream dependents still
// propagate the abandon correctly; the scope-exit check raises because
// unknownState is non-empty. Like markFailed/markAbandoned, this does not
// resolve the step's dynamic outputs - a step presumed lost is not a
// success or a skip either.
func (ae *ActiveExecution) VerifyComplete(ctx context.Context, key execplan.StepKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, ok := ae.inFlight[key]; !ok {
		return nil
	}
	delete(ae.inFlight, key)
	ae.unknownState[key] = struct{}{}
	ae.abandoned[key] = struct{}{}
	delete(ae.gatheringDynamicOutputs, key)
	return nil
}

// MarkInterrupted records that an external interrupt was observed. The
// scope-exit check raises execution_interrupted instead of
// invariant_violation / unknown_step_state once this has been called.
func (ae *ActiveExecution) MarkInterrupted() {
	ae.interrupted = true
}

// CheckForInterrupts polls the injected interrupt channel without
// blocking.
func (ae *ActiveExecution) CheckForInterrupts() bool {
	if ae.interrupt == nil {
		return false
	}
	select {
	case <-ae.interrupt:
		return true
	default:
		return false
	}
}

// RetryState exposes the retry-attempt counter.
func (ae *ActiveExecution) RetryState() *RetryState { return ae.retryState }

// GetKnownState snapshots the round-trippable state: loading it into a
// fresh Plan.Known and constructing a new ActiveExecution, then replaying
// the remaining event log, must reproduce this instance's bucket state.
func (ae *ActiveExecution) GetKnownState() execplan.KnownState {
	ready := map[execplan.StepOutputHandle]struct{}{}
	for h := range ae.stepOutputs {
		ready[h] = struct{}{}
	}

	mappings := map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping{}
	for step, outputs := range ae.completedDynamicOutputs {
		copied := map[execplan.OutputName]execplan.DynamicOutputMapping{}
		for name, mapping := range outputs {
			copied[name] = mapping
		}
		mappings[step] = copied
	}

	versions := map[execplan.AssetKey]execplan.LogicalVersion{}
	for k, v := range ae.runtimeAssetVersions {
		versions[k] = v
	}

	return execplan.KnownState{
		DynamicMappings:       mappings,
		ReadyOutputs:          ready,
		PreviousRetryAttempts: ae.retryState.SnapshotAttempts(),
		AssetProvenance:       ae.plan.Known.AssetProvenance,
		StepOutputVersions:    versions,
		ParentState:           ae.plan.Known.ParentState,
	}
}

// RebuildFromEvents replays events through HandleEvent, calling
// executeBatch before each one so a step waiting in executable (including
// one this call itself just dynamically resolved) is admitted into
// in_flight before its recorded terminal event is replayed against it -
// the same admit-then-terminate order the live driver loop follows. A
// step admitted alongside the one an event terminates, but never itself
// terminated by a later event in the log, is left in_flight: it is
// returned to the caller as a "crashed before start" candidate rather
// than being dispatched again here. Steps that only become executable as
// a result of the final replayed event are deliberately left executable,
// not in_flight, so the caller's own GetStepsToExecute picks them up
// through the ordinary live path.
func (ae *ActiveExecution) RebuildFromEvents(events []execplan.Event) ([]execplan.StepKey, error) {
	for _, event := range events {
		if event.Kind == execplan.EventStepSkipped || event.Kind == execplan.EventAbandonLog {
			continue
		}
		if _, err := ae.executeBatch(0); err != nil {
			return nil, err
		}
		if err := ae.HandleEvent(event); err != nil {
			return nil, err
		}
	}
	return keysOf(ae.inFlight), nil
}
