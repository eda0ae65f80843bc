// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"planrunner/pkg/execplan"
)

func newLinearPlan() *execplan.Plan {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})
	plan.AddStep(&execplan.Step{
		Key:       "B",
		DependsOn: map[execplan.StepKey]struct{}{"A": {}},
	})
	plan.AddStep(&execplan.Step{
		Key:       "C",
		DependsOn: map[execplan.StepKey]struct{}{"B": {}},
	})
	return plan
}

func mustNew(t *testing.T, plan *execplan.Plan, opts Options) *ActiveExecution {
	t.Helper()
	ae, err := New(plan, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ae
}

func assertKeys(t *testing.T, got []*execplan.Step, want ...execplan.StepKey) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d steps, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Key != w {
			t.Fatalf("expected step %d to be %s, got %s", i, w, got[i].Key)
		}
	}
}

func TestLinearDAG_RunsToCompletion(t *testing.T) {
	plan := newLinearPlan()
	ae := mustNew(t, plan, Options{})

	err := ae.Run(func(exec *ActiveExecution) error {
		for !exec.IsComplete() {
			batch, err := exec.GetStepsToExecute(0)
			if err != nil {
				return err
			}
			for _, step := range batch {
				if err := exec.HandleEvent(execplan.NewStepSuccess(step.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ae.IsComplete() {
		t.Fatalf("expected execution to be complete")
	}
}

func TestLinearDAG_OnlySourceStepInitiallyExecutable(t *testing.T) {
	plan := newLinearPlan()
	ae := mustNew(t, plan, Options{})

	_, release := ae.Scope()
	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "B")

	if err := ae.HandleEvent(execplan.NewStepSuccess("B")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "C")

	if err := ae.HandleEvent(execplan.NewStepSuccess("C")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestPriorityTieBreak_HigherPriorityFirstUnderMaxConcurrentOne(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "low", Tags: map[string]string{"priority": "1"}})
	plan.AddStep(&execplan.Step{Key: "high", Tags: map[string]string{"priority": "5"}})
	plan.AddStep(&execplan.Step{Key: "mid", Tags: map[string]string{"priority": "3"}})

	ae := mustNew(t, plan, Options{MaxConcurrent: 1})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "high")
	if err := ae.HandleEvent(execplan.NewStepSuccess("high")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "mid")
	if err := ae.HandleEvent(execplan.NewStepSuccess("mid")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "low")
	if err := ae.HandleEvent(execplan.NewStepSuccess("low")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestTagConcurrency_FreesBucketWhenInFlightStepCompletes(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A", Tags: map[string]string{"db": "x"}})
	plan.AddStep(&execplan.Step{Key: "B", Tags: map[string]string{"db": "x"}})
	plan.AddStep(&execplan.Step{Key: "C", Tags: map[string]string{"db": "x"}})

	ae := mustNew(t, plan, Options{
		TagConcurrencyRules: []execplan.TagConcurrencyRule{
			{Key: "db", Value: "x", Limit: 1},
		},
	})
	_, release := ae.Scope()

	// Only one of the three same-tag steps is admitted at a time.
	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	// With A still in flight, the bucket is full: nothing else is admitted.
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no steps admitted while bucket is full, got %v", batch)
	}

	// A completes and leaves in_flight: the bucket must free for B.
	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "B")

	if err := ae.HandleEvent(execplan.NewStepSuccess("B")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "C")

	if err := ae.HandleEvent(execplan.NewStepSuccess("C")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSkipPropagation_MissingInputRecordsSkippedDeps(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{
		Key: "A",
		Outputs: []execplan.StepOutput{
			{Name: "out", Required: false},
		},
	})
	plan.AddStep(&execplan.Step{
		Key:       "B",
		DependsOn: map[execplan.StepKey]struct{}{"A": {}},
		Inputs: []execplan.StepInput{
			{Name: "in", Sources: []execplan.StepOutputHandle{{StepKey: "A", OutputName: "out"}}},
		},
	})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")
	// A succeeds without ever producing "out" - the input's only source
	// handle is now missing, triggering a skip for B.
	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	events, err := ae.PlanEventsIterator(context.Background())
	if err != nil {
		t.Fatalf("PlanEventsIterator: %v", err)
	}
	if len(events) != 1 || events[0].Kind != execplan.EventStepSkipped || events[0].StepKey != "B" {
		t.Fatalf("expected one step_skipped event for B, got %+v", events)
	}
	if len(events[0].SkippedDeps) != 1 || events[0].SkippedDeps[0] != (execplan.StepOutputHandle{StepKey: "A", OutputName: "out"}) {
		t.Fatalf("expected skipped_deps to record A.out, got %+v", events[0].SkippedDeps)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAbandonPropagation_DependentsOfFailedStepAbandon(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})
	plan.AddStep(&execplan.Step{Key: "B", DependsOn: map[execplan.StepKey]struct{}{"A": {}}})
	plan.AddStep(&execplan.Step{Key: "C", DependsOn: map[execplan.StepKey]struct{}{"B": {}}})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")
	if err := ae.HandleEvent(execplan.NewStepFailure("A", "boom")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	events, err := ae.PlanEventsIterator(context.Background())
	if err != nil {
		t.Fatalf("PlanEventsIterator: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected B and C to both abandon, got %+v", events)
	}
	for _, e := range events {
		if e.Kind != execplan.EventAbandonLog {
			t.Fatalf("expected abandon_log events, got %v", e.Kind)
		}
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRetryWithWait_ParksInWaitingToRetryThenBecomesExecutable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})

	ae := mustNew(t, plan, Options{RetryMode: execplan.RetryEnabled, Now: clock})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	wait := 30.0
	if err := ae.HandleEvent(execplan.NewStepUpForRetry("A", &wait)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected A to still be waiting, got %v", batch)
	}

	now = now.Add(31 * time.Second)
	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	if ae.RetryState().Attempts("A") != 1 {
		t.Fatalf("expected one retry attempt recorded, got %d", ae.RetryState().Attempts("A"))
	}

	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRetryDisabled_RejectsRetryRequest(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})

	ae := mustNew(t, plan, Options{RetryMode: execplan.RetryDisabled})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	err = ae.HandleEvent(execplan.NewStepUpForRetry("A", nil))
	if err == nil {
		t.Fatalf("expected invariant violation for disabled retry mode")
	}

	ae.MarkInterrupted()
	_ = release()
}

func TestRetryDeferred_ConvertsRetryIntoAbandonment(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})

	ae := mustNew(t, plan, Options{RetryMode: execplan.RetryDeferred})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	if err := ae.HandleEvent(execplan.NewStepUpForRetry("A", nil)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !ae.IsComplete() {
		t.Fatalf("expected deferred retry to reach a terminal (abandoned) state")
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestDynamicFanOut_ExpandsOneStepPerMappingKeyAndFansIn(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{
		Key: "A",
		Outputs: []execplan.StepOutput{
			{Name: "items", IsDynamic: true, Required: true},
		},
	})
	plan.AddTemplate(&execplan.FanOutTemplate{
		Key:        "C",
		ParentStep: "A",
		OutputName: "items",
	})
	plan.AddPendingStep(&execplan.PendingStep{
		Key:   "D",
		FanIn: []execplan.FanInDep{{TemplateKey: "C"}},
	})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")

	if err := ae.HandleEvent(execplan.NewSuccessfulOutput(execplan.StepOutputHandle{StepKey: "A", OutputName: "items", MappingKey: "x"})); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := ae.HandleEvent(execplan.NewSuccessfulOutput(execplan.StepOutputHandle{StepKey: "A", OutputName: "items", MappingKey: "y"})); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "C[x]", "C[y]")

	for _, step := range batch {
		if err := ae.HandleEvent(execplan.NewStepSuccess(step.Key)); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	batch, err = ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "D")
	if err := ae.HandleEvent(execplan.NewStepSuccess("D")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestDynamicFanOut_RequiredOutputWithZeroMappingKeysIsInvariantViolation(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{
		Key: "A",
		Outputs: []execplan.StepOutput{
			{Name: "items", IsDynamic: true, Required: true},
		},
	})
	plan.AddTemplate(&execplan.FanOutTemplate{
		Key:        "C",
		ParentStep: "A",
		OutputName: "items",
	})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	if _, err := ae.GetStepsToExecute(0); err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	_, err := ae.GetStepsToExecute(0)
	if err == nil {
		t.Fatalf("expected invariant violation for a required dynamic output with zero mapping keys")
	}

	ae.MarkInterrupted()
	_ = release()
}

func TestProvenanceBasedSkip_SkipsWhenRuntimeVersionUnchanged(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{
		Key: "A",
		Outputs: []execplan.StepOutput{
			{Name: "out", AssetKey: "asset_a"},
		},
	})
	plan.Known.AssetProvenance = []execplan.ProvenanceRecord{
		{
			AssetKey:             "asset_a",
			InputLogicalVersions: map[execplan.AssetKey]execplan.LogicalVersion{"asset_in": "v1"},
		},
	}
	plan.Known.StepOutputVersions = map[execplan.AssetKey]execplan.LogicalVersion{"asset_in": "v1"}

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	events, err := ae.PlanEventsIterator(context.Background())
	if err != nil {
		t.Fatalf("PlanEventsIterator: %v", err)
	}
	if len(events) != 1 || events[0].Kind != execplan.EventStepSkipped || events[0].StepKey != "A" {
		t.Fatalf("expected A to skip because provenance is unchanged, got %+v", events)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestProvenanceBasedSkip_RunsWhenRuntimeVersionDiffers(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{
		Key: "A",
		Outputs: []execplan.StepOutput{
			{Name: "out", AssetKey: "asset_a"},
		},
	})
	plan.Known.AssetProvenance = []execplan.ProvenanceRecord{
		{
			AssetKey:             "asset_a",
			InputLogicalVersions: map[execplan.AssetKey]execplan.LogicalVersion{"asset_in": "v1"},
		},
	}
	plan.Known.StepOutputVersions = map[execplan.AssetKey]execplan.LogicalVersion{"asset_in": "v2"}

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	batch, err := ae.GetStepsToExecute(0)
	if err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	assertKeys(t, batch, "A")
	if err := ae.HandleEvent(execplan.NewStepSuccess("A")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReleaseWithoutCompletion_ReturnsInvariantViolation(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()

	if _, err := ae.GetStepsToExecute(0); err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	// A is now in_flight; releasing without resolving it is a violation.
	err := release()
	if err == nil {
		t.Fatalf("expected an error releasing with outstanding steps")
	}
	var execErr *execplan.Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *execplan.Error, got %T", err)
	}
}

func TestReleaseAfterInterrupt_ReturnsExecutionInterrupted(t *testing.T) {
	plan := execplan.NewPlan()
	plan.AddStep(&execplan.Step{Key: "A"})

	ae := mustNew(t, plan, Options{})
	_, release := ae.Scope()
	if _, err := ae.GetStepsToExecute(0); err != nil {
		t.Fatalf("GetStepsToExecute: %v", err)
	}
	ae.MarkInterrupted()

	err := release()
	if err == nil {
		t.Fatalf("expected execution_interrupted error")
	}
}

func TestGetStepsToExecute_OutsideScopeReturnsError(t *testing.T) {
	plan := newLinearPlan()
	ae := mustNew(t, plan, Options{})

	_, err := ae.GetStepsToExecute(0)
	if err == nil {
		t.Fatalf("expected invariant violation calling GetStepsToExecute before Scope")
	}
}

func TestKnownStateRoundTrip_ReplayReproducesBucketState(t *testing.T) {
	plan := newLinearPlan()
	ae := mustNew(t, plan, Options{})

	var events []execplan.Event
	err := ae.Run(func(exec *ActiveExecution) error {
		batch, err := exec.GetStepsToExecute(0)
		if err != nil {
			return err
		}
		for _, step := range batch {
			e := execplan.NewStepSuccess(step.Key)
			events = append(events, e)
			if err := exec.HandleEvent(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		t.Fatalf("expected release to fail: B and C are still outstanding")
	}

	snapshot := ae.GetKnownState()

	resumed := execplan.NewPlan()
	resumed.AddStep(&execplan.Step{Key: "A"})
	resumed.AddStep(&execplan.Step{Key: "B", DependsOn: map[execplan.StepKey]struct{}{"A": {}}})
	resumed.AddStep(&execplan.Step{Key: "C", DependsOn: map[execplan.StepKey]struct{}{"B": {}}})
	resumed.Known = snapshot

	ae2 := mustNew(t, resumed, Options{})
	if _, err := ae2.RebuildFromEvents(events); err != nil {
		t.Fatalf("RebuildFromEvents: %v", err)
	}

	err = ae2.Run(func(exec *ActiveExecution) error {
		for !exec.IsComplete() {
			batch, err := exec.GetStepsToExecute(0)
			if err != nil {
				return err
			}
			for _, step := range batch {
				if err := exec.HandleEvent(execplan.NewStepSuccess(step.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run after resume: %v", err)
	}
	if !ae2.IsComplete() {
		t.Fatalf("expected resumed execution to complete")
	}
}
