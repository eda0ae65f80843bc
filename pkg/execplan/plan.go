// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package execplan

import (
	"fmt"
	"strconv"
)

// StepKey identifies one step in a Plan.
type StepKey string

// OutputName identifies one declared output of a step.
type OutputName string

// MappingKey names one discrete value of a dynamic output - one fan-out branch.
type MappingKey string

// AssetKey identifies a named, persisted artifact produced by a step.
type AssetKey string

// LogicalVersion is an opaque identity token for the content of an asset at
// one production. Equality is the only required operation.
type LogicalVersion string

// PriorityTag is the well-known tag key read by the default sort key.
// Higher priority runs first; ties break on StepKey.
const PriorityTag = "priority"

// StepOutputHandle names one produced value: (step_key, output_name,
// mapping_key?). MappingKey is empty for non-dynamic outputs.
type StepOutputHandle struct {
	StepKey    StepKey
	OutputName OutputName
	MappingKey MappingKey
}

// IsDynamic reports whether the handle names one branch of a dynamic output.
func (h StepOutputHandle) IsDynamic() bool { return h.MappingKey != "" }

// String renders the handle for logging ("step.output" or "step.output[key]").
func (h StepOutputHandle) String() string {
	if h.MappingKey != "" {
		return fmt.Sprintf("%s.%s[%s]", h.StepKey, h.OutputName, h.MappingKey)
	}
	return fmt.Sprintf("%s.%s", h.StepKey, h.OutputName)
}

// StepInput is one declared input of a step. Sources lists the output
// handles that satisfy it; a step may require only a subset of Sources to
// be produced for the input to be considered satisfied in bulk, but ALL of
// Sources missing is what drives a skip (see spec.md "input-source
// presence").
type StepInput struct {
	Name    string
	Sources []StepOutputHandle
}

// StepOutput declares one output a step can produce.
type StepOutput struct {
	Name      OutputName
	Required  bool
	IsDynamic bool
	// AssetKey is empty for outputs that do not materialize an asset.
	AssetKey AssetKey
}

// Step is one concrete, schedulable node of the plan's DAG. Steps produced
// by dynamic fan-out (see FanOutTemplate) are represented the same way once
// instantiated by the DynamicResolver.
type Step struct {
	Key       StepKey
	DependsOn map[StepKey]struct{}
	Inputs    []StepInput
	Outputs   []StepOutput
	Tags      map[string]string
}

// Priority returns the step's "priority" tag as an integer, defaulting to 0
// if absent or unparsable.
func (s *Step) Priority() int {
	if s.Tags == nil {
		return 0
	}
	v, ok := s.Tags[PriorityTag]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// FanOutTemplate declares that a family of steps keyed "Key[mappingKey]" is
// instantiated once per mapping key observed on ParentStep's dynamic output
// OutputName. Templates are not themselves schedulable; the DynamicResolver
// expands them into concrete Steps once the parent's output is resolved.
// The shape of the fan-out (which template depends on which parent output)
// is declared at compile time, per spec.md's non-goals.
type FanOutTemplate struct {
	Key             StepKey
	ParentStep      StepKey
	OutputName      OutputName
	StaticDependsOn map[StepKey]struct{}
	Inputs          []StepInput
	Outputs         []StepOutput
	Tags            map[string]string
}

// FanInDep declares that a step depends on every concrete instance of a
// FanOutTemplate, once that template has been resolved.
type FanInDep struct {
	TemplateKey StepKey
}

// PendingStep is a step declared at compile time whose dependency set is
// not yet known because it fans in over a dynamic template's instances.
// It becomes schedulable only once the DynamicResolver has resolved
// FanIn into concrete StepKey dependencies.
type PendingStep struct {
	Key             StepKey
	FanIn           []FanInDep
	StaticDependsOn map[StepKey]struct{}
	Inputs          []StepInput
	Outputs         []StepOutput
	Tags            map[string]string
}

// DynamicOutputMapping records the mapping keys observed (or resolved) for
// one dynamic output. Skipped distinguishes "the producing step was
// skipped" (spec.md's "None") from "observed, with these (possibly zero)
// mapping keys". An output that was observed with zero mapping keys is
// recorded with Skipped false and empty MappingKeys; if the output is not
// required, the DynamicResolver creates no downstream steps for it, the
// same as for Skipped.
type DynamicOutputMapping struct {
	Skipped     bool
	MappingKeys []MappingKey
}

// ProvenanceRecord is, for one asset key, the input-asset logical versions
// that produced its last known logical version.
type ProvenanceRecord struct {
	AssetKey             AssetKey
	InputLogicalVersions map[AssetKey]LogicalVersion
}

// KnownState is the previously-resolved state a Plan carries in from a
// prior run: resolved dynamic mappings, already-ready output handles (for
// resumption), prior retry attempts, prior asset-provenance records, and
// parent-run linkage. It is also the shape returned by
// ActiveExecution.GetKnownState, so a snapshot must round-trip: loading it
// into a fresh Plan/ActiveExecution and replaying the remaining event log
// reproduces the same bucket state.
type KnownState struct {
	DynamicMappings       map[StepKey]map[OutputName]DynamicOutputMapping
	ReadyOutputs          map[StepOutputHandle]struct{}
	PreviousRetryAttempts map[StepKey]int
	AssetProvenance       []ProvenanceRecord
	// StepOutputVersions seeds runtime_asset_versions on resume: the
	// asset logical versions observed via step_materialization events in
	// the run this snapshot was taken from, carried forward so
	// provenance comparisons remain correct across a restart.
	StepOutputVersions map[AssetKey]LogicalVersion
	// ParentState links this run to the run it resumes from. Opaque to
	// the state machine; forwarded unchanged.
	ParentState map[string]string
}

// Plan is the read-only, immutable input to the execution state machine.
type Plan struct {
	Steps       map[StepKey]*Step
	Templates   map[StepKey]*FanOutTemplate
	PendingDeps map[StepKey]*PendingStep
	Known       KnownState
}

// NewPlan constructs an empty Plan ready to have steps added.
func NewPlan() *Plan {
	return &Plan{
		Steps:       map[StepKey]*Step{},
		Templates:   map[StepKey]*FanOutTemplate{},
		PendingDeps: map[StepKey]*PendingStep{},
	}
}

// AddStep registers a concrete, immediately-schedulable step.
func (p *Plan) AddStep(s *Step) {
	if s.DependsOn == nil {
		s.DependsOn = map[StepKey]struct{}{}
	}
	p.Steps[s.Key] = s
}

// AddTemplate registers a dynamic fan-out template.
func (p *Plan) AddTemplate(t *FanOutTemplate) {
	if t.StaticDependsOn == nil {
		t.StaticDependsOn = map[StepKey]struct{}{}
	}
	p.Templates[t.Key] = t
}

// AddPendingStep registers a step whose dependency set resolves later via
// dynamic fan-in.
func (p *Plan) AddPendingStep(s *PendingStep) {
	if s.StaticDependsOn == nil {
		s.StaticDependsOn = map[StepKey]struct{}{}
	}
	p.PendingDeps[s.Key] = s
}

// StepByKey looks up a concrete step by key.
func (p *Plan) StepByKey(key StepKey) (*Step, bool) {
	s, ok := p.Steps[key]
	return s, ok
}

// GetExecutableStepDeps returns the dependency set, by step key, that the
// state machine seeds its "pending" bucket from at construction. Steps
// registered via AddPendingStep are deliberately excluded: they are not
// schedulable until the DynamicResolver has resolved their fan-in deps.
func (p *Plan) GetExecutableStepDeps() map[StepKey]map[StepKey]struct{} {
	out := make(map[StepKey]map[StepKey]struct{}, len(p.Steps))
	for key, step := range p.Steps {
		deps := make(map[StepKey]struct{}, len(step.DependsOn))
		for d := range step.DependsOn {
			deps[d] = struct{}{}
		}
		out[key] = deps
	}
	return out
}
