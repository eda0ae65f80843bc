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
	"fmt"

	"planrunner/pkg/execplan"
)

// DynamicResolver expands a plan's FanOutTemplate and PendingStep
// declarations into concrete, schedulable Steps once the templates'
// parent outputs have been observed. It is incremental and idempotent:
// each parent output is expanded at most once, and PendingStep fan-in is
// promoted at most once, across any number of Resolve calls.
type DynamicResolver struct {
	// resolvedOutputs tracks which (parent step, output name) pairs have
	// already been expanded into template instances.
	resolvedOutputs map[execplan.StepOutputHandle]struct{}
	// instancesByTemplate accumulates, per template, every concrete step
	// key instantiated from it so far - needed so a PendingStep's fan-in
	// can be computed even across multiple Resolve calls.
	instancesByTemplate map[execplan.StepKey][]execplan.StepKey
	// promotedPending tracks PendingStep keys already turned into
	// concrete steps, so a later Resolve call does not re-emit them.
	promotedPending map[execplan.StepKey]struct{}
}

// NewDynamicResolver builds a resolver seeded from a plan's previously
// resolved dynamic mappings (KnownState.DynamicMappings), so a resumed run
// does not re-expand templates it already expanded in a prior run.
func NewDynamicResolver(plan *execplan.Plan, seed map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping) *DynamicResolver {
	dr := &DynamicResolver{
		resolvedOutputs:     map[execplan.StepOutputHandle]struct{}{},
		instancesByTemplate: map[execplan.StepKey][]execplan.StepKey{},
		promotedPending:     map[execplan.StepKey]struct{}{},
	}
	for parent, outputs := range seed {
		for outputName, mapping := range outputs {
			dr.markOutputResolved(plan, parent, outputName, mapping)
		}
	}
	return dr
}

func (dr *DynamicResolver) markOutputResolved(plan *execplan.Plan, parent execplan.StepKey, outputName execplan.OutputName, mapping execplan.DynamicOutputMapping) {
	handle := execplan.StepOutputHandle{StepKey: parent, OutputName: outputName}
	if _, done := dr.resolvedOutputs[handle]; done {
		return
	}
	dr.resolvedOutputs[handle] = struct{}{}
	if mapping.Skipped {
		return
	}
	for _, tmpl := range plan.Templates {
		if tmpl.ParentStep != parent || tmpl.OutputName != outputName {
			continue
		}
		for _, mk := range mapping.MappingKeys {
			instKey := instanceKey(tmpl.Key, mk)
			dr.instancesByTemplate[tmpl.Key] = append(dr.instancesByTemplate[tmpl.Key], instKey)
		}
	}
}

func instanceKey(template execplan.StepKey, mk execplan.MappingKey) execplan.StepKey {
	return execplan.StepKey(fmt.Sprintf("%s[%s]", template, mk))
}

// Resolve inspects completed, the current snapshot of
// completed_dynamic_outputs, and returns the
// concrete steps newly ready to enter pending: template instances for
// every newly observed mapping key, and PendingStep promotions for any
// fan-in step whose referenced templates are now fully resolved.
//
// terminalSteps lists step keys already in a terminal bucket; Resolve
// refuses to instantiate a step whose key collides with one (the cyclic
// reference guard - dynamic mappings cause plan growth, never cycles).
func (dr *DynamicResolver) Resolve(
	plan *execplan.Plan,
	completed map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping,
	terminalSteps map[execplan.StepKey]struct{},
) ([]*execplan.Step, error) {
	var newSteps []*execplan.Step

	for parent, outputs := range completed {
		for outputName, mapping := range outputs {
			handle := execplan.StepOutputHandle{StepKey: parent, OutputName: outputName}
			if _, done := dr.resolvedOutputs[handle]; done {
				continue
			}

			if !mapping.Skipped && len(mapping.MappingKeys) == 0 {
				if required, ok := outputRequired(plan, parent, outputName); ok && required {
					return nil, execplan.NewInvariantViolation(
						fmt.Sprintf("required dynamic output %s produced zero mapping keys", handle),
						parent,
					)
				}
			}

			dr.markOutputResolved(plan, parent, outputName, mapping)

			if mapping.Skipped {
				continue
			}
			for _, tmpl := range plan.Templates {
				if tmpl.ParentStep != parent || tmpl.OutputName != outputName {
					continue
				}
				for _, mk := range mapping.MappingKeys {
					instKey := instanceKey(tmpl.Key, mk)
					if _, terminal := terminalSteps[instKey]; terminal {
						continue
					}
					deps := map[execplan.StepKey]struct{}{parent: {}}
					for d := range tmpl.StaticDependsOn {
						deps[d] = struct{}{}
					}
					newSteps = append(newSteps, &execplan.Step{
						Key:       instKey,
						DependsOn: deps,
						Inputs:    tmpl.Inputs,
						Outputs:   tmpl.Outputs,
						Tags:      tmpl.Tags,
					})
				}
			}
		}
	}

	for key, ps := range plan.PendingDeps {
		if _, promoted := dr.promotedPending[key]; promoted {
			continue
		}
		if _, terminal := terminalSteps[key]; terminal {
			continue
		}

		deps := map[execplan.StepKey]struct{}{}
		for d := range ps.StaticDependsOn {
			deps[d] = struct{}{}
		}

		allResolved := true
		for _, fanIn := range ps.FanIn {
			tmpl, ok := plan.Templates[fanIn.TemplateKey]
			if !ok {
				allResolved = false
				break
			}
			pk := execplan.StepOutputHandle{StepKey: tmpl.ParentStep, OutputName: tmpl.OutputName}
			if _, done := dr.resolvedOutputs[pk]; !done {
				allResolved = false
				break
			}
			for _, instKey := range dr.instancesByTemplate[fanIn.TemplateKey] {
				deps[instKey] = struct{}{}
			}
		}
		if !allResolved {
			continue
		}

		dr.promotedPending[key] = struct{}{}
		newSteps = append(newSteps, &execplan.Step{
			Key:       ps.Key,
			DependsOn: deps,
			Inputs:    ps.Inputs,
			Outputs:   ps.Outputs,
			Tags:      ps.Tags,
		})
	}

	return newSteps, nil
}

func outputRequired(plan *execplan.Plan, parent execplan.StepKey, outputName execplan.OutputName) (bool, bool) {
	step, ok := plan.Steps[parent]
	if !ok {
		return false, false
	}
	for _, out := range step.Outputs {
		if out.Name == outputName {
			return out.Required, true
		}
	}
	return false, false
}
