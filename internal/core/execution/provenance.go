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

// ProvenanceChecker decides whether a step's asset outputs would be
// byte-identical to their last production, given currently observed input
// logical versions, so the step can be silently skipped.
type ProvenanceChecker struct {
	// priorByAsset is the last recorded provenance for each asset key:
	// the input-asset logical versions that produced it.
	priorByAsset map[execplan.AssetKey]execplan.ProvenanceRecord
}

// NewProvenanceChecker indexes the plan's prior provenance records by
// asset key.
func NewProvenanceChecker(records []execplan.ProvenanceRecord) *ProvenanceChecker {
	pc := &ProvenanceChecker{priorByAsset: map[execplan.AssetKey]execplan.ProvenanceRecord{}}
	for _, r := range records {
		pc.priorByAsset[r.AssetKey] = r
	}
	return pc
}

// IsProvenanceChanged reports whether step's materialization would differ
// from its last run, given runtimeVersions (the asset versions observed
// this run via step_materialization events).
//
// It aggregates, across every asset the step produces, the prior
// provenance's input-version map into existing, and the current
// runtimeVersions for those same input assets into projected. It returns
// true (not safe to skip) whenever existing is empty — including for
// steps with no asset outputs at all, which therefore never skip for
// provenance reasons. This mirrors the original implementation's
// unconditional call to this check rather than special-casing non-asset
// steps.
func (pc *ProvenanceChecker) IsProvenanceChanged(step *execplan.Step, runtimeVersions map[execplan.AssetKey]execplan.LogicalVersion) bool {
	existing := map[execplan.AssetKey]execplan.LogicalVersion{}
	var inputAssets []execplan.AssetKey

	for _, out := range step.Outputs {
		if out.AssetKey == "" {
			continue
		}
		record, ok := pc.priorByAsset[out.AssetKey]
		if !ok {
			continue
		}
		for assetKey, version := range record.InputLogicalVersions {
			existing[assetKey] = version
			inputAssets = append(inputAssets, assetKey)
		}
	}

	if len(existing) == 0 {
		return true
	}

	projected := map[execplan.AssetKey]execplan.LogicalVersion{}
	for _, assetKey := range inputAssets {
		if v, ok := runtimeVersions[assetKey]; ok {
			projected[assetKey] = v
		}
	}

	if len(existing) != len(projected) {
		return true
	}
	for k, v := range existing {
		if projected[k] != v {
			return true
		}
	}
	return false
}
