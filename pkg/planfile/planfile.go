// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package planfile loads a declarative Plan from YAML, the same way
// pkg/config loads the driver's own settings. It is a format parser for an
// already-compiled plan description, not a compiler from user code: the
// shape of every step, template, and fan-in dependency must already be
// present in the file.
package planfile

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"planrunner/pkg/execplan"
)

// ErrPlanFileNotFound is returned when the plan file does not exist at the
// given path.
var ErrPlanFileNotFound = errors.New("planrunner: plan file not found")

// File is the YAML document shape for a declarative plan.
type File struct {
	Steps     []StepDoc     `yaml:"steps"`
	Templates []TemplateDoc `yaml:"templates,omitempty"`
	Pending   []PendingDoc  `yaml:"pending,omitempty"`
}

// HandleDoc is the YAML spelling of a StepOutputHandle.
type HandleDoc struct {
	Step       string `yaml:"step"`
	Output     string `yaml:"output"`
	MappingKey string `yaml:"mapping_key,omitempty"`
}

func (h HandleDoc) compile() execplan.StepOutputHandle {
	return execplan.StepOutputHandle{
		StepKey:    execplan.StepKey(h.Step),
		OutputName: execplan.OutputName(h.Output),
		MappingKey: execplan.MappingKey(h.MappingKey),
	}
}

// InputDoc is the YAML spelling of a StepInput.
type InputDoc struct {
	Name    string      `yaml:"name"`
	Sources []HandleDoc `yaml:"sources"`
}

func (i InputDoc) compile() execplan.StepInput {
	sources := make([]execplan.StepOutputHandle, len(i.Sources))
	for j, s := range i.Sources {
		sources[j] = s.compile()
	}
	return execplan.StepInput{Name: i.Name, Sources: sources}
}

// OutputDoc is the YAML spelling of a StepOutput.
type OutputDoc struct {
	Name      string `yaml:"name"`
	Required  bool   `yaml:"required,omitempty"`
	IsDynamic bool   `yaml:"is_dynamic,omitempty"`
	AssetKey  string `yaml:"asset_key,omitempty"`
}

func (o OutputDoc) compile() execplan.StepOutput {
	return execplan.StepOutput{
		Name:      execplan.OutputName(o.Name),
		Required:  o.Required,
		IsDynamic: o.IsDynamic,
		AssetKey:  execplan.AssetKey(o.AssetKey),
	}
}

// StepDoc is the YAML spelling of a concrete, immediately-schedulable
// Step.
type StepDoc struct {
	Key       string            `yaml:"key"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Inputs    []InputDoc        `yaml:"inputs,omitempty"`
	Outputs   []OutputDoc       `yaml:"outputs,omitempty"`
	Tags      map[string]string `yaml:"tags,omitempty"`
}

// TemplateDoc is the YAML spelling of a FanOutTemplate.
type TemplateDoc struct {
	Key             string            `yaml:"key"`
	ParentStep      string            `yaml:"parent_step"`
	OutputName      string            `yaml:"output_name"`
	StaticDependsOn []string          `yaml:"depends_on,omitempty"`
	Inputs          []InputDoc        `yaml:"inputs,omitempty"`
	Outputs         []OutputDoc       `yaml:"outputs,omitempty"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

// FanInDoc is the YAML spelling of a FanInDep.
type FanInDoc struct {
	Template string `yaml:"template"`
}

// PendingDoc is the YAML spelling of a PendingStep.
type PendingDoc struct {
	Key             string            `yaml:"key"`
	FanIn           []FanInDoc        `yaml:"fan_in"`
	StaticDependsOn []string          `yaml:"depends_on,omitempty"`
	Inputs          []InputDoc        `yaml:"inputs,omitempty"`
	Outputs         []OutputDoc       `yaml:"outputs,omitempty"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

// DefaultPlanPath is the plan file name used when no path is given.
func DefaultPlanPath() string {
	return "plan.yml"
}

// Exists reports whether a plan file exists at the given path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads, parses, and compiles a declarative plan file into a
// *execplan.Plan. It returns ErrPlanFileNotFound if the file does not
// exist.
func Load(path string) (*execplan.Plan, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking plan file existence: %w", err)
	}
	if !exists {
		return nil, ErrPlanFileNotFound
	}

	// nolint:gosec // G304: reading a plan file from a user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}

	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}

	return doc.Compile()
}

// Compile validates and converts the YAML document into a *execplan.Plan.
func (f File) Compile() (*execplan.Plan, error) {
	plan := execplan.NewPlan()

	for _, s := range f.Steps {
		if s.Key == "" {
			return nil, errors.New("planrunner: step with empty key")
		}
		deps := map[execplan.StepKey]struct{}{}
		for _, d := range s.DependsOn {
			deps[execplan.StepKey(d)] = struct{}{}
		}
		inputs := make([]execplan.StepInput, len(s.Inputs))
		for i, in := range s.Inputs {
			inputs[i] = in.compile()
		}
		outputs := make([]execplan.StepOutput, len(s.Outputs))
		for i, out := range s.Outputs {
			outputs[i] = out.compile()
		}
		plan.AddStep(&execplan.Step{
			Key:       execplan.StepKey(s.Key),
			DependsOn: deps,
			Inputs:    inputs,
			Outputs:   outputs,
			Tags:      s.Tags,
		})
	}

	for _, tmpl := range f.Templates {
		if tmpl.Key == "" || tmpl.ParentStep == "" || tmpl.OutputName == "" {
			return nil, fmt.Errorf("planrunner: template %q missing key, parent_step, or output_name", tmpl.Key)
		}
		deps := map[execplan.StepKey]struct{}{}
		for _, d := range tmpl.StaticDependsOn {
			deps[execplan.StepKey(d)] = struct{}{}
		}
		inputs := make([]execplan.StepInput, len(tmpl.Inputs))
		for i, in := range tmpl.Inputs {
			inputs[i] = in.compile()
		}
		outputs := make([]execplan.StepOutput, len(tmpl.Outputs))
		for i, out := range tmpl.Outputs {
			outputs[i] = out.compile()
		}
		plan.AddTemplate(&execplan.FanOutTemplate{
			Key:             execplan.StepKey(tmpl.Key),
			ParentStep:      execplan.StepKey(tmpl.ParentStep),
			OutputName:      execplan.OutputName(tmpl.OutputName),
			StaticDependsOn: deps,
			Inputs:          inputs,
			Outputs:         outputs,
			Tags:            tmpl.Tags,
		})
	}

	for _, p := range f.Pending {
		if p.Key == "" || len(p.FanIn) == 0 {
			return nil, fmt.Errorf("planrunner: pending step %q must declare a key and at least one fan_in entry", p.Key)
		}
		deps := map[execplan.StepKey]struct{}{}
		for _, d := range p.StaticDependsOn {
			deps[execplan.StepKey(d)] = struct{}{}
		}
		fanIn := make([]execplan.FanInDep, len(p.FanIn))
		for i, fi := range p.FanIn {
			if fi.Template == "" {
				return nil, fmt.Errorf("planrunner: pending step %q has a fan_in entry with no template", p.Key)
			}
			fanIn[i] = execplan.FanInDep{TemplateKey: execplan.StepKey(fi.Template)}
		}
		inputs := make([]execplan.StepInput, len(p.Inputs))
		for i, in := range p.Inputs {
			inputs[i] = in.compile()
		}
		outputs := make([]execplan.StepOutput, len(p.Outputs))
		for i, out := range p.Outputs {
			outputs[i] = out.compile()
		}
		plan.AddPendingStep(&execplan.PendingStep{
			Key:             execplan.StepKey(p.Key),
			FanIn:           fanIn,
			StaticDependsOn: deps,
			Inputs:          inputs,
			Outputs:         outputs,
			Tags:            p.Tags,
		})
	}

	return plan, nil
}
