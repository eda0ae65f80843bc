// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeValidate(args ...string) (string, error) {
	root := newTestRootCommand()
	root.AddCommand(NewValidateCommand())
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"validate"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestValidateCommand_AcceptsWellFormedPlan(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yml")
	content := `
steps:
  - key: A
    outputs:
      - name: out
  - key: B
    depends_on: [A]
`
	if err := os.WriteFile(planPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing plan file: %v", err)
	}

	out, err := executeValidate("--plan", planPath)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Fatalf("expected validation success message, got: %q", out)
	}
}

func TestValidateCommand_ReportsMissingPlanFile(t *testing.T) {
	_, err := executeValidate("--plan", filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil {
		t.Fatalf("expected error for missing plan file")
	}
}
