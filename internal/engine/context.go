package engine

import (
	"fmt"
	"strings"

	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// contextBuilder accumulates prior-phase outputs and failure history for the
// agent's context payload. It lives for one milestone run; a step-back trims
// outputs produced at or after the target phase but keeps the failure history,
// which is the whole point of stepping back.
type contextBuilder struct {
	outputs  []phaseOutput
	failures []failure.Record
}

type phaseOutput struct {
	phase  string
	index  int // position in the milestone's phase order
	output string
}

func newContextBuilder() *contextBuilder {
	return &contextBuilder{}
}

func (b *contextBuilder) recordOutput(phase string, index int, output string) {
	if output == "" {
		return
	}
	b.outputs = append(b.outputs, phaseOutput{phase: phase, index: index, output: output})
}

func (b *contextBuilder) recordFailure(rec failure.Record) {
	b.failures = append(b.failures, rec)
}

// trimFrom drops outputs produced by phases at or after the step-back target.
func (b *contextBuilder) trimFrom(index int) {
	kept := b.outputs[:0]
	for _, o := range b.outputs {
		if o.index < index {
			kept = append(kept, o)
		}
	}
	b.outputs = kept
}

// build renders the context payload for one attempt. Level 1 retries append
// the raw failure detail; level 2 retries append an enriched summary of every
// recorded failure for the phase.
func (b *contextBuilder) build(phase string, level int, lastErr error) string {
	var sb strings.Builder

	for _, o := range b.outputs {
		fmt.Fprintf(&sb, "## Output of phase %s\n%s\n\n", o.phase, o.output)
	}

	if len(b.failures) > 0 {
		sb.WriteString("## Failure history\n")
		for _, f := range b.failures {
			fmt.Fprintf(&sb, "- phase %s attempt %d: %s (%s)\n", f.Phase, f.Attempt, f.Kind, f.Rationale)
		}
		sb.WriteString("\n")
	}

	switch {
	case level == 1 && lastErr != nil:
		fmt.Fprintf(&sb, "## Previous attempt failed\n%s\n", lastErr.Error())
	case level >= 2 && lastErr != nil:
		fmt.Fprintf(&sb, "## Previous attempts failed\nMost recent: %s\n", lastErr.Error())
		for _, f := range b.failures {
			if f.Phase == phase && f.Detail != "" {
				fmt.Fprintf(&sb, "Attempt %d detail: %s\n", f.Attempt, f.Detail)
			}
		}
	}

	return strings.TrimSpace(sb.String())
}

// buildInstructions renders the phase instruction text sent to the agent.
func buildInstructions(m *milestone.Milestone, phase *milestone.Phase, marker string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone %d: %s\n\n", m.Number, m.Description)
	fmt.Fprintf(&sb, "Current phase: %s", phase.Name)
	if phase.Description != "" {
		fmt.Fprintf(&sb, "\n%s", phase.Description)
	}
	sb.WriteString("\n\nRequired evidence:\n")
	for _, req := range phase.Evidence {
		switch req.Kind {
		case milestone.RequirementArtifact:
			fmt.Fprintf(&sb, "- file %s must exist with at least %d bytes\n", req.Artifact, req.MinBytes)
		case milestone.RequirementCommand:
			fmt.Fprintf(&sb, "- command %q must succeed\n", req.Command)
		}
	}
	if marker != "" {
		fmt.Fprintf(&sb, "\nWhen the phase is complete, create the file %s.\n", marker)
	}
	return sb.String()
}

// remediationInstructions renders the scoped prompt for one file's errors.
func remediationInstructions(phase, file string, errs []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Fix the following %s errors. Modify only %s.\n\n", phase, file)
	for _, e := range errs {
		fmt.Fprintf(&sb, "- %s\n", e)
	}
	return sb.String()
}
