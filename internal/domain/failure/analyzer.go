package failure

import (
	"fmt"

	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// rootCauseTargets maps a failing phase to the earlier phase most likely to
// hold the root cause of a validation-type failure. Downstream test failures
// usually trace to implementation gaps; end-to-end failures to planning gaps;
// structural gaps to the plan itself. Phases not listed step back to their
// immediate predecessor.
var rootCauseTargets = map[string]string{
	"validate-structure": "plan",
	"lint":               "implement",
	"typecheck":          "implement",
	"unit-test":          "implement",
	"integration-test":   "implement",
	"e2e-test":           "plan",
}

// Analyzer classifies phase failures and picks step-back targets.
type Analyzer struct{}

// NewAnalyzer creates a failure analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze classifies err and produces the recovery record for the failing
// phase. For validation-type failures the step-back target comes from the
// root-cause table, clamped to phases that actually exist earlier in the
// milestone; invocation and timeout failures retry the same phase, so their
// target is the failing phase itself.
func (a *Analyzer) Analyze(m *milestone.Milestone, phase string, attempt int, err error) Record {
	kind := Classify(err)
	rec := Record{
		Phase:   phase,
		Attempt: attempt,
		Kind:    kind,
	}
	if err != nil {
		rec.Detail = err.Error()
	}

	switch kind {
	case KindEvidenceMissing, KindValidationCommand:
		rec.StepBackTarget = a.stepBackTarget(m, phase)
		rec.Rationale = fmt.Sprintf("%s failure in %s traced to %s", kind, phase, rec.StepBackTarget)
	case KindMergeConflict:
		// Handled by sequential fallback, not by stepping back.
		rec.StepBackTarget = phase
		rec.Rationale = "merge conflict forces sequential re-execution of the same phase"
	default:
		rec.StepBackTarget = phase
		rec.Rationale = fmt.Sprintf("%s failure is retried in place", kind)
	}

	return rec
}

// stepBackTarget resolves the table entry for phase, falling back to the
// immediately preceding phase, and to the phase itself when it is first.
func (a *Analyzer) stepBackTarget(m *milestone.Milestone, phase string) string {
	idx := m.PhaseIndex(phase)
	if idx <= 0 {
		return phase
	}

	if target, ok := rootCauseTargets[phase]; ok {
		if ti := m.PhaseIndex(target); ti >= 0 && ti < idx {
			return target
		}
	}

	return m.Phases[idx-1].Name
}
