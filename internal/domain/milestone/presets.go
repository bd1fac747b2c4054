package milestone

// DefaultPhases returns the builtin phase sequence used when a plan file does
// not spell out phases for a milestone: research and planning produce reviewed
// artifacts, implementation is gated by structural validation, the static
// checks run as a parallel pair, the test ladder runs outside-in, and the
// commit phase lands the increment.
func DefaultPhases(testCommand, lintCommand, typecheckCommand string) []Phase {
	return []Phase{
		{
			Name:        "research",
			Description: "Survey the codebase and record findings.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementArtifact, Artifact: "RESEARCH.md", MinBytes: 200},
			},
		},
		{
			Name:        "plan",
			Description: "Write the implementation plan for this milestone.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementArtifact, Artifact: "PLAN.md", MinBytes: 200},
			},
		},
		{
			Name:        "implement",
			Description: "Implement the plan.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementArtifact, Artifact: "IMPLEMENTATION_NOTES.md", MinBytes: 50},
			},
		},
		{
			Name:        "validate-structure",
			Description: "Confirm the declared files and packages exist.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: "git status --porcelain", Signal: SignalExitZero},
			},
		},
		{
			Name:          "lint",
			Description:   "Static analysis must report zero findings.",
			ParallelGroup: "static-checks",
			FileScoped:    true,
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: lintCommand, Signal: SignalExitZero},
			},
		},
		{
			Name:          "typecheck",
			Description:   "Type checking must report zero errors.",
			ParallelGroup: "static-checks",
			FileScoped:    true,
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: typecheckCommand, Signal: SignalExitZero},
			},
		},
		{
			Name:        "unit-test",
			Description: "Unit tests must pass.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: testCommand, Signal: SignalTestSummary},
			},
		},
		{
			Name:        "integration-test",
			Description: "Integration tests must pass.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: testCommand + " -tags integration", Signal: SignalTestSummary},
			},
		},
		{
			Name:        "e2e-test",
			Description: "End-to-end tests must pass.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: testCommand + " -tags e2e", Signal: SignalTestSummary},
			},
		},
		{
			Name:        "commit",
			Description: "Commit the verified increment.",
			Evidence: []EvidenceRequirement{
				{Kind: RequirementCommand, Command: "git log -1 --format=%H", Signal: SignalExitZero},
			},
		},
	}
}
