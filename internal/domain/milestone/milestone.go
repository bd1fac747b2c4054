// Package milestone defines the pipeline data model: milestones, their ordered
// phases, evidence requirements, and the per-attempt records the executor
// produces while driving a milestone to completion.
package milestone

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoPhases            = errors.New("milestone must have at least one phase")
	ErrNumberRequired      = errors.New("milestone number must be positive")
	ErrPhaseMissingName    = errors.New("phase name is required")
	ErrDuplicatePhase      = errors.New("phase names must be unique")
	ErrNoEvidence          = errors.New("phase must declare at least one evidence requirement")
	ErrInvalidRequirement  = errors.New("invalid evidence requirement")
	ErrInvalidSignal       = errors.New("invalid success signal")
	ErrParallelGroupSize   = errors.New("parallel group must contain exactly two phases")
	ErrParallelGroupSplit  = errors.New("parallel group phases must be adjacent")
	ErrUnknownPhaseStatus  = errors.New("unknown phase status")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStepBackTargetAhead = errors.New("step-back target must precede the failing phase")
)

// Status represents the lifecycle state of a milestone.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether the milestone status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// CanTransitionTo reports whether the milestone state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusAbandoned
	default:
		return false
	}
}

// PhaseStatus represents the lifecycle state of a phase within a milestone.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
)

// CanTransitionTo reports whether the phase state machine allows s -> next.
// Failed -> Running is a retry; Failed -> Pending is a step-back reset.
func (s PhaseStatus) CanTransitionTo(next PhaseStatus) bool {
	switch s {
	case PhasePending:
		return next == PhaseRunning
	case PhaseRunning:
		return next == PhaseSucceeded || next == PhaseFailed
	case PhaseFailed:
		return next == PhaseRunning || next == PhasePending
	default:
		return false
	}
}

// RequirementKind distinguishes the two checkable evidence requirement types.
type RequirementKind string

const (
	RequirementArtifact RequirementKind = "artifact"
	RequirementCommand  RequirementKind = "command"
)

// SuccessSignal is the machine-readable signal a command check must produce.
type SuccessSignal string

const (
	// SignalExitZero requires the validation command to exit 0.
	SignalExitZero SuccessSignal = "exit-zero"
	// SignalTestSummary requires exit 0 plus a parsed "N passed, 0 failed"
	// summary with N > 0 in the command output.
	SignalTestSummary SuccessSignal = "test-summary"
)

// EvidenceRequirement describes one independently checkable success condition.
// Artifact requirements name a file that must exist with a minimum size;
// command requirements name an external validation command and the exact
// success signal to parse from it.
type EvidenceRequirement struct {
	Kind     RequirementKind `yaml:"kind"`
	Artifact string          `yaml:"artifact,omitempty"`  // Relative to the workspace
	MinBytes int             `yaml:"min_bytes,omitempty"` // Minimum artifact size
	Command  string          `yaml:"command,omitempty"`   // Run via the validator's command runner
	Signal   SuccessSignal   `yaml:"signal,omitempty"`    // Defaults to exit-zero
}

// Validate checks a single requirement for structural correctness.
func (r *EvidenceRequirement) Validate() error {
	switch r.Kind {
	case RequirementArtifact:
		if r.Artifact == "" {
			return fmt.Errorf("artifact path missing: %w", ErrInvalidRequirement)
		}
	case RequirementCommand:
		if r.Command == "" {
			return fmt.Errorf("command missing: %w", ErrInvalidRequirement)
		}
		switch r.Signal {
		case "", SignalExitZero, SignalTestSummary:
		default:
			return fmt.Errorf("signal %q: %w", r.Signal, ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("kind %q: %w", r.Kind, ErrInvalidRequirement)
	}
	return nil
}

// Phase defines one step of a milestone's fixed pipeline.
type Phase struct {
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description,omitempty"`
	Evidence      []EvidenceRequirement `yaml:"evidence"`
	MaxRetries    int                   `yaml:"max_retries,omitempty"`    // In-place retries; 0 means use the configured default
	ParallelGroup string                `yaml:"parallel_group,omitempty"` // Tag pairing two adjacent independent phases
	FileScoped    bool                  `yaml:"file_scoped,omitempty"`    // Eligible for file-scoped remediation
}

// Milestone is a unit of work producing one verifiably working increment.
// Created by the decomposer, mutated only by the pipeline executor.
type Milestone struct {
	Number      int     `yaml:"number"`
	Description string  `yaml:"description"`
	Phases      []Phase `yaml:"phases"`
	Status      Status  `yaml:"-"`
}

// Validate checks the milestone for structural correctness: positive number,
// unique non-empty phase names, valid evidence requirements, and parallel
// groups of exactly two adjacent phases.
func (m *Milestone) Validate() error {
	if m.Number < 1 {
		return ErrNumberRequired
	}
	if len(m.Phases) == 0 {
		return ErrNoPhases
	}

	seen := make(map[string]bool, len(m.Phases))
	groups := make(map[string][]int)
	for i, p := range m.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase %d: %w", i, ErrPhaseMissingName)
		}
		if seen[p.Name] {
			return fmt.Errorf("phase %q: %w", p.Name, ErrDuplicatePhase)
		}
		seen[p.Name] = true

		if len(p.Evidence) == 0 {
			return fmt.Errorf("phase %q: %w", p.Name, ErrNoEvidence)
		}
		for j := range p.Evidence {
			if err := p.Evidence[j].Validate(); err != nil {
				return fmt.Errorf("phase %q evidence %d: %w", p.Name, j, err)
			}
		}

		if p.ParallelGroup != "" {
			groups[p.ParallelGroup] = append(groups[p.ParallelGroup], i)
		}
	}

	for tag, idx := range groups {
		if len(idx) != 2 {
			return fmt.Errorf("group %q has %d phases: %w", tag, len(idx), ErrParallelGroupSize)
		}
		if idx[1] != idx[0]+1 {
			return fmt.Errorf("group %q: %w", tag, ErrParallelGroupSplit)
		}
	}

	return nil
}

// PhaseIndex returns the index of the named phase, or -1.
func (m *Milestone) PhaseIndex(name string) int {
	for i, p := range m.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// ParallelPartner returns the other phase of the parallel group containing the
// phase at index i, or -1 if the phase is not part of a group.
func (m *Milestone) ParallelPartner(i int) int {
	tag := m.Phases[i].ParallelGroup
	if tag == "" {
		return -1
	}
	for j, p := range m.Phases {
		if j != i && p.ParallelGroup == tag {
			return j
		}
	}
	return -1
}

// AttemptStatus is the lifecycle state of one phase attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt records a single execution of a phase. Immutable once finalized.
type Attempt struct {
	Phase          string        `json:"phase"`
	Index          int           `json:"index"`
	Status         AttemptStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at,omitzero"`
	CostUSD        float64       `json:"cost_usd,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	TranscriptPath string        `json:"transcript_path,omitempty"`
	FailureDetail  string        `json:"failure_detail,omitempty"`
}

// Duration returns the wall-clock duration of a finalized attempt.
func (a *Attempt) Duration() time.Duration {
	if a.EndedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// MilestoneResult summarizes a completed or abandoned milestone run.
type MilestoneResult struct {
	Number    int           `json:"number"`
	Status    Status        `json:"status"`
	Attempts  []Attempt     `json:"attempts"`
	StepBacks int           `json:"step_backs"`
	CostUSD   float64       `json:"cost_usd"`
	Duration  time.Duration `json:"duration"`
}
