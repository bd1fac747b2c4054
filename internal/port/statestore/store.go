// Package statestore defines the checkpoint store port and the persisted
// checkpoint schema. The persisted record is the sole resume contract: a
// resumed run reconstructs its exact pipeline position from this state alone.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// ErrCorrupt is returned when persisted state is unreadable or inconsistent.
// Corruption is fatal for resume; the run must be restarted fresh rather than
// silently repaired.
var ErrCorrupt = errors.New("checkpoint state is corrupt")

// ErrNotFound is returned when no checkpoint has been persisted yet.
var ErrNotFound = errors.New("no checkpoint state found")

// PhaseState is the persisted outcome of one phase.
type PhaseState struct {
	Status   milestone.PhaseStatus `json:"status"`
	Attempts int                   `json:"attempts"`
	CostUSD  float64               `json:"cost_usd"`
	Duration time.Duration         `json:"duration"`
	LastErr  string                `json:"last_error,omitempty"`
}

// MilestoneState is the persisted progress of one milestone.
type MilestoneState struct {
	Status    milestone.Status      `json:"status"`
	StepBacks int                   `json:"step_backs"`
	Phases    map[string]PhaseState `json:"phases"`
}

// State is the full persisted checkpoint record for one project.
type State struct {
	Project    string                  `json:"project"`
	Milestones map[int]*MilestoneState `json:"milestones"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// NewState returns an empty checkpoint record for a project.
func NewState(project string) *State {
	return &State{
		Project:    project,
		Milestones: make(map[int]*MilestoneState),
	}
}

// Milestone returns the state record for a milestone, creating it if absent.
func (s *State) Milestone(number int) *MilestoneState {
	ms, ok := s.Milestones[number]
	if !ok {
		ms = &MilestoneState{
			Status: milestone.StatusPending,
			Phases: make(map[string]PhaseState),
		}
		s.Milestones[number] = ms
	}
	return ms
}

// Validate checks the loaded state for internal consistency. Unknown status
// values mean the file was written by something else or damaged.
func (s *State) Validate() error {
	for n, ms := range s.Milestones {
		if ms == nil {
			return ErrCorrupt
		}
		switch ms.Status {
		case milestone.StatusPending, milestone.StatusInProgress,
			milestone.StatusCompleted, milestone.StatusAbandoned:
		default:
			return ErrCorrupt
		}
		if ms.StepBacks < 0 || n < 1 {
			return ErrCorrupt
		}
		for _, ps := range ms.Phases {
			switch ps.Status {
			case milestone.PhasePending, milestone.PhaseRunning,
				milestone.PhaseSucceeded, milestone.PhaseFailed:
			default:
				return fmt.Errorf("%w: %w", ErrCorrupt, milestone.ErrUnknownPhaseStatus)
			}
			if ps.Attempts < 0 {
				return ErrCorrupt
			}
		}
	}
	return nil
}

// Store is the port interface for checkpoint persistence. The pipeline
// executor is the single writer; concurrent workers never call Save.
type Store interface {
	// Load reads the persisted state. Returns ErrNotFound when no state has
	// been written and ErrCorrupt (possibly wrapped) when it is unreadable.
	Load(ctx context.Context) (*State, error)

	// Save persists the state atomically.
	Save(ctx context.Context, s *State) error
}
