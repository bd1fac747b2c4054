package milestone

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Plan is the decomposer's output: the ordered set of milestones for a project.
type Plan struct {
	Project    string      `yaml:"project"`
	Milestones []Milestone `yaml:"milestones"`
}

// LoadPlan reads a Plan from a YAML file, validates every milestone, and
// returns the milestones sorted by number. Milestones that declare no phases
// get a copy of the defaults.
func LoadPlan(path string, defaults []Phase) (*Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}

	for i := range p.Milestones {
		m := &p.Milestones[i]
		if len(m.Phases) == 0 {
			m.Phases = clonePhases(defaults)
		}
		m.Status = StatusPending
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("validate milestone %d in %s: %w", m.Number, path, err)
		}
	}

	sort.Slice(p.Milestones, func(i, j int) bool {
		return p.Milestones[i].Number < p.Milestones[j].Number
	})

	for i := 1; i < len(p.Milestones); i++ {
		if p.Milestones[i].Number == p.Milestones[i-1].Number {
			return nil, fmt.Errorf("plan %s: duplicate milestone number %d", path, p.Milestones[i].Number)
		}
	}

	return &p, nil
}

// Select returns the milestone with the given number, or all milestones when
// number is 0.
func (p *Plan) Select(number int) ([]Milestone, error) {
	if number == 0 {
		return p.Milestones, nil
	}
	for _, m := range p.Milestones {
		if m.Number == number {
			return []Milestone{m}, nil
		}
	}
	return nil, fmt.Errorf("plan has no milestone %d", number)
}

func clonePhases(phases []Phase) []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	for i := range out {
		ev := make([]EvidenceRequirement, len(phases[i].Evidence))
		copy(ev, phases[i].Evidence)
		out[i].Evidence = ev
	}
	return out
}
