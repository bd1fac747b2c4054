package engine

import (
	"log/slog"
	"time"

	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// Report is the final run summary across all executed milestones.
type Report struct {
	Project    string
	Milestones []milestone.MilestoneResult
	Completed  int
	Abandoned  int
	Attempts   int
	StepBacks  int
	CostUSD    float64
	Duration   time.Duration
}

// Add folds one milestone result into the summary.
func (r *Report) Add(res *milestone.MilestoneResult) {
	r.Milestones = append(r.Milestones, *res)
	r.Attempts += len(res.Attempts)
	r.StepBacks += res.StepBacks
	r.CostUSD += res.CostUSD
	switch res.Status {
	case milestone.StatusCompleted:
		r.Completed++
	case milestone.StatusAbandoned:
		r.Abandoned++
	}
}

// Success reports whether every executed milestone completed.
func (r *Report) Success() bool {
	return r.Abandoned == 0 && r.Completed == len(r.Milestones)
}

// Log writes the per-milestone outcomes and run totals.
func (r *Report) Log(log *slog.Logger) {
	for _, m := range r.Milestones {
		log.Info("milestone summary",
			slog.Int("milestone", m.Number),
			slog.String("status", string(m.Status)),
			slog.Int("attempts", len(m.Attempts)),
			slog.Int("step_backs", m.StepBacks),
			slog.Float64("cost_usd", m.CostUSD),
			slog.Duration("duration", m.Duration))
	}
	log.Info("run summary",
		slog.String("project", r.Project),
		slog.Int("completed", r.Completed),
		slog.Int("abandoned", r.Abandoned),
		slog.Int("attempts", r.Attempts),
		slog.Int("step_backs", r.StepBacks),
		slog.Float64("cost_usd", r.CostUSD),
		slog.Duration("duration", r.Duration))
}
