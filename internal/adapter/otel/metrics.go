package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pipeforge"

// Metrics holds all PipeForge metric instruments.
type Metrics struct {
	PhasesStarted   metric.Int64Counter
	PhasesSucceeded metric.Int64Counter
	PhasesFailed    metric.Int64Counter
	StepBacks       metric.Int64Counter
	Retries         metric.Int64Counter
	MergeConflicts  metric.Int64Counter
	PhaseDuration   metric.Float64Histogram
	PhaseCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.PhasesStarted, err = meter.Int64Counter("pipeforge.phases.started",
		metric.WithDescription("Number of phase attempts started"))
	if err != nil {
		return nil, err
	}

	m.PhasesSucceeded, err = meter.Int64Counter("pipeforge.phases.succeeded",
		metric.WithDescription("Number of phases that passed their evidence gate"))
	if err != nil {
		return nil, err
	}

	m.PhasesFailed, err = meter.Int64Counter("pipeforge.phases.failed",
		metric.WithDescription("Number of phase attempts that failed"))
	if err != nil {
		return nil, err
	}

	m.StepBacks, err = meter.Int64Counter("pipeforge.stepbacks",
		metric.WithDescription("Number of step-back recoveries"))
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("pipeforge.retries",
		metric.WithDescription("Number of in-place phase retries"))
	if err != nil {
		return nil, err
	}

	m.MergeConflicts, err = meter.Int64Counter("pipeforge.merge_conflicts",
		metric.WithDescription("Number of workspace merge-backs that conflicted"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("pipeforge.phase.duration_seconds",
		metric.WithDescription("Phase attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.PhaseCost, err = meter.Float64Histogram("pipeforge.phase.cost_usd",
		metric.WithDescription("Phase attempt cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
