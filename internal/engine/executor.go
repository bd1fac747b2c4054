// Package engine implements the phase pipeline executor and the concurrency
// coordinator. The executor is a single cooperative driver: it awaits each
// phase (or whitelisted parallel group) before advancing, applies the
// retry/step-back policy, and is the only writer of checkpoint state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Strob0t/PipeForge/internal/adapter/otel"
	"github.com/Strob0t/PipeForge/internal/config"
	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
	"github.com/Strob0t/PipeForge/internal/domain/stagnation"
	"github.com/Strob0t/PipeForge/internal/evidence"
	"github.com/Strob0t/PipeForge/internal/logger"
	"github.com/Strob0t/PipeForge/internal/port/agent"
	"github.com/Strob0t/PipeForge/internal/port/statestore"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
	"github.com/Strob0t/PipeForge/internal/resilience"
)

var (
	// ErrAbandoned marks a milestone that exhausted its recovery budget.
	ErrAbandoned = errors.New("milestone abandoned")
	// ErrStagnation marks a run halted because consecutive recoveries stopped
	// changing the failure.
	ErrStagnation = errors.New("stagnation cutoff reached")
	// ErrSafetyCeiling marks a run that hit the absolute wall-clock ceiling.
	ErrSafetyCeiling = errors.New("safety ceiling exceeded")
)

// Validator gates phase success. It never consults the agent's self-report.
type Validator interface {
	Validate(ctx context.Context, workDir string, phase *milestone.Phase) error
}

// Deps collects the ports and adapters the executor drives.
type Deps struct {
	Invoker     agent.Invoker
	Validator   Validator
	Store       statestore.Store
	Workspaces  workspace.Provider
	Metrics     *otel.Metrics
	Partitioner *evidence.Partitioner
}

// Executor drives milestones through their phase pipelines.
type Executor struct {
	cfg         config.Config
	log         *slog.Logger
	invoker     agent.Invoker
	validator   Validator
	store       statestore.Store
	provider    workspace.Provider
	analyzer    *failure.Analyzer
	breaker     *resilience.Breaker
	metrics     *otel.Metrics
	partitioner *evidence.Partitioner

	// Checkpoint state. Mutated only from the executor's own goroutine;
	// concurrent workers report results back, they never write here.
	state *statestore.State
}

// New creates an executor from configuration and its dependencies.
func New(cfg config.Config, log *slog.Logger, deps Deps) *Executor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	part := deps.Partitioner
	if part == nil {
		part = evidence.NewPartitioner(nil, 0)
	}
	var breaker *resilience.Breaker
	if cfg.Breaker.MaxFailures > 0 {
		breaker = resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	}
	return &Executor{
		cfg:         cfg,
		log:         log,
		invoker:     deps.Invoker,
		validator:   deps.Validator,
		store:       deps.Store,
		provider:    deps.Workspaces,
		analyzer:    failure.NewAnalyzer(),
		breaker:     breaker,
		metrics:     deps.Metrics,
		partitioner: part,
	}
}

// Run executes milestones strictly sequentially. With resume set, progress is
// reconstructed from the checkpoint store and already-succeeded phases are
// skipped; otherwise a fresh checkpoint replaces any previous one.
func (e *Executor) Run(ctx context.Context, project string, milestones []milestone.Milestone, resume bool) (*Report, error) {
	if id := logger.RunID(ctx); id != "" {
		e.log = e.log.With(slog.String("run_id", id))
	}
	if err := e.initState(ctx, project, resume); err != nil {
		return nil, err
	}

	rep := &Report{Project: project}
	start := time.Now()
	for i := range milestones {
		res, err := e.ExecuteMilestone(ctx, &milestones[i])
		if res != nil {
			rep.Add(res)
		}
		if err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

func (e *Executor) initState(ctx context.Context, project string, resume bool) error {
	if !resume {
		e.state = statestore.NewState(project)
		return e.checkpoint(ctx)
	}

	st, err := e.store.Load(ctx)
	switch {
	case err == nil:
		normalizeLoaded(st)
		e.state = st
	case errors.Is(err, statestore.ErrNotFound):
		e.state = statestore.NewState(project)
	default:
		// Corruption is fatal for resume, never silently repaired.
		return err
	}
	return nil
}

// normalizeLoaded resets phases checkpointed as Running: the attempt they
// belonged to died with the previous process, so they rerun from Pending.
func normalizeLoaded(st *statestore.State) {
	for _, ms := range st.Milestones {
		for name, ps := range ms.Phases {
			if ps.Status == milestone.PhaseRunning {
				ps.Status = milestone.PhasePending
				ms.Phases[name] = ps
			}
		}
	}
}

// ExecuteMilestone drives one milestone to Completed or Abandoned. The
// returned result retains every attempt record; a non-nil error wrapping
// ErrAbandoned means the milestone terminated without completing.
func (e *Executor) ExecuteMilestone(ctx context.Context, m *milestone.Milestone) (*milestone.MilestoneResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if e.state == nil {
		e.state = statestore.NewState("")
	}

	ms := e.state.Milestone(m.Number)
	res := &milestone.MilestoneResult{Number: m.Number, Status: ms.Status}
	start := time.Now()

	switch ms.Status {
	case milestone.StatusCompleted:
		res.StepBacks = ms.StepBacks
		return res, nil
	case milestone.StatusAbandoned:
		res.StepBacks = ms.StepBacks
		return res, fmt.Errorf("milestone %d: %w", m.Number, ErrAbandoned)
	case milestone.StatusPending:
		if err := e.setMilestoneStatus(ms, milestone.StatusInProgress); err != nil {
			return res, err
		}
		if err := e.checkpoint(ctx); err != nil {
			return res, err
		}
	}
	res.Status = milestone.StatusInProgress

	e.log.Info("milestone started",
		slog.Int("milestone", m.Number),
		slog.Int("phases", len(m.Phases)),
		slog.Bool("infinite", e.cfg.Retry.Infinite))

	deadline := start.Add(e.cfg.Agent.SafetyCeiling)
	tracker := stagnation.NewTracker(e.cfg.Retry.StagnationThreshold)
	bctx := newContextBuilder()

	i := 0
	for i < len(m.Phases) {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		if e.cfg.Agent.SafetyCeiling > 0 && time.Now().After(deadline) {
			res.Duration = time.Since(start)
			return res, e.abandon(ctx, ms, res, ErrSafetyCeiling)
		}

		phase := &m.Phases[i]
		if ms.Phases[phase.Name].Status == milestone.PhaseSucceeded {
			i++
			continue
		}

		var phaseErr error
		failIdx := i
		if e.pairEligible(m, ms, i) {
			next, fi, err := e.runParallelPair(ctx, m, ms, bctx, res, i)
			if err == nil {
				i = next
				continue
			}
			phaseErr, failIdx = err, fi
		} else {
			phaseErr = e.runPhase(ctx, m, ms, bctx, res, i, 0, nil)
			if phaseErr == nil {
				i++
				continue
			}
		}

		target, fatal := e.recover(ctx, m, ms, bctx, tracker, res, failIdx, phaseErr)
		if fatal != nil {
			res.Duration = time.Since(start)
			return res, fatal
		}
		i = target
	}

	if err := e.setMilestoneStatus(ms, milestone.StatusCompleted); err != nil {
		return res, err
	}
	res.Status = milestone.StatusCompleted
	res.StepBacks = ms.StepBacks
	res.Duration = time.Since(start)
	if err := e.checkpoint(ctx); err != nil {
		return res, err
	}

	e.log.Info("milestone completed",
		slog.Int("milestone", m.Number),
		slog.Int("step_backs", ms.StepBacks),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// runPhase drives one phase through the in-place retry ladder: the initial
// attempt, one direct retry with raw failure detail, and one enhanced retry
// with the enriched failure summary. startLevel lets the parallel fallback
// resume the ladder after a failed workspace attempt.
func (e *Executor) runPhase(
	ctx context.Context,
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	res *milestone.MilestoneResult,
	idx, startLevel int,
	lastErr error,
) error {
	phase := &m.Phases[idx]
	bound := phase.MaxRetries
	if bound <= 0 {
		bound = e.cfg.Retry.MaxInPlace
	}

	for level := startLevel; level <= bound; level++ {
		if level > 0 {
			if e.metrics != nil {
				e.metrics.Retries.Add(ctx, 1)
			}
			e.log.Info("retrying phase in place",
				slog.Int("milestone", m.Number),
				slog.String("phase", phase.Name),
				slog.Int("level", level))
		}

		attempt, err := e.attemptPhase(ctx, m, ms, bctx, res, idx, level, lastErr, e.cfg.Project.Path)
		if err == nil {
			return nil
		}
		lastErr = err
		bctx.recordFailure(e.analyzer.Analyze(m, phase.Name, attempt, err))
	}
	return lastErr
}

// attemptPhase runs exactly one attempt: invoke, validate, checkpoint.
func (e *Executor) attemptPhase(
	ctx context.Context,
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	res *milestone.MilestoneResult,
	idx, level int,
	lastErr error,
	workDir string,
) (int, error) {
	phase := &m.Phases[idx]

	if err := e.setPhaseStatus(ms, phase.Name, milestone.PhaseRunning); err != nil {
		return 0, err
	}
	var attemptIndex int
	e.updatePhase(ms, phase.Name, func(st *statestore.PhaseState) {
		st.Attempts++
		attemptIndex = st.Attempts
	})
	if err := e.checkpoint(ctx); err != nil {
		return attemptIndex, err
	}

	att := milestone.Attempt{
		Phase:     phase.Name,
		Index:     attemptIndex,
		Status:    milestone.AttemptRunning,
		StartedAt: time.Now(),
	}
	if e.metrics != nil {
		e.metrics.PhasesStarted.Add(ctx, 1)
	}

	result, invErr := e.invoke(ctx, e.buildRequest(m, ms, bctx, idx, level, lastErr, workDir))

	finalErr := invErr
	if finalErr == nil {
		finalErr = e.validatePhase(ctx, m, phase, workDir)
	}

	e.finalizeAttempt(ctx, ms, res, bctx, idx, phase, &att, result, finalErr)
	return attemptIndex, finalErr
}

// validatePhase runs the evidence gate, dispatching failed file-scoped phases
// to the remediation pool before giving up on the attempt.
func (e *Executor) validatePhase(ctx context.Context, m *milestone.Milestone, phase *milestone.Phase, workDir string) error {
	verr := e.validator.Validate(ctx, workDir, phase)
	if verr == nil {
		return nil
	}
	var cmdErr *failure.CommandError
	if phase.FileScoped && e.cfg.Parallel.FileScoped && errors.As(verr, &cmdErr) {
		return e.remediate(ctx, m, phase, workDir, cmdErr)
	}
	return verr
}

// finalizeAttempt folds one attempt's outcome into the checkpoint state and
// the run result, then persists. Runs only on the executor goroutine.
func (e *Executor) finalizeAttempt(
	ctx context.Context,
	ms *statestore.MilestoneState,
	res *milestone.MilestoneResult,
	bctx *contextBuilder,
	idx int,
	phase *milestone.Phase,
	att *milestone.Attempt,
	result *agent.Result,
	finalErr error,
) {
	att.EndedAt = time.Now()
	if result != nil {
		att.CostUSD = result.CostUSD
		att.SessionID = result.SessionID
		att.TranscriptPath = result.TranscriptPath
	}

	e.updatePhase(ms, phase.Name, func(st *statestore.PhaseState) {
		st.CostUSD += att.CostUSD
		st.Duration += att.Duration()
		if finalErr != nil {
			st.LastErr = finalErr.Error()
		} else {
			st.LastErr = ""
		}
	})

	if finalErr == nil {
		att.Status = milestone.AttemptSucceeded
		_ = e.setPhaseStatus(ms, phase.Name, milestone.PhaseSucceeded)
		if result != nil {
			bctx.recordOutput(phase.Name, idx, result.Output)
		}
		if e.metrics != nil {
			e.metrics.PhasesSucceeded.Add(ctx, 1)
			e.metrics.PhaseDuration.Record(ctx, att.Duration().Seconds())
			e.metrics.PhaseCost.Record(ctx, att.CostUSD)
		}
		e.log.Info("phase succeeded",
			slog.String("phase", phase.Name),
			slog.Int("attempt", att.Index),
			slog.Float64("cost_usd", att.CostUSD),
			slog.Duration("duration", att.Duration()))
	} else {
		att.Status = milestone.AttemptFailed
		att.FailureDetail = finalErr.Error()
		_ = e.setPhaseStatus(ms, phase.Name, milestone.PhaseFailed)
		if e.metrics != nil {
			e.metrics.PhasesFailed.Add(ctx, 1)
		}
		e.log.Warn("phase failed",
			slog.String("phase", phase.Name),
			slog.Int("attempt", att.Index),
			slog.String("kind", string(failure.Classify(finalErr))),
			slog.String("error", finalErr.Error()))
	}

	res.Attempts = append(res.Attempts, *att)
	res.CostUSD += att.CostUSD
	if err := e.checkpoint(ctx); err != nil {
		e.log.Error("checkpoint save failed", slog.String("error", err.Error()))
	}
}

// recover applies the escalation policy after the in-place ladder is
// exhausted: step back to the analyzer's target, or abandon when the step-back
// budget (or, in infinite mode, the stagnation cutoff) is exhausted.
func (e *Executor) recover(
	ctx context.Context,
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	tracker *stagnation.Tracker,
	res *milestone.MilestoneResult,
	failIdx int,
	cause error,
) (int, error) {
	phase := &m.Phases[failIdx]
	rec := e.analyzer.Analyze(m, phase.Name, ms.Phases[phase.Name].Attempts, cause)

	if e.cfg.Retry.Infinite {
		sig := fmt.Sprintf("%s|%s|%s", rec.Phase, rec.Kind, rec.Detail)
		if tracker.Observe(sig) {
			e.log.Error("stagnation cutoff reached",
				slog.String("phase", phase.Name),
				slog.Int("repeats", tracker.Repeats()))
			return 0, e.abandon(ctx, ms, res, fmt.Errorf("%w after %d identical failures in %s", ErrStagnation, tracker.Repeats(), phase.Name))
		}
	} else if ms.StepBacks >= e.cfg.Retry.MaxStepBacks {
		return 0, e.abandon(ctx, ms, res, cause)
	}

	targetIdx := m.PhaseIndex(rec.StepBackTarget)
	if targetIdx < 0 || targetIdx > failIdx {
		return 0, fmt.Errorf("phase %s target %s: %w", phase.Name, rec.StepBackTarget, milestone.ErrStepBackTargetAhead)
	}

	ms.StepBacks++
	res.StepBacks = ms.StepBacks
	if e.metrics != nil {
		e.metrics.StepBacks.Add(ctx, 1)
	}
	e.log.Info("stepping back",
		slog.String("failing_phase", phase.Name),
		slog.String("target", rec.StepBackTarget),
		slog.String("rationale", rec.Rationale),
		slog.Int("step_backs", ms.StepBacks))

	// Reset the target and everything after it to Pending; the failure
	// history stays in the context so the target attempt sees it.
	for j := targetIdx; j < len(m.Phases); j++ {
		name := m.Phases[j].Name
		if _, ran := ms.Phases[name]; !ran {
			continue
		}
		e.updatePhase(ms, name, func(st *statestore.PhaseState) {
			st.Status = milestone.PhasePending
		})
	}
	bctx.trimFrom(targetIdx)

	if err := e.checkpoint(ctx); err != nil {
		return 0, err
	}
	return targetIdx, nil
}

func (e *Executor) abandon(ctx context.Context, ms *statestore.MilestoneState, res *milestone.MilestoneResult, cause error) error {
	if err := e.setMilestoneStatus(ms, milestone.StatusAbandoned); err != nil {
		return err
	}
	res.Status = milestone.StatusAbandoned
	res.StepBacks = ms.StepBacks
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	e.log.Error("milestone abandoned",
		slog.Int("milestone", res.Number),
		slog.Int("step_backs", ms.StepBacks),
		slog.String("cause", cause.Error()))
	return fmt.Errorf("milestone %d: %w", res.Number, errors.Join(ErrAbandoned, cause))
}

// invoke calls the agent through the circuit breaker.
func (e *Executor) invoke(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	var result *agent.Result
	call := func() error {
		var err error
		result, err = e.invoker.Invoke(ctx, req)
		return err
	}
	var err error
	if e.breaker == nil {
		err = call()
	} else {
		err = e.breaker.Execute(call)
	}
	return result, err
}

func (e *Executor) buildRequest(
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	idx, level int,
	lastErr error,
	workDir string,
) *agent.Request {
	phase := &m.Phases[idx]
	attempt := ms.Phases[phase.Name].Attempts
	marker := e.markerPath(m.Number, phase.Name)
	_ = os.MkdirAll(filepath.Dir(marker), 0o755)
	_ = os.Remove(marker)

	return &agent.Request{
		Milestone:        m.Number,
		Phase:            phase.Name,
		Instructions:     buildInstructions(m, phase, marker),
		Context:          bctx.build(phase.Name, level, lastErr),
		WorkDir:          workDir,
		Timeout:          e.phaseTimeout(),
		CompletionMarker: marker,
		TranscriptPath:   e.transcriptPath(m.Number, phase.Name, attempt),
	}
}

func (e *Executor) phaseTimeout() time.Duration {
	if e.cfg.Retry.Infinite {
		// No per-phase ceiling; the invoker still applies the safety ceiling.
		return 0
	}
	return e.cfg.Agent.PhaseTimeout
}

func (e *Executor) evidenceDir(number int) string {
	return filepath.Join(e.cfg.Project.Path, e.cfg.Project.EvidenceDir, fmt.Sprintf("milestone-%d", number))
}

func (e *Executor) transcriptPath(number int, phase string, attempt int) string {
	return filepath.Join(e.evidenceDir(number), fmt.Sprintf("%s-attempt-%d.jsonl", phase, attempt))
}

func (e *Executor) markerPath(number int, phase string) string {
	return filepath.Join(e.cfg.Project.Path, ".pipeforge", "markers", fmt.Sprintf("m%d-%s.done", number, phase))
}

func (e *Executor) checkpoint(ctx context.Context) error {
	e.state.UpdatedAt = time.Now()
	return e.store.Save(ctx, e.state)
}

func (e *Executor) setMilestoneStatus(ms *statestore.MilestoneState, next milestone.Status) error {
	cur := ms.Status
	if cur == "" {
		cur = milestone.StatusPending
	}
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("milestone %s -> %s: %w", cur, next, milestone.ErrInvalidTransition)
	}
	ms.Status = next
	return nil
}

func (e *Executor) setPhaseStatus(ms *statestore.MilestoneState, name string, next milestone.PhaseStatus) error {
	st := ms.Phases[name]
	cur := st.Status
	if cur == "" {
		cur = milestone.PhasePending
	}
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("phase %s: %s -> %s: %w", name, cur, next, milestone.ErrInvalidTransition)
	}
	st.Status = next
	ms.Phases[name] = st
	return nil
}

func (e *Executor) updatePhase(ms *statestore.MilestoneState, name string, fn func(*statestore.PhaseState)) {
	st := ms.Phases[name]
	fn(&st)
	ms.Phases[name] = st
}
