package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
	"github.com/Strob0t/PipeForge/internal/domain/stagnation"
	"github.com/Strob0t/PipeForge/internal/evidence"
	"github.com/Strob0t/PipeForge/internal/port/agent"
	"github.com/Strob0t/PipeForge/internal/port/statestore"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

// remediate runs the file-scoped remediation loop for a failed validation
// command: partition the diagnostics by file, dispatch one scoped agent
// invocation per file through a bounded pool, re-validate, repeat. The loop
// ends on a clean validation, the round cap, or a stagnant error set.
// Remediation workers share the primary workspace but own disjoint files, so
// their results merge by simple union; none of them touch checkpoint state.
func (e *Executor) remediate(
	ctx context.Context,
	m *milestone.Milestone,
	phase *milestone.Phase,
	workDir string,
	cmdErr *failure.CommandError,
) error {
	workers := e.cfg.Parallel.FileWorkers
	if workers < 1 {
		workers = 1
	}
	tracker := stagnation.NewTracker(e.cfg.Parallel.StagnationRounds)
	var lastErr error = cmdErr

	for round := 1; round <= e.cfg.Parallel.MaxRounds; round++ {
		byFile, err := e.partitioner.Partition(ctx, cmdErr.Output)
		if err != nil || len(byFile) == 0 {
			// Nothing attributable to a file; hand the failure back to the
			// retry ladder.
			return lastErr
		}
		if tracker.Observe(partitionSignature(byFile)) {
			return fmt.Errorf("remediation of %s stalled after %d identical rounds: %w",
				phase.Name, tracker.Repeats(), ErrStagnation)
		}

		e.log.Info("remediation round",
			slog.String("phase", phase.Name),
			slog.Int("round", round),
			slog.Int("files", len(byFile)),
			slog.Int("errors", errorCount(byFile)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for file, errs := range byFile {
			g.Go(func() error {
				req := &agent.Request{
					Milestone:      m.Number,
					Phase:          phase.Name,
					Instructions:   remediationInstructions(phase.Name, file, messages(errs)),
					WorkDir:        workDir,
					Timeout:        e.phaseTimeout(),
					TranscriptPath: e.remediationTranscriptPath(m.Number, phase.Name, round, file),
				}
				_, err := e.invoke(gctx, req)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		verr := e.validator.Validate(ctx, workDir, phase)
		if verr == nil {
			e.log.Info("remediation converged",
				slog.String("phase", phase.Name),
				slog.Int("rounds", round))
			return nil
		}
		lastErr = verr

		var next *failure.CommandError
		if !errors.As(verr, &next) {
			return verr
		}
		cmdErr = next
	}
	return lastErr
}

// pairEligible reports whether the phase at index i opens a whitelisted
// parallel pair that should run workspace-isolated.
func (e *Executor) pairEligible(m *milestone.Milestone, ms *statestore.MilestoneState, i int) bool {
	if !e.cfg.Parallel.WorkspaceScoped || e.provider == nil {
		return false
	}
	// A provider that can hold only one handle at a time cannot isolate two
	// concurrent phases; a second Acquire would block behind the first.
	if sp, ok := e.provider.(workspace.SerialProvider); ok && sp.Serial() {
		return false
	}
	if m.ParallelPartner(i) != i+1 {
		return false
	}
	// A resumed run may have half the pair done already.
	return ms.Phases[m.Phases[i+1].Name].Status != milestone.PhaseSucceeded
}

type pairOutcome struct {
	idx      int
	handle   *workspace.Handle
	result   *agent.Result
	err      error
	conflict bool
}

// runParallelPair executes two whitelisted phases concurrently, each in its
// own isolated workspace, then merges the handles back sequentially. A merge
// conflict (or a failed workspace attempt) sends that phase to sequential
// re-execution in the primary workspace; it never aborts the milestone by
// itself. Returns the next phase index, or the failing index and its error
// once the sequential fallback also exhausts its ladder.
//
// All checkpoint writes happen here on the executor goroutine; the two
// workers only fill in their pairOutcome.
func (e *Executor) runParallelPair(
	ctx context.Context,
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	res *milestone.MilestoneResult,
	first int,
) (next, failIdx int, err error) {
	primary := e.cfg.Project.Path
	outcomes := [2]pairOutcome{{idx: first}, {idx: first + 1}}

	// One atomic checkpoint update marks both phases Running.
	for k := range outcomes {
		name := m.Phases[outcomes[k].idx].Name
		if serr := e.setPhaseStatus(ms, name, milestone.PhaseRunning); serr != nil {
			return 0, outcomes[k].idx, serr
		}
		e.updatePhase(ms, name, func(st *statestore.PhaseState) { st.Attempts++ })
	}
	if cerr := e.checkpoint(ctx); cerr != nil {
		return 0, first, cerr
	}

	e.log.Info("parallel pair started",
		slog.String("first", m.Phases[first].Name),
		slog.String("second", m.Phases[first+1].Name),
		slog.String("group", m.Phases[first].ParallelGroup))

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for k := range outcomes {
		out := &outcomes[k]
		phase := &m.Phases[out.idx]

		h, aerr := e.provider.Acquire(ctx, primary, phase.Name)
		if aerr != nil {
			out.err = aerr
			continue
		}
		out.handle = h

		g.Go(func() error {
			attempt := ms.Phases[phase.Name].Attempts
			req := &agent.Request{
				Milestone:      m.Number,
				Phase:          phase.Name,
				Instructions:   buildInstructions(m, phase, ""),
				Context:        bctx.build(phase.Name, 0, nil),
				WorkDir:        h.Path,
				Timeout:        e.phaseTimeout(),
				TranscriptPath: e.transcriptPath(m.Number, phase.Name, attempt),
			}
			r, ierr := e.invoke(gctx, req)
			out.result = r
			if ierr != nil {
				out.err = ierr
				return nil
			}
			out.err = e.validator.Validate(gctx, h.Path, phase)
			return nil
		})
	}
	_ = g.Wait()

	// Sequential merge-back in declared order, then one serialized state
	// update for the whole group.
	for k := range outcomes {
		out := &outcomes[k]
		if out.handle == nil {
			continue
		}
		if out.err != nil {
			_ = e.provider.Discard(ctx, out.handle)
			continue
		}
		if merr := e.provider.Merge(ctx, primary, out.handle); merr != nil {
			var mc *failure.MergeConflictError
			if errors.As(merr, &mc) {
				out.conflict = true
				if e.metrics != nil {
					e.metrics.MergeConflicts.Add(ctx, 1)
				}
				e.log.Warn("merge conflict, falling back to sequential execution",
					slog.String("phase", m.Phases[out.idx].Name),
					slog.String("workspace", out.handle.ID))
			}
			out.err = merr
			_ = e.provider.Discard(ctx, out.handle)
		}
	}
	e.serializePair(ctx, m, ms, bctx, res, &outcomes, started)

	// Sequential fallback for everything that did not land cleanly.
	for k := range outcomes {
		out := &outcomes[k]
		if out.err == nil {
			continue
		}
		startLevel, lastErr := 1, out.err
		if out.conflict || out.handle == nil {
			// A conflict discards finished work and an acquire failure means
			// no attempt ran at all; either way the sequential re-execution
			// is a fresh run, not a retry.
			startLevel, lastErr = 0, nil
		}
		if perr := e.runPhase(ctx, m, ms, bctx, res, out.idx, startLevel, lastErr); perr != nil {
			return 0, out.idx, perr
		}
	}
	return first + 2, -1, nil
}

// serializePair folds both workspace outcomes into checkpoint state as a
// single atomic update before the pipeline advances.
func (e *Executor) serializePair(
	ctx context.Context,
	m *milestone.Milestone,
	ms *statestore.MilestoneState,
	bctx *contextBuilder,
	res *milestone.MilestoneResult,
	outcomes *[2]pairOutcome,
	started time.Time,
) {
	ended := time.Now()
	for k := range outcomes {
		out := &outcomes[k]
		phase := &m.Phases[out.idx]
		att := milestone.Attempt{
			Phase:     phase.Name,
			Index:     ms.Phases[phase.Name].Attempts,
			StartedAt: started,
			EndedAt:   ended,
		}
		if out.result != nil {
			att.CostUSD = out.result.CostUSD
			att.SessionID = out.result.SessionID
			att.TranscriptPath = out.result.TranscriptPath
		}

		e.updatePhase(ms, phase.Name, func(st *statestore.PhaseState) {
			st.CostUSD += att.CostUSD
			st.Duration += att.Duration()
			if out.err != nil {
				st.LastErr = out.err.Error()
			} else {
				st.LastErr = ""
			}
		})

		if out.err == nil {
			att.Status = milestone.AttemptSucceeded
			_ = e.setPhaseStatus(ms, phase.Name, milestone.PhaseSucceeded)
			if out.result != nil {
				bctx.recordOutput(phase.Name, out.idx, out.result.Output)
			}
			if e.metrics != nil {
				e.metrics.PhasesSucceeded.Add(ctx, 1)
				e.metrics.PhaseCost.Record(ctx, att.CostUSD)
			}
		} else {
			att.Status = milestone.AttemptFailed
			att.FailureDetail = out.err.Error()
			_ = e.setPhaseStatus(ms, phase.Name, milestone.PhaseFailed)
			if e.metrics != nil {
				e.metrics.PhasesFailed.Add(ctx, 1)
			}
		}
		res.Attempts = append(res.Attempts, att)
		res.CostUSD += att.CostUSD
	}

	if err := e.checkpoint(ctx); err != nil {
		e.log.Error("checkpoint save failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) remediationTranscriptPath(number int, phase string, round int, file string) string {
	safe := strings.ReplaceAll(file, string(filepath.Separator), "_")
	safe = strings.ReplaceAll(safe, "/", "_")
	return filepath.Join(e.evidenceDir(number),
		fmt.Sprintf("%s-remediation-r%d-%s.jsonl", phase, round, safe))
}

// partitionSignature renders a deterministic fingerprint of an error set for
// stagnation detection.
func partitionSignature(byFile map[string][]evidence.FileError) string {
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	var sb strings.Builder
	for _, f := range files {
		for _, fe := range byFile[f] {
			fmt.Fprintf(&sb, "%s:%d:%s;", fe.File, fe.Line, fe.Message)
		}
	}
	return sb.String()
}

func errorCount(byFile map[string][]evidence.FileError) int {
	n := 0
	for _, errs := range byFile {
		n += len(errs)
	}
	return n
}

func messages(errs []evidence.FileError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return out
}
