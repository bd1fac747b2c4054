package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/PipeForge/internal/adapter/singledir"
	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

func lintMilestone() milestone.Milestone {
	return milestone.Milestone{
		Number:      1,
		Description: "increment",
		Phases: []milestone.Phase{
			{
				Name:       "lint",
				FileScoped: true,
				Evidence: []milestone.EvidenceRequirement{
					{Kind: milestone.RequirementCommand, Command: "make lint", Signal: milestone.SignalExitZero},
				},
			},
		},
	}
}

func lintFailure(output string) error {
	return &failure.CommandError{Command: "make lint", ExitCode: 1, Output: output, Reason: "nonzero-exit"}
}

// Scenario: x.go carries 3 errors and y.go carries 1; a 2-worker pool fixes
// both files concurrently and the next validation round is clean.
func TestFileScopedRemediation(t *testing.T) {
	const output = "x.go:1:1: e1\nx.go:2:1: e2\nx.go:3:1: e3\ny.go:1:1: e4\n"

	inv := newFakeInvoker()
	inv.delay = 50 * time.Millisecond
	val := newFakeValidator(func(_ string, call int) error {
		if call == 1 {
			return lintFailure(output)
		}
		return nil
	})

	cfg := testConfig(t)
	cfg.Parallel.FileScoped = true
	cfg.Parallel.FileWorkers = 2
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: val, Store: store})

	rep, err := exec.Run(context.Background(), "proj", []milestone.Milestone{lintMilestone()}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.Success() {
		t.Fatalf("run did not complete: %+v", rep)
	}

	res := &rep.Milestones[0]
	failed, succeeded := attemptCounts(res, "lint")
	if failed != 0 || succeeded != 1 {
		t.Errorf("lint: %d failed + %d succeeded, want remediation inside a single attempt", failed, succeeded)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	var remediated []string
	for _, req := range inv.requests {
		if strings.Contains(req.TranscriptPath, "remediation") {
			remediated = append(remediated, req.Instructions)
		}
	}
	if len(remediated) != 2 {
		t.Fatalf("got %d remediation invocations, want 2 (one per file)", len(remediated))
	}
	joined := strings.Join(remediated, "\n")
	if !strings.Contains(joined, "x.go") || !strings.Contains(joined, "y.go") {
		t.Errorf("remediation did not cover both files: %q", joined)
	}
	if inv.maxConcurrent != 2 {
		t.Errorf("max concurrent invocations = %d, want 2", inv.maxConcurrent)
	}
}

func TestRemediationStagnationHalts(t *testing.T) {
	const output = "x.go:1:1: stuck\n"

	inv := newFakeInvoker()
	val := newFakeValidator(func(string, int) error {
		return lintFailure(output) // error set never changes
	})

	cfg := testConfig(t)
	cfg.Parallel.FileScoped = true
	cfg.Retry.MaxInPlace = 0
	cfg.Retry.MaxStepBacks = 0
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: val, Store: store})

	_, err := exec.Run(context.Background(), "proj", []milestone.Milestone{lintMilestone()}, false)
	if !errors.Is(err, ErrStagnation) {
		t.Fatalf("err = %v, want ErrStagnation", err)
	}
	// Rounds 1 and 2 each dispatch one fix for x.go; round 3 observes the
	// third identical error set and halts before invoking.
	if got := inv.callsFor("lint"); got != 3 {
		t.Errorf("invocations = %d, want 3 (initial attempt + 2 remediation rounds)", got)
	}
}

func TestRemediationRoundCap(t *testing.T) {
	inv := newFakeInvoker()
	round := 0
	val := newFakeValidator(func(_ string, call int) error {
		// A different single error every round: never stagnant, never clean.
		round++
		return lintFailure(fmt.Sprintf("x.go:%d:1: e%d\n", round, round))
	})

	cfg := testConfig(t)
	cfg.Parallel.FileScoped = true
	cfg.Parallel.MaxRounds = 4
	cfg.Retry.MaxInPlace = 0
	cfg.Retry.MaxStepBacks = 0
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: val, Store: store})

	_, err := exec.Run(context.Background(), "proj", []milestone.Milestone{lintMilestone()}, false)
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v, want ErrAbandoned after the round cap", err)
	}
	// Initial attempt plus one remediation invocation per round.
	if got := inv.callsFor("lint"); got != 1+cfg.Parallel.MaxRounds {
		t.Errorf("invocations = %d, want %d", got, 1+cfg.Parallel.MaxRounds)
	}
}

// fakeProvider hands out temp-dir workspaces and scripts merge conflicts and
// acquire failures.
type fakeProvider struct {
	mu          sync.Mutex
	base        string
	acquired    int
	merged      []string
	discarded   []string
	conflicts   map[string]bool
	failAcquire map[string]bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	return &fakeProvider{
		base:        t.TempDir(),
		conflicts:   make(map[string]bool),
		failAcquire: make(map[string]bool),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Acquire(_ context.Context, _, phase string) (*workspace.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAcquire[phase] {
		return nil, fmt.Errorf("no workspace slot for %s", phase)
	}
	p.acquired++
	path := filepath.Join(p.base, fmt.Sprintf("ws-%d", p.acquired))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &workspace.Handle{ID: fmt.Sprintf("h%d", p.acquired), Path: path, Phase: phase}, nil
}

func (p *fakeProvider) Merge(_ context.Context, _ string, h *workspace.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conflicts[h.Phase] {
		return &failure.MergeConflictError{HandleID: h.ID, Phase: h.Phase}
	}
	p.merged = append(p.merged, h.Phase)
	return nil
}

func (p *fakeProvider) Discard(_ context.Context, h *workspace.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = append(p.discarded, h.Phase)
	return nil
}

func pairMilestone() milestone.Milestone {
	lint := evPhase("lint")
	lint.ParallelGroup = "static-checks"
	typecheck := evPhase("typecheck")
	typecheck.ParallelGroup = "static-checks"
	m := milestone.Milestone{Number: 1, Description: "increment"}
	m.Phases = append(m.Phases, evPhase("implement"), lint, typecheck, evPhase("unit-test"))
	return m
}

func TestWorkspaceParallelPair(t *testing.T) {
	inv := newFakeInvoker()
	inv.delay = 30 * time.Millisecond
	prov := newFakeProvider(t)

	cfg := testConfig(t)
	cfg.Parallel.WorkspaceScoped = true
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: newFakeValidator(nil), Store: store, Workspaces: prov})

	rep, err := exec.Run(context.Background(), "proj", []milestone.Milestone{pairMilestone()}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.Success() {
		t.Fatalf("run did not complete: %+v", rep)
	}

	if prov.acquired != 2 {
		t.Errorf("acquired %d workspaces, want 2", prov.acquired)
	}
	if len(prov.merged) != 2 {
		t.Errorf("merged %v, want both pair phases", prov.merged)
	}
	// Merge-back happens in declared order.
	if prov.merged[0] != "lint" || prov.merged[1] != "typecheck" {
		t.Errorf("merge order = %v, want [lint typecheck]", prov.merged)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	primary := cfg.Project.Path
	for _, req := range inv.requests {
		isPair := req.Phase == "lint" || req.Phase == "typecheck"
		if isPair && req.WorkDir == primary {
			t.Errorf("pair phase %s ran in the primary workspace", req.Phase)
		}
		if !isPair && req.WorkDir != primary {
			t.Errorf("sequential phase %s ran in %s, want primary", req.Phase, req.WorkDir)
		}
	}
	if inv.maxConcurrent != 2 {
		t.Errorf("max concurrent invocations = %d, want 2", inv.maxConcurrent)
	}
}

func TestMergeConflictFallsBackToSequential(t *testing.T) {
	inv := newFakeInvoker()
	prov := newFakeProvider(t)
	prov.conflicts["typecheck"] = true

	cfg := testConfig(t)
	cfg.Parallel.WorkspaceScoped = true
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: newFakeValidator(nil), Store: store, Workspaces: prov})

	rep, err := exec.Run(context.Background(), "proj", []milestone.Milestone{pairMilestone()}, false)
	if err != nil {
		t.Fatalf("Run failed despite fallback: %v", err)
	}
	if !rep.Success() {
		t.Fatalf("run did not complete: %+v", rep)
	}

	if len(prov.merged) != 1 || prov.merged[0] != "lint" {
		t.Errorf("merged = %v, want only lint", prov.merged)
	}
	if len(prov.discarded) != 1 || prov.discarded[0] != "typecheck" {
		t.Errorf("discarded = %v, want the conflicting typecheck handle", prov.discarded)
	}

	// Conflicting phase re-executes sequentially in the primary workspace.
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var dirs []string
	for _, req := range inv.requests {
		if req.Phase == "typecheck" {
			dirs = append(dirs, req.WorkDir)
		}
	}
	if len(dirs) != 2 {
		t.Fatalf("typecheck invoked %d times, want 2 (parallel + sequential rerun)", len(dirs))
	}
	if dirs[0] == cfg.Project.Path {
		t.Errorf("first typecheck attempt should run in an isolated workspace")
	}
	if dirs[1] != cfg.Project.Path {
		t.Errorf("fallback ran in %s, want the primary workspace", dirs[1])
	}
}

func TestPairFallbackRespectsRetryBound(t *testing.T) {
	// typecheck fails in its workspace; the sequential fallback continues the
	// in-place ladder instead of restarting it, and lint is not re-run.
	inv := newFakeInvoker()
	prov := newFakeProvider(t)
	val := newFakeValidator(func(phase string, _ int) error {
		if phase == "typecheck" {
			return commandFailure("typecheck")
		}
		return nil
	})

	cfg := testConfig(t)
	cfg.Parallel.WorkspaceScoped = true
	cfg.Retry.MaxStepBacks = 0
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: val, Store: store, Workspaces: prov})

	_, err := exec.Run(context.Background(), "proj", []milestone.Milestone{pairMilestone()}, false)
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v, want ErrAbandoned", err)
	}
	if got := inv.callsFor("lint"); got != 1 {
		t.Errorf("lint invoked %d times, want 1", got)
	}
	// The parallel attempt plus the in-place ladder of the fallback.
	if got := inv.callsFor("typecheck"); got != 1+cfg.Retry.MaxInPlace {
		t.Errorf("typecheck invoked %d times, want %d", got, 1+cfg.Retry.MaxInPlace)
	}
}

func TestAcquireFailureGetsFreshLadder(t *testing.T) {
	// No attempt runs when the workspace cannot be acquired, so the
	// sequential re-execution starts a fresh ladder: it still succeeds when
	// typecheck needs every in-place rung.
	inv := newFakeInvoker()
	prov := newFakeProvider(t)
	prov.failAcquire["typecheck"] = true
	val := newFakeValidator(func(phase string, call int) error {
		if phase == "typecheck" && call <= 2 {
			return commandFailure("typecheck")
		}
		return nil
	})

	cfg := testConfig(t)
	cfg.Parallel.WorkspaceScoped = true
	cfg.Retry.MaxStepBacks = 0
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: val, Store: store, Workspaces: prov})

	rep, err := exec.Run(context.Background(), "proj", []milestone.Milestone{pairMilestone()}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.Success() {
		t.Fatalf("run did not complete: %+v", rep)
	}

	if got := inv.callsFor("typecheck"); got != 1+cfg.Retry.MaxInPlace {
		t.Errorf("typecheck invoked %d times, want %d (full in-place ladder)", got, 1+cfg.Retry.MaxInPlace)
	}
	if len(prov.merged) != 1 || prov.merged[0] != "lint" {
		t.Errorf("merged = %v, want only lint", prov.merged)
	}

	// The re-execution happens in the primary workspace.
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, req := range inv.requests {
		if req.Phase == "typecheck" && req.WorkDir != cfg.Project.Path {
			t.Errorf("typecheck ran in %s, want the primary workspace", req.WorkDir)
		}
	}
}

func TestSerialProviderRunsPairSequentially(t *testing.T) {
	// singledir grants one handle at a time; asking it for a concurrent pair
	// would block forever on the second Acquire. The pair must run phase by
	// phase in the primary workspace instead.
	inv := newFakeInvoker()
	inv.delay = 20 * time.Millisecond
	prov := singledir.NewProvider()

	cfg := testConfig(t)
	cfg.Parallel.WorkspaceScoped = true
	store := &memStore{}
	exec := New(cfg, nil, Deps{Invoker: inv, Validator: newFakeValidator(nil), Store: store, Workspaces: prov})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := exec.Run(ctx, "proj", []milestone.Milestone{pairMilestone()}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.Success() {
		t.Fatalf("run did not complete: %+v", rep)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.maxConcurrent != 1 {
		t.Errorf("max concurrent invocations = %d, want 1", inv.maxConcurrent)
	}
	for _, req := range inv.requests {
		if req.WorkDir != cfg.Project.Path {
			t.Errorf("phase %s ran in %s, want the primary workspace", req.Phase, req.WorkDir)
		}
	}
}
