package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// fakeRunner returns canned output per command.
type fakeRunner struct {
	output map[string]string
	code   map[string]int
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, _, command string) (string, int, error) {
	f.calls++
	return f.output[command], f.code[command], nil
}

func artifactPhase(name, artifact string, minBytes int) *milestone.Phase {
	return &milestone.Phase{
		Name: name,
		Evidence: []milestone.EvidenceRequirement{
			{Kind: milestone.RequirementArtifact, Artifact: artifact, MinBytes: minBytes},
		},
	}
}

func TestValidateArtifactMissing(t *testing.T) {
	v := NewValidator(&fakeRunner{}, nil)
	err := v.Validate(context.Background(), t.TempDir(), artifactPhase("plan", "PLAN.md", 10))
	var ev *failure.EvidenceError
	if !errors.As(err, &ev) {
		t.Fatalf("error type = %T, want *failure.EvidenceError", err)
	}
	if ev.Reason != "missing" || ev.Artifact != "PLAN.md" {
		t.Errorf("got %+v, want missing PLAN.md", ev)
	}
}

func TestValidateArtifactTooSmall(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "PLAN.md"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(&fakeRunner{}, nil)
	err := v.Validate(context.Background(), dir, artifactPhase("plan", "PLAN.md", 50))
	var ev *failure.EvidenceError
	if !errors.As(err, &ev) {
		t.Fatalf("error type = %T, want *failure.EvidenceError", err)
	}
	if ev.Reason != "too-small" {
		t.Errorf("reason = %q, want too-small", ev.Reason)
	}
	if ev.Size != 10 || ev.MinBytes != 50 {
		t.Errorf("size = %d min = %d, want 10 and 50", ev.Size, ev.MinBytes)
	}
}

func TestValidateArtifactStatErrorIsNotMissing(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind root")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	if err := os.Mkdir(locked, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(locked, "PLAN.md"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	v := NewValidator(&fakeRunner{}, nil)
	err := v.Validate(context.Background(), dir, artifactPhase("plan", "locked/PLAN.md", 10))
	if err == nil {
		t.Fatal("expected an error for an unreadable artifact path")
	}
	// A permission failure is an environment fault, not an evidence verdict;
	// reporting it as missing evidence would misdirect the retry ladder.
	var ev *failure.EvidenceError
	if errors.As(err, &ev) {
		t.Fatalf("got evidence verdict %+v, want a plain stat error", ev)
	}
}

func TestValidateArtifactPasses(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "PLAN.md"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	v := NewValidator(&fakeRunner{}, nil)
	if err := v.Validate(context.Background(), dir, artifactPhase("plan", "PLAN.md", 50)); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateCommandExitZero(t *testing.T) {
	runner := &fakeRunner{
		output: map[string]string{"make lint": "clean"},
		code:   map[string]int{"make lint": 0},
	}
	phase := &milestone.Phase{
		Name: "lint",
		Evidence: []milestone.EvidenceRequirement{
			{Kind: milestone.RequirementCommand, Command: "make lint", Signal: milestone.SignalExitZero},
		},
	}
	v := NewValidator(runner, nil)
	if err := v.Validate(context.Background(), t.TempDir(), phase); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateCommandNonzeroExit(t *testing.T) {
	runner := &fakeRunner{
		output: map[string]string{"make lint": "pkg/a.go:3:1: unused variable"},
		code:   map[string]int{"make lint": 1},
	}
	phase := &milestone.Phase{
		Name: "lint",
		Evidence: []milestone.EvidenceRequirement{
			{Kind: milestone.RequirementCommand, Command: "make lint", Signal: milestone.SignalExitZero},
		},
	}
	v := NewValidator(runner, nil)
	err := v.Validate(context.Background(), t.TempDir(), phase)
	var ce *failure.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *failure.CommandError", err)
	}
	if ce.Reason != "nonzero-exit" || ce.ExitCode != 1 {
		t.Errorf("got %+v, want nonzero-exit with code 1", ce)
	}
	if ce.Output == "" {
		t.Error("raw output not preserved on the error")
	}
}

func TestValidateTestSummarySignal(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		code       int
		wantReason string // empty means the check passes
	}{
		{name: "all pass", output: "ok\n12 passed, 0 failed\n", code: 0},
		{name: "last summary wins", output: "5 passed, 0 failed\n12 passed, 0 failed\n", code: 0},
		{name: "failures", output: "3 passed, 2 failed\n", code: 0, wantReason: "failed-tests"},
		{name: "zero passed", output: "0 passed, 0 failed\n", code: 0, wantReason: "failed-tests"},
		{name: "no summary", output: "tests ran fine\n", code: 0, wantReason: "no-summary"},
		{name: "nonzero exit wins over summary", output: "12 passed, 0 failed\n", code: 2, wantReason: "nonzero-exit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{
				output: map[string]string{"make test": tt.output},
				code:   map[string]int{"make test": tt.code},
			}
			phase := &milestone.Phase{
				Name: "unit-test",
				Evidence: []milestone.EvidenceRequirement{
					{Kind: milestone.RequirementCommand, Command: "make test", Signal: milestone.SignalTestSummary},
				},
			}
			err := NewValidator(runner, nil).Validate(context.Background(), t.TempDir(), phase)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			var ce *failure.CommandError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *failure.CommandError", err)
			}
			if ce.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", ce.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidateDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}
	phase := artifactPhase("plan", "out.txt", 50)
	v := NewValidator(&fakeRunner{}, nil)

	first := v.Validate(context.Background(), dir, phase)
	for i := 0; i < 5; i++ {
		again := v.Validate(context.Background(), dir, phase)
		if (first == nil) != (again == nil) || (first != nil && first.Error() != again.Error()) {
			t.Fatalf("verdict changed between runs: %v vs %v", first, again)
		}
	}
}

func TestValidateStopsAtFirstFailure(t *testing.T) {
	runner := &fakeRunner{}
	phase := &milestone.Phase{
		Name: "validate-structure",
		Evidence: []milestone.EvidenceRequirement{
			{Kind: milestone.RequirementArtifact, Artifact: "absent.md"},
			{Kind: milestone.RequirementCommand, Command: "make check"},
		},
	}
	err := NewValidator(runner, nil).Validate(context.Background(), t.TempDir(), phase)
	if err == nil {
		t.Fatal("expected artifact failure")
	}
	if runner.calls != 0 {
		t.Errorf("command ran %d times after artifact failure, want 0", runner.calls)
	}
}

func TestExecRunner(t *testing.T) {
	runner := ExecRunner{}
	out, code, err := runner.Run(context.Background(), t.TempDir(), "echo hello && exit 3")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if out != "hello\n" {
		t.Errorf("output = %q, want hello", out)
	}
}

func TestParseTestSummary(t *testing.T) {
	passed, failed, ok := parseTestSummary("=== 42 passed, 1 failed ===")
	if !ok || passed != 42 || failed != 1 {
		t.Fatalf("got %d/%d/%v, want 42/1/true", passed, failed, ok)
	}
	if _, _, ok := parseTestSummary("no numbers here"); ok {
		t.Fatal("matched summary in noise")
	}
}
