// Package evidence implements the validation gate between phases. A phase
// advances only when every declared evidence requirement checks out against
// the filesystem and external validation commands; agent self-reports are
// never consulted. Verdicts are deterministic: the same workspace state and
// command output always produce the same verdict.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
)

// CommandRunner executes one validation command in a workspace directory.
// The error is reserved for spawn problems; a command that runs and exits
// nonzero is reported through exitCode, not err.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (output string, exitCode int, err error)
}

// ExecRunner runs validation commands through the shell.
type ExecRunner struct{}

// Run executes command under sh -c in dir and captures combined output.
func (ExecRunner) Run(ctx context.Context, dir, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, fmt.Errorf("running %q: %w", command, err)
	}
	return string(out), 0, nil
}

// Validator checks a phase's evidence requirements against a workspace.
type Validator struct {
	runner CommandRunner
	log    *slog.Logger
}

// NewValidator creates a validator using the given command runner.
func NewValidator(runner CommandRunner, log *slog.Logger) *Validator {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Validator{runner: runner, log: log}
}

// Validate checks every requirement of phase in order and returns the first
// failure as a typed error (*failure.EvidenceError for artifacts,
// *failure.CommandError for commands). A nil return means the phase passed
// its gate.
func (v *Validator) Validate(ctx context.Context, workDir string, phase *milestone.Phase) error {
	for i := range phase.Evidence {
		req := &phase.Evidence[i]
		var err error
		switch req.Kind {
		case milestone.RequirementArtifact:
			err = v.checkArtifact(workDir, req)
		case milestone.RequirementCommand:
			err = v.checkCommand(ctx, workDir, req)
		default:
			err = fmt.Errorf("requirement %d of phase %s: %w", i, phase.Name, milestone.ErrInvalidRequirement)
		}
		if err != nil {
			if v.log != nil {
				v.log.Warn("evidence check failed",
					slog.String("phase", phase.Name),
					slog.Int("requirement", i),
					slog.String("error", err.Error()))
			}
			return err
		}
	}
	return nil
}

func (v *Validator) checkArtifact(workDir string, req *milestone.EvidenceRequirement) error {
	path := filepath.Join(workDir, req.Artifact)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return &failure.EvidenceError{Artifact: req.Artifact, Reason: "missing", MinBytes: req.MinBytes}
	}
	if err != nil {
		// Permission or I/O trouble is an environment fault, not an evidence
		// verdict on the agent's work.
		return fmt.Errorf("stat artifact %s: %w", req.Artifact, err)
	}
	if info.Size() < int64(req.MinBytes) {
		return &failure.EvidenceError{
			Artifact: req.Artifact,
			Reason:   "too-small",
			Size:     int(info.Size()),
			MinBytes: req.MinBytes,
		}
	}
	return nil
}

func (v *Validator) checkCommand(ctx context.Context, workDir string, req *milestone.EvidenceRequirement) error {
	out, code, err := v.runner.Run(ctx, workDir, req.Command)
	if err != nil {
		return err
	}
	if code != 0 {
		return &failure.CommandError{Command: req.Command, ExitCode: code, Output: out, Reason: "nonzero-exit"}
	}

	if req.Signal == milestone.SignalTestSummary {
		passed, failed, ok := parseTestSummary(out)
		if !ok {
			return &failure.CommandError{Command: req.Command, Output: out, Reason: "no-summary"}
		}
		if failed > 0 || passed == 0 {
			return &failure.CommandError{Command: req.Command, Output: out, Reason: "failed-tests"}
		}
	}
	return nil
}

var testSummaryRE = regexp.MustCompile(`(\d+) passed, (\d+) failed`)

// parseTestSummary extracts the last "N passed, M failed" summary from
// command output. The last match wins so wrapper tools that echo earlier
// summaries do not shadow the final count.
func parseTestSummary(output string) (passed, failed int, ok bool) {
	matches := testSummaryRE.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, 0, false
	}
	last := matches[len(matches)-1]
	passed, err1 := strconv.Atoi(last[1])
	failed, err2 := strconv.Atoi(last[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return passed, failed, true
}
