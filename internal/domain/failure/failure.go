// Package failure defines the enumerable failure taxonomy and the analyzer
// that turns a classified failure into a recovery decision. Classification is
// driven entirely by typed errors carried up from the invoker, validator, and
// workspace layers; raw tool output is recorded for diagnostics but never
// pattern-matched to decide a kind.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classified category of a phase failure.
type Kind string

const (
	KindInvocation        Kind = "agent_invocation"   // Process or stream failure spawning or reading the agent
	KindTimeout           Kind = "agent_timeout"      // Per-phase deadline expired with no completion
	KindEvidenceMissing   Kind = "evidence_missing"   // Required artifact absent or below minimum size
	KindValidationCommand Kind = "validation_command" // External validation tool reported errors
	KindMergeConflict     Kind = "merge_conflict"     // Workspace-parallel merge-back conflicted
	KindUnknown           Kind = "unknown"
)

// InvocationError reports a process or stream failure while running the agent.
type InvocationError struct {
	Stage string // "spawn", "stream", "wait", "empty-output"
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed at %s: %v", e.Stage, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError reports that a phase hit its hard deadline before the agent
// produced a completion signal.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("phase %s timed out: %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// EvidenceError reports a failed artifact requirement.
type EvidenceError struct {
	Artifact string
	Reason   string // "missing" or "too-small"
	Size     int
	MinBytes int
}

func (e *EvidenceError) Error() string {
	if e.Reason == "missing" {
		return fmt.Sprintf("required artifact %s is missing", e.Artifact)
	}
	return fmt.Sprintf("required artifact %s has %d bytes, need %d", e.Artifact, e.Size, e.MinBytes)
}

// CommandError reports a validation command that did not produce its declared
// success signal. Output carries the raw tool output for diagnostics.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Reason   string // "nonzero-exit", "failed-tests", "no-summary"
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("validation command %q failed (%s, exit %d)", e.Command, e.Reason, e.ExitCode)
}

// MergeConflictError reports a workspace handle whose merge-back conflicted
// with the primary workspace.
type MergeConflictError struct {
	HandleID string
	Phase    string
	Detail   string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict for phase %s (workspace %s)", e.Phase, e.HandleID)
}

// Classify maps an error to its failure Kind using the typed error chain.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var inv *InvocationError
	var to *TimeoutError
	var ev *EvidenceError
	var cmd *CommandError
	var mc *MergeConflictError

	switch {
	case errors.As(err, &to):
		return KindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &inv):
		return KindInvocation
	case errors.As(err, &ev):
		return KindEvidenceMissing
	case errors.As(err, &cmd):
		return KindValidationCommand
	case errors.As(err, &mc):
		return KindMergeConflict
	default:
		return KindUnknown
	}
}

// Record is the immutable analysis result for one failed phase attempt.
type Record struct {
	Phase          string `json:"phase"`
	Attempt        int    `json:"attempt"`
	Kind           Kind   `json:"kind"`
	StepBackTarget string `json:"step_back_target,omitempty"`
	Rationale      string `json:"rationale"`
	Detail         string `json:"detail,omitempty"`
}
