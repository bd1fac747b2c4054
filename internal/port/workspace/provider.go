// Package workspace defines the workspace provider port: isolated copies of
// the working tree used for parallel phase execution, merged back only after
// the owning phase validates.
package workspace

import "context"

// Handle identifies one isolated workspace. It is owned exclusively by the
// worker that acquired it until Merge or Discard.
type Handle struct {
	ID     string // Unique handle identifier
	Path   string // Directory the owning phase executes in
	Branch string // VCS branch backing the handle, if any
	Phase  string // Owning phase name
}

// Provider is the port interface for workspace isolation. A simple
// single-directory implementation serves low-parallelism deployments; a
// clone-based implementation serves heavier parallel use.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "worktree").
	Name() string

	// Acquire creates an isolated workspace for the given phase, based on the
	// primary workspace at primaryPath.
	Acquire(ctx context.Context, primaryPath, phase string) (*Handle, error)

	// Merge folds the handle's changes into the primary workspace and
	// destroys the handle. A conflicting merge returns a
	// *failure.MergeConflictError and leaves the primary workspace unchanged.
	Merge(ctx context.Context, primaryPath string, h *Handle) error

	// Discard destroys the handle without merging.
	Discard(ctx context.Context, h *Handle) error
}

// SerialProvider is implemented by providers that can hold at most one live
// handle at a time. Callers must not acquire a second handle before releasing
// the first; the coordinator runs phases sequentially on such providers.
type SerialProvider interface {
	Serial() bool
}
