// Package worktree implements the workspace provider port with git worktrees.
// Each handle is a detached worktree on its own branch; merge-back is a real
// git merge into the primary workspace, so conflicts surface exactly where
// git would surface them.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/git"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

const providerName = "worktree"

// Provider creates isolated git worktrees for parallel phase execution.
type Provider struct {
	pool *git.Pool
}

// NewProvider creates a Provider sharing the given git pool.
func NewProvider(pool *git.Pool) *Provider {
	return &Provider{pool: pool}
}

// Name returns "worktree".
func (p *Provider) Name() string { return providerName }

// Acquire adds a worktree on a fresh branch rooted at the primary HEAD.
func (p *Provider) Acquire(ctx context.Context, primaryPath, phase string) (*workspace.Handle, error) {
	id := uuid.NewString()[:8]
	branch := fmt.Sprintf("pipeforge/%s-%s", phase, id)
	path := filepath.Join(os.TempDir(), "pipeforge-ws-"+id)

	if _, err := p.pool.Exec(ctx, primaryPath, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, fmt.Errorf("acquire workspace for %s: %w", phase, err)
	}

	return &workspace.Handle{
		ID:     id,
		Path:   path,
		Branch: branch,
		Phase:  phase,
	}, nil
}

// Merge commits everything in the handle and merges its branch into the
// primary workspace. On conflict the merge is aborted, the primary is left
// unchanged, and a *failure.MergeConflictError is returned; the handle stays
// alive so the caller can inspect it before discarding.
func (p *Provider) Merge(ctx context.Context, primaryPath string, h *workspace.Handle) error {
	if _, err := p.pool.Exec(ctx, h.Path, "add", "-A"); err != nil {
		return fmt.Errorf("stage workspace %s: %w", h.ID, err)
	}
	msg := fmt.Sprintf("pipeforge: %s (%s)", h.Phase, h.ID)
	if _, err := p.pool.Exec(ctx, h.Path, "commit", "--allow-empty", "-m", msg); err != nil {
		return fmt.Errorf("commit workspace %s: %w", h.ID, err)
	}

	if out, err := p.pool.Exec(ctx, primaryPath, "merge", "--no-ff", "-m", "merge "+h.Branch, h.Branch); err != nil {
		// Leave the primary exactly as it was.
		_, _ = p.pool.Exec(ctx, primaryPath, "merge", "--abort")
		return &failure.MergeConflictError{
			HandleID: h.ID,
			Phase:    h.Phase,
			Detail:   strings.TrimSpace(out) + ": " + err.Error(),
		}
	}

	return p.Discard(ctx, h)
}

// Discard removes the worktree and deletes its branch.
func (p *Provider) Discard(ctx context.Context, h *workspace.Handle) error {
	primary, err := p.primaryOf(ctx, h)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, primary, "worktree", "remove", "--force", h.Path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", h.ID, err)
	}
	if _, err := p.pool.Exec(ctx, primary, "branch", "-D", h.Branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", h.Branch, err)
	}
	return nil
}

// primaryOf resolves the main repository directory backing a worktree handle.
func (p *Provider) primaryOf(ctx context.Context, h *workspace.Handle) (string, error) {
	out, err := p.pool.Exec(ctx, h.Path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("resolve primary of %s: %w", h.ID, err)
	}
	return filepath.Dir(strings.TrimSpace(out)), nil
}
