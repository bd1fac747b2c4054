// Package singledir implements the workspace provider port without isolation:
// every handle is the primary workspace itself, and acquisition is serialized
// so only one phase holds it at a time. It exists for deployments where git
// worktrees are unavailable or parallelism is limited to one.
package singledir

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/PipeForge/internal/git"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

const providerName = "singledir"

// Provider hands out the primary workspace one holder at a time.
type Provider struct {
	slot chan struct{}
}

// NewProvider creates a single-directory provider.
func NewProvider() *Provider {
	p := &Provider{slot: make(chan struct{}, 1)}
	p.slot <- struct{}{}
	return p
}

// Name returns "singledir".
func (p *Provider) Name() string { return providerName }

// Serial reports that only one handle can be live at a time.
func (p *Provider) Serial() bool { return true }

// Acquire waits for the single slot and returns a handle aliasing the primary
// workspace. Returns ctx.Err() if the context is cancelled while waiting.
func (p *Provider) Acquire(ctx context.Context, primaryPath, phase string) (*workspace.Handle, error) {
	select {
	case <-p.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &workspace.Handle{
		ID:    uuid.NewString()[:8],
		Path:  primaryPath,
		Phase: phase,
	}, nil
}

// Merge releases the slot; changes are already in the primary workspace.
func (p *Provider) Merge(_ context.Context, primaryPath string, h *workspace.Handle) error {
	if h.Path != primaryPath {
		return fmt.Errorf("singledir: handle %s does not alias primary %s", h.ID, primaryPath)
	}
	p.release()
	return nil
}

// Discard releases the slot. Changes cannot be rolled back without isolation;
// the caller's step-back machinery handles recovery instead.
func (p *Provider) Discard(_ context.Context, _ *workspace.Handle) error {
	p.release()
	return nil
}

func (p *Provider) release() {
	select {
	case p.slot <- struct{}{}:
	default:
	}
}

func init() {
	workspace.Register(providerName, func(_ *git.Pool) (workspace.Provider, error) {
		return NewProvider(), nil
	})
}
