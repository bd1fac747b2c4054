package worktree

import (
	"github.com/Strob0t/PipeForge/internal/git"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

func init() {
	workspace.Register(providerName, func(pool *git.Pool) (workspace.Provider, error) {
		return NewProvider(pool), nil
	})
}
