// Command pipeforge drives evidence-validated build pipelines: it loads a
// milestone plan, executes each milestone's phase sequence through the
// external agent, and checkpoints progress for resume.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	// Registered adapters.
	_ "github.com/Strob0t/PipeForge/internal/adapter/claudecli"
	_ "github.com/Strob0t/PipeForge/internal/adapter/singledir"
	_ "github.com/Strob0t/PipeForge/internal/adapter/worktree"

	"github.com/Strob0t/PipeForge/internal/adapter/filestore"
	"github.com/Strob0t/PipeForge/internal/adapter/otel"
	"github.com/Strob0t/PipeForge/internal/adapter/ristretto"
	"github.com/Strob0t/PipeForge/internal/config"
	"github.com/Strob0t/PipeForge/internal/domain/milestone"
	"github.com/Strob0t/PipeForge/internal/engine"
	"github.com/Strob0t/PipeForge/internal/evidence"
	"github.com/Strob0t/PipeForge/internal/git"
	"github.com/Strob0t/PipeForge/internal/logger"
	"github.com/Strob0t/PipeForge/internal/port/agent"
	"github.com/Strob0t/PipeForge/internal/port/statestore"
	"github.com/Strob0t/PipeForge/internal/port/workspace"
)

// Exit codes of the pipeforge CLI.
const (
	exitOK         = 0
	exitError      = 1
	exitAbandoned  = 2
	exitCorrupt    = 3
	exitEnvFailure = 4
)

type options struct {
	configPath         string
	milestoneNumber    int
	resume             bool
	parallelFiles      bool
	parallelWorkspaces bool
	infinite           bool
	verbose            bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &options{}
	code := exitOK

	root := &cobra.Command{
		Use:   "pipeforge [project-path]",
		Short: "Evidence-validated pipeline executor for agent-driven builds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath := ""
			if len(args) == 1 {
				projectPath = args[0]
			}
			code = execute(cmd.Context(), opts, projectPath)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigFile, "configuration file")
	root.Flags().IntVarP(&opts.milestoneNumber, "milestone", "m", 0, "run a single milestone (0 = all)")
	root.Flags().BoolVar(&opts.resume, "resume", false, "resume from the persisted checkpoint")
	root.Flags().BoolVar(&opts.parallelFiles, "parallel-files", false, "enable file-scoped remediation workers")
	root.Flags().BoolVar(&opts.parallelWorkspaces, "parallel-workspaces", false, "run whitelisted phase pairs in isolated workspaces")
	root.Flags().BoolVar(&opts.infinite, "infinite", false, "retry without step-back bound, stopping only on stagnation")
	root.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return code
}

func execute(ctx context.Context, opts *options, projectPath string) int {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitEnvFailure
	}
	applyFlags(cfg, opts, projectPath)

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	ctx = logger.WithRunID(ctx, uuid.NewString()[:8])

	shutdown := otel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdown(context.Background()) }()

	if _, err := os.Stat(cfg.Project.Path); err != nil {
		log.Error("project path not accessible", "path", cfg.Project.Path, "error", err)
		return exitEnvFailure
	}

	plan, err := milestone.LoadPlan(
		filepath.Join(cfg.Project.Path, cfg.Project.PlanFile),
		milestone.DefaultPhases(cfg.Commands.Test, cfg.Commands.Lint, cfg.Commands.Typecheck),
	)
	if err != nil {
		log.Error("plan load failed", "error", err)
		return exitEnvFailure
	}
	selected, err := plan.Select(opts.milestoneNumber)
	if err != nil {
		log.Error("milestone selection failed", "error", err)
		return exitEnvFailure
	}

	invoker, err := agent.New(cfg.Agent.Backend, cfg.Agent)
	if err != nil {
		log.Error("agent backend unavailable", "backend", cfg.Agent.Backend, "available", agent.Available(), "error", err)
		return exitEnvFailure
	}

	pool := git.NewPool(cfg.Git.MaxConcurrent)
	provider, err := workspace.New(cfg.Parallel.WorkspaceProvider, pool)
	if err != nil {
		log.Error("workspace provider unavailable", "provider", cfg.Parallel.WorkspaceProvider, "error", err)
		return exitEnvFailure
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		log.Error("metric setup failed", "error", err)
		return exitEnvFailure
	}

	var partitioner *evidence.Partitioner
	if verdictCache, err := ristretto.New(cfg.Cache.VerdictMaxSizeMB << 20); err == nil {
		defer verdictCache.Close()
		partitioner = evidence.NewPartitioner(verdictCache, cfg.Cache.VerdictTTL)
	} else {
		log.Warn("verdict cache disabled", "error", err)
		partitioner = evidence.NewPartitioner(nil, 0)
	}

	exec := engine.New(*cfg, log, engine.Deps{
		Invoker:     invoker,
		Validator:   evidence.NewValidator(evidence.ExecRunner{}, log),
		Store:       filestore.New(filepath.Join(cfg.Project.Path, cfg.Project.CheckpointFile)),
		Workspaces:  provider,
		Metrics:     metrics,
		Partitioner: partitioner,
	})

	report, err := exec.Run(ctx, plan.Project, selected, opts.resume)
	if report != nil {
		report.Log(log)
	}
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrAbandoned):
		log.Error("run ended with an abandoned milestone", "error", err)
		return exitAbandoned
	case errors.Is(err, statestore.ErrCorrupt):
		log.Error("checkpoint is corrupt; restart without --resume", "error", err)
		return exitCorrupt
	default:
		log.Error("run failed", "error", err)
		return exitError
	}
}

// applyFlags overlays CLI flags onto the loaded configuration. Flags win over
// file and environment values.
func applyFlags(cfg *config.Config, opts *options, projectPath string) {
	if projectPath != "" {
		cfg.Project.Path = projectPath
	}
	if opts.parallelFiles {
		cfg.Parallel.FileScoped = true
	}
	if opts.parallelWorkspaces {
		cfg.Parallel.WorkspaceScoped = true
	}
	if opts.infinite {
		cfg.Retry.Infinite = true
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
}
