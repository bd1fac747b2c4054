// Package config provides hierarchical configuration loading for PipeForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the PipeForge pipeline engine.
// It is built once at startup and passed explicitly to constructors; no
// package in this module reads configuration from process-wide state.
type Config struct {
	Project  Project  `yaml:"project"`
	Logging  Logging  `yaml:"logging"`
	Agent    Agent    `yaml:"agent"`
	Retry    Retry    `yaml:"retry"`
	Parallel Parallel `yaml:"parallel"`
	Git      Git      `yaml:"git"`
	Breaker  Breaker  `yaml:"breaker"`
	Cache    Cache    `yaml:"cache"`
	Commands Commands `yaml:"commands"`
}

// Commands holds the external validation commands the preset phases run.
type Commands struct {
	Test      string `yaml:"test"`
	Lint      string `yaml:"lint"`
	Typecheck string `yaml:"typecheck"`
}

// Project holds paths for the project under construction.
type Project struct {
	Path           string `yaml:"path"`            // Root of the project being built
	PlanFile       string `yaml:"plan_file"`       // Milestone plan YAML (decomposer output)
	CheckpointFile string `yaml:"checkpoint_file"` // Checkpoint path relative to Path
	EvidenceDir    string `yaml:"evidence_dir"`    // Evidence root relative to Path
}

// Agent holds external agent invocation configuration.
type Agent struct {
	Backend           string        `yaml:"backend"`             // Registered invoker name (default: "claude-cli")
	Command           string        `yaml:"command"`             // Agent binary (default: "claude")
	ExtraArgs         []string      `yaml:"extra_args"`          // Additional CLI arguments
	PhaseTimeout      time.Duration `yaml:"phase_timeout"`       // Hard per-phase timeout (default: 600s)
	SafetyCeiling     time.Duration `yaml:"safety_ceiling"`      // Absolute ceiling, applies even in infinite mode
	MarkerInitialPoll time.Duration `yaml:"marker_initial_poll"` // Completion-marker poll start interval
	MarkerMaxPoll     time.Duration `yaml:"marker_max_poll"`     // Completion-marker poll cap
	MarkerMultiplier  float64       `yaml:"marker_multiplier"`   // Poll interval growth factor
}

// Retry holds the retry/step-back policy configuration.
type Retry struct {
	MaxInPlace          int  `yaml:"max_in_place"`         // Level 1 + Level 2 retries per phase (default: 2)
	MaxStepBacks        int  `yaml:"max_step_backs"`       // Step-backs per milestone (default: 3)
	Infinite            bool `yaml:"infinite"`             // Unbounded step-backs; stagnation cutoff still applies
	StagnationThreshold int  `yaml:"stagnation_threshold"` // Consecutive identical failures before halting (default: 3)
}

// Parallel holds concurrency coordinator configuration.
// FileScoped and WorkspaceScoped are independently switchable.
type Parallel struct {
	FileScoped        bool   `yaml:"file_scoped"`        // Enable file-scoped remediation pool
	WorkspaceScoped   bool   `yaml:"workspace_scoped"`   // Enable workspace-isolated phase pairs
	FileWorkers       int    `yaml:"file_workers"`       // Remediation worker pool size (default: 4)
	MaxRounds         int    `yaml:"max_rounds"`         // Remediation round cap (default: 10)
	StagnationRounds  int    `yaml:"stagnation_rounds"`  // Unchanged rounds before aborting (default: 3)
	WorkspaceProvider string `yaml:"workspace_provider"` // "worktree" or "singledir"
}

// Git holds git CLI pool configuration.
type Git struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Breaker holds circuit breaker configuration for agent invocations.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds evidence verdict cache configuration.
type Cache struct {
	VerdictMaxSizeMB int64         `yaml:"verdict_max_size_mb"`
	VerdictTTL       time.Duration `yaml:"verdict_ttl"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Project: Project{
			Path:           ".",
			PlanFile:       "milestones.yaml",
			CheckpointFile: ".pipeforge/checkpoint.json",
			EvidenceDir:    ".pipeforge/evidence",
		},
		Logging: Logging{
			Level:   "info",
			Service: "pipeforge",
		},
		Agent: Agent{
			Backend:           "claude-cli",
			Command:           "claude",
			PhaseTimeout:      600 * time.Second,
			SafetyCeiling:     4 * time.Hour,
			MarkerInitialPoll: 5 * time.Second,
			MarkerMaxPoll:     30 * time.Second,
			MarkerMultiplier:  1.5,
		},
		Retry: Retry{
			MaxInPlace:          2,
			MaxStepBacks:        3,
			StagnationThreshold: 3,
		},
		Parallel: Parallel{
			FileWorkers:       4,
			MaxRounds:         10,
			StagnationRounds:  3,
			WorkspaceProvider: "worktree",
		},
		Git: Git{
			MaxConcurrent: 4,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			VerdictMaxSizeMB: 32,
			VerdictTTL:       time.Hour,
		},
		Commands: Commands{
			Test:      "go test ./...",
			Lint:      "golangci-lint run",
			Typecheck: "go vet ./...",
		},
	}
}
