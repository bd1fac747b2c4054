package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "pipeforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Project.Path, "PIPEFORGE_PROJECT_PATH")
	setString(&cfg.Project.PlanFile, "PIPEFORGE_PLAN_FILE")
	setString(&cfg.Project.CheckpointFile, "PIPEFORGE_CHECKPOINT_FILE")
	setString(&cfg.Project.EvidenceDir, "PIPEFORGE_EVIDENCE_DIR")

	setString(&cfg.Logging.Level, "PIPEFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PIPEFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PIPEFORGE_LOG_ASYNC")

	setString(&cfg.Agent.Backend, "PIPEFORGE_AGENT_BACKEND")
	setString(&cfg.Agent.Command, "PIPEFORGE_AGENT_COMMAND")
	setDuration(&cfg.Agent.PhaseTimeout, "PIPEFORGE_PHASE_TIMEOUT")
	setDuration(&cfg.Agent.SafetyCeiling, "PIPEFORGE_SAFETY_CEILING")
	setDuration(&cfg.Agent.MarkerInitialPoll, "PIPEFORGE_MARKER_INITIAL_POLL")
	setDuration(&cfg.Agent.MarkerMaxPoll, "PIPEFORGE_MARKER_MAX_POLL")
	setFloat64(&cfg.Agent.MarkerMultiplier, "PIPEFORGE_MARKER_MULTIPLIER")

	setInt(&cfg.Retry.MaxInPlace, "PIPEFORGE_MAX_IN_PLACE")
	setInt(&cfg.Retry.MaxStepBacks, "PIPEFORGE_MAX_STEP_BACKS")
	setBool(&cfg.Retry.Infinite, "PIPEFORGE_INFINITE")
	setInt(&cfg.Retry.StagnationThreshold, "PIPEFORGE_STAGNATION_THRESHOLD")

	setBool(&cfg.Parallel.FileScoped, "PIPEFORGE_PARALLEL_FILES")
	setBool(&cfg.Parallel.WorkspaceScoped, "PIPEFORGE_PARALLEL_WORKSPACES")
	setInt(&cfg.Parallel.FileWorkers, "PIPEFORGE_FILE_WORKERS")
	setInt(&cfg.Parallel.MaxRounds, "PIPEFORGE_MAX_ROUNDS")
	setInt(&cfg.Parallel.StagnationRounds, "PIPEFORGE_STAGNATION_ROUNDS")
	setString(&cfg.Parallel.WorkspaceProvider, "PIPEFORGE_WORKSPACE_PROVIDER")

	setInt(&cfg.Git.MaxConcurrent, "PIPEFORGE_GIT_MAX_CONCURRENT")

	setInt(&cfg.Breaker.MaxFailures, "PIPEFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PIPEFORGE_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.VerdictMaxSizeMB, "PIPEFORGE_CACHE_VERDICT_SIZE_MB")
	setDuration(&cfg.Cache.VerdictTTL, "PIPEFORGE_CACHE_VERDICT_TTL")

	setString(&cfg.Commands.Test, "PIPEFORGE_TEST_COMMAND")
	setString(&cfg.Commands.Lint, "PIPEFORGE_LINT_COMMAND")
	setString(&cfg.Commands.Typecheck, "PIPEFORGE_TYPECHECK_COMMAND")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Project.Path == "" {
		return errors.New("project.path is required")
	}
	if cfg.Project.CheckpointFile == "" {
		return errors.New("project.checkpoint_file is required")
	}
	if cfg.Agent.Command == "" {
		return errors.New("agent.command is required")
	}
	if cfg.Retry.MaxInPlace < 0 {
		return errors.New("retry.max_in_place must be >= 0")
	}
	if cfg.Retry.StagnationThreshold < 1 {
		return errors.New("retry.stagnation_threshold must be >= 1")
	}
	if cfg.Parallel.FileWorkers < 1 {
		return errors.New("parallel.file_workers must be >= 1")
	}
	if cfg.Parallel.MaxRounds < 1 {
		return errors.New("parallel.max_rounds must be >= 1")
	}
	switch cfg.Parallel.WorkspaceProvider {
	case "worktree", "singledir":
	default:
		return fmt.Errorf("parallel.workspace_provider %q is not supported", cfg.Parallel.WorkspaceProvider)
	}
	if cfg.Parallel.WorkspaceScoped && cfg.Parallel.WorkspaceProvider == "singledir" {
		return errors.New("parallel.workspace_scoped requires an isolating workspace provider")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Agent.MarkerMultiplier < 1 {
		return errors.New("agent.marker_multiplier must be >= 1")
	}
	if cfg.Agent.SafetyCeiling <= 0 {
		return errors.New("agent.safety_ceiling must be positive")
	}
	if cfg.Commands.Test == "" || cfg.Commands.Lint == "" || cfg.Commands.Typecheck == "" {
		return errors.New("commands.test, commands.lint and commands.typecheck are required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
