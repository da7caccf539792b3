package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Backends understood by the executor.
const (
	BackendLocal = "local"
	BackendSlurm = "slurm"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Paths are pipeline files or directories, loaded in order.
	Paths []string
	// Targets override the pipeline's default targets.
	Targets []string
	// Sets are explicit name=value assignments from the command line.
	Sets []string
	// Plan resolves the graph and prints it without running anything.
	Plan bool

	MaxProcs int
	LogDir   string
	// RunID names the run's log directory. Generated when empty.
	RunID string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	Backend   string
	Shell     string
	SlurmArgs []string
	KillGrace time.Duration
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one pipeline path is required")
	}
	for _, s := range cfg.Sets {
		if name, _, ok := strings.Cut(s, "="); !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid variable assignment %q: expected name=value", s)
		}
	}

	switch cfg.Backend {
	case "":
		cfg.Backend = BackendLocal
	case BackendLocal, BackendSlurm:
	default:
		return nil, fmt.Errorf("invalid backend %q: must be '%s' or '%s'", cfg.Backend, BackendLocal, BackendSlurm)
	}

	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = DefaultMaxProcs()
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

// DefaultMaxProcs returns the number of logical CPUs, or 1 if it cannot be
// determined.
func DefaultMaxProcs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// assignments splits the command-line sets into ordered name/value pairs.
func (c *Config) assignments() [][2]string {
	out := make([][2]string, 0, len(c.Sets))
	for _, s := range c.Sets {
		name, value, _ := strings.Cut(s, "=")
		out = append(out, [2]string{strings.TrimSpace(name), value})
	}
	return out
}
