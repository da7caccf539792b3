package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vk/rulegridgo/internal/app"
	"github.com/vk/rulegridgo/internal/executor"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// flags holds the values bound to the persistent flags of the root command.
type flags struct {
	sets            []string
	targets         []string
	maxProcs        int
	logDir          string
	runID           string
	logFormat       string
	logLevel        string
	healthcheckPort int
	backend         string
	shell           string
	slurmArgs       []string
	killGrace       time.Duration
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly (help was shown),
// or an *ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	var cfg *app.Config
	root := newRootCommand(func(c *app.Config) { cfg = c })
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(output)
	root.SetErr(output)

	if err := root.Execute(); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			return nil, false, exitErr
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if cfg == nil {
		// Help, or the root command without a subcommand.
		return nil, true, nil
	}

	slog.Debug("CLI parser finished successfully.", "config", cfg)
	return cfg, false, nil
}

func newRootCommand(done func(*app.Config)) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "rulegridgo",
		Short: "Pattern-rule workflow engine",
		Long: `rulegridgo builds file targets from pattern rules, the way make does,
and runs the resulting jobs concurrently within a process budget.

Pipelines are .hcl or .yaml files; a directory loads every pipeline file in it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringArrayVarP(&f.sets, "set", "s", nil, "Set a variable, `name=value`. Overrides pipeline defaults. Repeatable.")
	pf.StringArrayVarP(&f.targets, "target", "t", nil, "Target to build. Replaces the pipeline's default targets. Repeatable.")
	pf.IntVarP(&f.maxProcs, "max-procs", "j", 0, "Process slots shared by running jobs. 0 uses the number of CPUs.")
	pf.StringVar(&f.logDir, "log-dir", "logs", "Directory for run logs and job output.")
	pf.StringVar(&f.runID, "run-id", "", "Name of this run's log directory. Generated when empty.")
	pf.StringVar(&f.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&f.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.IntVar(&f.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health, metrics and status server. 0 is disabled.")
	pf.StringVar(&f.backend, "backend", app.BackendLocal, "Job backend. Options: 'local' or 'slurm'.")
	pf.StringVar(&f.shell, "shell", "/bin/sh", "Shell used by the local backend.")
	pf.StringArrayVar(&f.slurmArgs, "slurm-arg", nil, "Extra argument passed to every sbatch submission. Repeatable.")
	pf.DurationVar(&f.killGrace, "kill-grace", executor.DefaultKillGrace, "Time between SIGTERM and SIGKILL when a run is cancelled.")

	newSub := func(use, short string, plan bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " PIPELINE... [-- TARGET...]",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				paths, targets := args, []string(nil)
				if at := cmd.ArgsLenAtDash(); at >= 0 {
					paths, targets = args[:at], args[at:]
				}
				cfg, err := f.config(paths, targets, plan)
				if err != nil {
					return err
				}
				done(cfg)
				return nil
			},
		}
	}
	root.AddCommand(
		newSub("run", "Build the requested targets", false),
		newSub("plan", "Print the jobs a run would execute without running them", true),
	)
	return root
}

// config validates the flag values and builds the application configuration.
// Targets after "--" are appended to the --target values.
func (f *flags) config(paths, targets []string, plan bool) (*app.Config, error) {
	logFormat := strings.ToLower(f.logFormat)
	if logFormat != "text" && logFormat != "json" {
		return nil, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(f.logLevel)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	if f.maxProcs < 0 {
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("invalid max-procs %d: must not be negative", f.maxProcs)}
	}
	if f.killGrace < 0 {
		return nil, &ExitError{Code: 2, Message: "invalid kill-grace: must not be negative"}
	}
	slog.Debug("CLI parameter validation complete.")

	cfg, err := app.NewConfig(app.Config{
		Paths:           paths,
		Targets:         append(append([]string(nil), f.targets...), targets...),
		Sets:            f.sets,
		Plan:            plan,
		MaxProcs:        f.maxProcs,
		LogDir:          f.logDir,
		RunID:           f.runID,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: f.healthcheckPort,
		Backend:         strings.ToLower(f.backend),
		Shell:           f.shell,
		SlurmArgs:       f.slurmArgs,
		KillGrace:       f.killGrace,
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, nil
}
