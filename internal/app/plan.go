package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/executor"
	"github.com/vk/rulegridgo/internal/scheduler"
)

// printPlan writes the jobs a run would execute, in dependency order, with
// their fully expanded commands. Nothing is executed and no logs are written.
func (a *App) printPlan(ctx context.Context, g *dag.Graph, exec *executor.Executor) error {
	if err := scheduler.New(a.config.MaxProcs, exec).Validate(g); err != nil {
		return err
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}

	jobs := 0
	for _, t := range order {
		j := t.Job
		if j == nil {
			continue
		}
		jobs++
		cmd, err := exec.Expand(ctx, j)
		if err != nil {
			return fmt.Errorf("cannot expand command for %s: %w", j.Output, err)
		}
		fmt.Fprintf(a.outW, "%s  %s  [%s, %s, procs=%d]\n", j.ID, j.Output, j.Rule.Name, t.Status, j.Procs())
		if len(j.Inputs) > 0 {
			fmt.Fprintf(a.outW, "    inputs:  %s\n", strings.Join(j.Inputs, " "))
		}
		for i, line := range strings.Split(strings.TrimRight(cmd, "\n"), "\n") {
			prefix := "    command: "
			if i > 0 {
				prefix = "             "
			}
			fmt.Fprintln(a.outW, prefix+line)
		}
	}
	fmt.Fprintf(a.outW, "%d job(s) to run, %d target(s) fresh\n", jobs, g.Len()-jobs)
	return nil
}
