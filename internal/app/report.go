package app

import (
	"fmt"
	"io"
	"time"

	"github.com/gookit/color"
	"github.com/vk/rulegridgo/internal/node"
	"github.com/vk/rulegridgo/internal/scheduler"
)

// printReport writes the human-readable run summary: one line per requested
// target followed by the root-cause failures with their logs.
func printReport(w io.Writer, r *scheduler.Report) {
	fmt.Fprintln(w)
	for _, t := range r.Requested {
		fmt.Fprintf(w, "%s %s\n", stateLabel(t.State), t.Path)
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.Danger.Sprint("Failed jobs:"))
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  - %s [%s]: %v\n", f.Target, f.Rule, f.Err)
			if f.Command != "" {
				fmt.Fprintf(w, "      command: %s\n", f.Command)
			}
			if f.Stderr != "" {
				fmt.Fprintf(w, "      stderr:  %s\n", f.Stderr)
			}
		}
	}

	summary := fmt.Sprintf("%d succeeded, %d failed, %d fresh in %s",
		r.Succeeded, r.Failed, r.Fresh, r.Elapsed.Round(time.Millisecond))
	if r.OK() {
		fmt.Fprintln(w, color.Success.Sprint(summary))
	} else {
		fmt.Fprintln(w, color.Danger.Sprint(summary))
	}
}

func stateLabel(s node.State) string {
	label := fmt.Sprintf("%-9s", s)
	switch s {
	case node.Succeeded:
		return color.Success.Sprint(label)
	case node.Fresh:
		return color.Info.Sprint(label)
	case node.Failed:
		return color.Danger.Sprint(label)
	default:
		return color.Warn.Sprint(label)
	}
}
