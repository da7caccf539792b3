package scheduler

import (
	"context"

	"github.com/vk/rulegridgo/internal/node"
)

// Executor runs a single job to completion.
//
// Execute must block until the job's process has exited. It must return a
// non-nil error when the process failed, was killed, or did not produce the
// job's output; the returned Result may be non-nil in either case so that
// log locations can be reported.
//
// Execute is called concurrently from multiple goroutines, one per running
// job, and must honour ctx cancellation by terminating the job.
type Executor interface {
	Execute(ctx context.Context, job *node.Job) (*node.Result, error)
}
