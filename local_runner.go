package loom

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/loom/pkg/worker"
)

// LocalRunner bundles an in-memory Driver and a Worker to provide a simple
// single-process runner for development, tests and small deployments.
//
// Typical usage:
//
//	runner := loom.NewLocalRunner()
//	defer runner.Stop()
//	_ = runner.Start(ctx)
//
//	h, err := runner.Run(ctx, "order-7", orderWorkflow, input, loom.Options{})
//	res, err := h.Result(ctx)
//
// Suspended workflows are woken automatically when their alarms fire.
type LocalRunner struct {
	// Driver is the in-memory persistence backend used by this runner.
	Driver Driver

	// Worker polls Driver for due alarms and wakes registered handles.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by a memory driver and a
// worker with default settings.
func NewLocalRunner() *LocalRunner {
	d := NewMemoryDriver()
	return &LocalRunner{
		Driver: d,
		Worker: worker.New(d),
	}
}

// Start begins the alarm poll loop. It returns an error if the runner is
// already started.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("loom: LocalRunner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.Worker.Start(ctx)
	return nil
}

// Run starts (or resumes) the workflow and registers its handle with the
// worker so alarms wake it.
func (r *LocalRunner) Run(ctx context.Context, workflowID string, fn WorkflowFunc, input any, opts Options) (Handle, error) {
	h, err := RunWorkflow(ctx, r.Driver, workflowID, fn, input, opts)
	if err != nil {
		return nil, err
	}
	r.Worker.Register(h)
	return h, nil
}

// Stop terminates the poll loop. Workflow state survives in the Driver for
// as long as the runner itself does.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	r.Worker.Stop()
	r.running = false
}
