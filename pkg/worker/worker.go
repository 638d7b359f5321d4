package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// Worker polls a driver for due alarms and wakes the corresponding
// workflow handles. One worker can serve any number of instances; multiple
// workers can safely poll the same driver because DueAlarms clears the
// alarms it returns.
type Worker struct {
	driver   api.Driver
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]api.Handle

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides the driver's suggested poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithLogger sets the logger for alarm handling problems.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a Worker polling the given driver.
func New(driver api.Driver, opts ...Option) *Worker {
	w := &Worker{
		driver:   driver,
		interval: driver.WorkerPollInterval(),
		logger:   slog.Default(),
		handles:  make(map[string]api.Handle),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register makes the worker responsible for waking h. Registering a handle
// with the same workflow ID again replaces the previous one.
func (w *Worker) Register(h api.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles[h.WorkflowID()] = h
}

// Unregister removes the handle for the given workflow ID.
func (w *Worker) Unregister(workflowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handles, workflowID)
}

// PollOnce checks for due alarms and wakes their handles synchronously.
// It returns the number of handles woken. Alarms for unregistered
// workflows are dropped with a warning; the registration is expected to
// happen before the workflow can schedule an alarm.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	due, err := w.driver.DueAlarms(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	woken := 0
	for _, id := range due {
		w.mu.Lock()
		h, ok := w.handles[id]
		w.mu.Unlock()
		if !ok {
			w.logger.Warn("alarm fired for unregistered workflow", "workflow_id", id)
			continue
		}
		if _, err := h.Wake(ctx); err != nil {
			w.logger.Error("wake failed", "workflow_id", id, "error", err)
			continue
		}
		woken++
	}
	return woken, nil
}

// Start runs the poll loop in a new goroutine until Stop is called or ctx
// is cancelled. Wakes happen in their own goroutines so one slow workflow
// does not delay the others.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			due, err := w.driver.DueAlarms(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("alarm poll failed", "error", err)
				continue
			}
			for _, id := range due {
				w.mu.Lock()
				h, ok := w.handles[id]
				w.mu.Unlock()
				if !ok {
					w.logger.Warn("alarm fired for unregistered workflow", "workflow_id", id)
					continue
				}
				go func(h api.Handle, id string) {
					if _, err := h.Wake(ctx); err != nil {
						w.logger.Error("wake failed", "workflow_id", id, "error", err)
					}
				}(h, id)
			}
		}
	}()
}

// Stop terminates the poll loop and waits for it to exit. In-flight wakes
// are not interrupted.
func (w *Worker) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stop) })
	if started {
		<-w.done
	}
}
