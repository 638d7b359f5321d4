package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once per engine invocation, before any
	// primitive runs.
	OnWorkflowStart(ctx context.Context, workflowID string)

	// OnWorkflowSuspend is called when an invocation yields with a
	// sleep deadline or pending message wait.
	OnWorkflowSuspend(ctx context.Context, workflowID string, res *WorkflowResult)

	// OnWorkflowCompleted is called when the instance reaches
	// StateCompleted.
	OnWorkflowCompleted(ctx context.Context, workflowID string)

	// OnWorkflowFailed is called when the instance transitions to
	// StateFailed, after any rollback walk has finished.
	OnWorkflowFailed(ctx context.Context, workflowID string, err *WorkflowError)

	// OnWorkflowCancelled is called when the instance is cancelled.
	OnWorkflowCancelled(ctx context.Context, workflowID string)

	// OnStepStart is called before a step body runs. attempt is 1-based.
	OnStepStart(ctx context.Context, workflowID, location string, attempt int)

	// OnStepCompleted is called after a step body returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, workflowID, location string, attempt int, err error, duration time.Duration)

	// OnSleepScheduled is called when a sleep entry registers an alarm.
	OnSleepScheduled(ctx context.Context, workflowID, location string, until time.Time)

	// OnMessageConsumed is called when a listen consumes a message.
	OnMessageConsumed(ctx context.Context, workflowID, name string)

	// OnRollbackStep is called after each rollback handler runs.
	OnRollbackStep(ctx context.Context, workflowID, location string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, id string)                        {}
func (NoopObserver) OnWorkflowSuspend(ctx context.Context, id string, res *WorkflowResult) {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, id string)                    {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, id string, err *WorkflowError)   {}
func (NoopObserver) OnWorkflowCancelled(ctx context.Context, id string)                    {}
func (NoopObserver) OnStepStart(ctx context.Context, id, location string, attempt int)     {}
func (NoopObserver) OnStepCompleted(ctx context.Context, id, location string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnSleepScheduled(ctx context.Context, id, location string, until time.Time) {}
func (NoopObserver) OnMessageConsumed(ctx context.Context, id, name string)                     {}
func (NoopObserver) OnRollbackStep(ctx context.Context, id, location string, err error)         {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, id string) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, id)
	}
}

func (c *CompositeObserver) OnWorkflowSuspend(ctx context.Context, id string, res *WorkflowResult) {
	for _, o := range c.observers {
		o.OnWorkflowSuspend(ctx, id, res)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, id string) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, id)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, id string, err *WorkflowError) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, id, err)
	}
}

func (c *CompositeObserver) OnWorkflowCancelled(ctx context.Context, id string) {
	for _, o := range c.observers {
		o.OnWorkflowCancelled(ctx, id)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, id, location string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, id, location, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, id, location string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, id, location, attempt, err, d)
	}
}

func (c *CompositeObserver) OnSleepScheduled(ctx context.Context, id, location string, until time.Time) {
	for _, o := range c.observers {
		o.OnSleepScheduled(ctx, id, location, until)
	}
}

func (c *CompositeObserver) OnMessageConsumed(ctx context.Context, id, name string) {
	for _, o := range c.observers {
		o.OnMessageConsumed(ctx, id, name)
	}
}

func (c *CompositeObserver) OnRollbackStep(ctx context.Context, id, location string, err error) {
	for _, o := range c.observers {
		o.OnRollbackStep(ctx, id, location, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, id string) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", id),
	)
}

func (o *LoggingObserver) OnWorkflowSuspend(ctx context.Context, id string, res *WorkflowResult) {
	attrs := []any{
		slog.String("workflow_id", id),
		slog.String("state", string(res.State)),
	}
	if !res.SleepUntil.IsZero() {
		attrs = append(attrs, slog.Time("sleep_until", res.SleepUntil))
	}
	if len(res.WaitingForMessages) > 0 {
		attrs = append(attrs, slog.Any("waiting_for", res.WaitingForMessages))
	}
	o.Logger.InfoContext(ctx, "workflow_suspend", attrs...)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, id string) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", id),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, id string, err *WorkflowError) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", id),
		slog.String("error_name", err.Name),
		slog.String("error", err.Message),
	)
}

func (o *LoggingObserver) OnWorkflowCancelled(ctx context.Context, id string) {
	o.Logger.InfoContext(ctx, "workflow_cancelled",
		slog.String("workflow_id", id),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, id, location string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", id),
		slog.String("location", location),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, id, location string, attempt int, err error, d time.Duration) {
	if err != nil {
		o.Logger.WarnContext(ctx, "step_failed",
			slog.String("workflow_id", id),
			slog.String("location", location),
			slog.Int("attempt", attempt),
			slog.Duration("duration", d),
			slog.String("error", err.Error()),
		)
		return
	}
	o.Logger.DebugContext(ctx, "step_completed",
		slog.String("workflow_id", id),
		slog.String("location", location),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnSleepScheduled(ctx context.Context, id, location string, until time.Time) {
	o.Logger.DebugContext(ctx, "sleep_scheduled",
		slog.String("workflow_id", id),
		slog.String("location", location),
		slog.Time("until", until),
	)
}

func (o *LoggingObserver) OnMessageConsumed(ctx context.Context, id, name string) {
	o.Logger.DebugContext(ctx, "message_consumed",
		slog.String("workflow_id", id),
		slog.String("message", name),
	)
}

func (o *LoggingObserver) OnRollbackStep(ctx context.Context, id, location string, err error) {
	if err != nil {
		o.Logger.WarnContext(ctx, "rollback_step_failed",
			slog.String("workflow_id", id),
			slog.String("location", location),
			slog.String("error", err.Error()),
		)
		return
	}
	o.Logger.InfoContext(ctx, "rollback_step",
		slog.String("workflow_id", id),
		slog.String("location", location),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, id string) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, id string) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, id string, err *WorkflowError) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, id, location string, attempt int, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
	}
}
