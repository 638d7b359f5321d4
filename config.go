package loom

import "time"

// StepBuilder provides a fluent way to construct StepConfig values for
// WorkflowContext.Step.
type StepBuilder struct {
	cfg StepConfig
}

// Retry creates a StepBuilder with the given number of retries after the
// initial attempt.
//
// maxRetries < 0 disables retries entirely.
func Retry(maxRetries int) StepBuilder {
	if maxRetries == 0 {
		maxRetries = -1
	}
	return StepBuilder{cfg: StepConfig{MaxRetries: maxRetries}}
}

// WithExponentialBackoff configures the delay between retries:
//
//   - base is the delay before the first retry; it doubles each attempt.
//   - max caps the delay; if <= 0, the package default cap applies.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 5*time.Second)
func (b StepBuilder) WithExponentialBackoff(base, max time.Duration) StepBuilder {
	c := b.cfg
	c.RetryBackoffBase = base
	c.RetryBackoffMax = max
	return StepBuilder{cfg: c}
}

// WithTimeout bounds each attempt of the step body.
func (b StepBuilder) WithTimeout(d time.Duration) StepBuilder {
	c := b.cfg
	c.Timeout = d
	c.DisableTimeout = false
	return StepBuilder{cfg: c}
}

// NoTimeout removes the per-attempt timeout entirely.
func (b StepBuilder) NoTimeout() StepBuilder {
	c := b.cfg
	c.Timeout = 0
	c.DisableTimeout = true
	return StepBuilder{cfg: c}
}

// Ephemeral marks the step's output as not worth persisting: after a
// restart the step runs again, so its body must be idempotent.
func (b StepBuilder) Ephemeral() StepBuilder {
	c := b.cfg
	c.Ephemeral = true
	return StepBuilder{cfg: c}
}

// WithRollback registers a compensation handler invoked, in reverse
// completion order, if the workflow later fails.
func (b StepBuilder) WithRollback(fn RollbackFunc) StepBuilder {
	c := b.cfg
	c.Rollback = fn
	return StepBuilder{cfg: c}
}

// Config returns the underlying StepConfig to be passed to Step.
func (b StepBuilder) Config() *StepConfig {
	c := b.cfg
	return &c
}
