package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// Control-flow sentinels. They travel out of primitives through the user's
// workflow function, which is why primitives' errors must be propagated
// unchanged.
var (
	errCancelled = errors.New("loom: workflow cancelled")
	errEvicted   = errors.New("loom: workflow evicted")
	errRaceLost  = errors.New("loom: race branch lost")
)

// suspendSignal is returned by a primitive that cannot make progress in
// this invocation. The run loop flushes state, registers the alarm and
// resolves the invocation's result.
type suspendSignal struct {
	sleepUntil time.Time
	waiting    []string
}

func (s *suspendSignal) Error() string { return "loom: workflow suspended" }

// mergeSuspends combines branch suspensions: the earliest deadline wins and
// message waits are unioned, so the instance wakes as soon as any branch
// can progress.
func mergeSuspends(sigs []*suspendSignal) *suspendSignal {
	out := &suspendSignal{}
	seen := make(map[string]struct{})
	for _, s := range sigs {
		if !s.sleepUntil.IsZero() && (out.sleepUntil.IsZero() || s.sleepUntil.Before(out.sleepUntil)) {
			out.sleepUntil = s.sleepUntil
		}
		for _, n := range s.waiting {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out.waiting = append(out.waiting, n)
			}
		}
	}
	return out
}

// wfContext implements api.WorkflowContext for one position in the
// execution tree. Join/race branches and loop iterations get their own
// contexts rooted at their sub-locations.
type wfContext struct {
	rt      *runtime
	ctx     context.Context
	base    location
	display string

	// used guards against two primitives claiming the same name at the
	// same tree level during one invocation.
	used map[string]struct{}
}

var _ api.WorkflowContext = (*wfContext)(nil)

func (c *wfContext) Context() context.Context { return c.ctx }
func (c *wfContext) WorkflowID() string       { return c.rt.id }
func (c *wfContext) Input() any               { return c.rt.input }

func (c *wfContext) IsEvicted() bool {
	return c.rt.evicted.Load()
}

// child resolves a primitive name to its location. Caller holds rt.mu.
func (c *wfContext) child(name string) (loc location, key, display string, err error) {
	if name == "" {
		return nil, "", "", errors.New("loom: primitive name must not be empty")
	}
	if _, dup := c.used[name]; dup {
		return nil, "", "", fmt.Errorf("loom: duplicate primitive name %q under %q", name, c.display)
	}
	c.used[name] = struct{}{}

	idx := c.rt.hist.names.intern(name)
	loc = c.base.child(nameSeg(idx))
	display = name
	if c.display != "" {
		display = c.display + "/" + name
	}
	return loc, loc.key(), display, nil
}

// abortErr classifies a context cancellation observed during a wait. Host
// context cancellation is treated like eviction: flush and yield, never
// fail the workflow for a shutdown.
func (c *wfContext) abortErr(deadline time.Time, waiting []string) error {
	switch context.Cause(c.ctx) {
	case errRaceLost:
		return errRaceLost
	case errCancelled:
		return errCancelled
	default:
		return &suspendSignal{sleepUntil: deadline, waiting: waiting}
	}
}

// aborted is the safe-point check primitives run before touching history.
func (c *wfContext) aborted() error {
	if c.rt.cancelled.Load() {
		return errCancelled
	}
	if c.ctx.Err() != nil {
		return c.abortErr(time.Time{}, nil)
	}
	if c.rt.evicted.Load() {
		return &suspendSignal{}
	}
	return nil
}

// wait blocks until the deadline passes (zero means no deadline) or the
// runtime is nudged (message delivered, Wake, alarm). In yield mode it
// never blocks: the suspension is surfaced to the run loop instead. The
// caller re-checks its own condition and calls wait again if needed.
func (c *wfContext) wait(deadline time.Time, waiting []string) error {
	r := c.rt
	if err := c.aborted(); err != nil {
		if s, ok := err.(*suspendSignal); ok && s.sleepUntil.IsZero() && s.waiting == nil {
			return &suspendSignal{sleepUntil: deadline, waiting: waiting}
		}
		return err
	}
	if r.mode == api.ModeYield {
		return &suspendSignal{sleepUntil: deadline, waiting: waiting}
	}

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-timerC:
		return nil
	case <-r.notified():
		return nil
	case <-c.ctx.Done():
		return c.abortErr(deadline, waiting)
	}
}

// backoffDelay computes the exponential backoff before retry n (1-based
// count of failed attempts so far): base, 2*base, 4*base, ... capped at max.
func backoffDelay(cfg api.StepConfig, failed int) time.Duration {
	d := cfg.RetryBackoffBase
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= cfg.RetryBackoffMax {
			return cfg.RetryBackoffMax
		}
	}
	if d > cfg.RetryBackoffMax {
		return cfg.RetryBackoffMax
	}
	return d
}

// runStepBody invokes the step function under its timeout.
func runStepBody(ctx context.Context, cfg api.StepConfig, run api.StepFunc) (any, error) {
	if cfg.Timeout <= 0 {
		return run(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	out, err := run(tctx)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("loom: step timed out after %s", cfg.Timeout)
	}
	return out, err
}

func (c *wfContext) Step(name string, run api.StepFunc, cfgp *api.StepConfig) (any, error) {
	cfg := cfgp.Normalized()
	r := c.rt

	r.mu.Lock()
	_, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		rec = r.hist.create(key, disp, &api.StepEntry{
			Ephemeral:   cfg.Ephemeral,
			HasRollback: cfg.Rollback != nil,
		}, time.Now())
		rec.ephemeral = cfg.Ephemeral
	}
	se, ok := rec.kind.(*api.StepEntry)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindStep)
	}
	rec.rollback = cfg.Rollback
	if cfg.Rollback != nil && !se.HasRollback {
		// A newer code version added a handler to an existing step.
		se.HasRollback = true
		r.hist.markEntryDirty(rec)
	}

	switch rec.meta.Status {
	case api.EntryCompleted:
		out := se.Output
		r.mu.Unlock()
		return out, nil
	case api.EntryFailed, api.EntryExhausted:
		werr := se.Error
		r.mu.Unlock()
		return nil, werr
	}
	r.mu.Unlock()

	for {
		if err := c.aborted(); err != nil {
			return nil, err
		}

		// Honor the backoff window from the previous failed attempt.
		r.mu.Lock()
		if n := rec.meta.Attempts; n > 0 {
			next := rec.meta.LastAttemptAt.Add(backoffDelay(cfg, n))
			if time.Now().Before(next) {
				r.mu.Unlock()
				if err := c.wait(next, nil); err != nil {
					return nil, err
				}
				continue
			}
		}
		rec.meta.Status = api.EntryRunning
		rec.meta.Attempts++
		rec.meta.LastAttemptAt = time.Now()
		attempt := rec.meta.Attempts
		r.hist.markMetaDirty(rec)
		r.mu.Unlock()

		r.observer.OnStepStart(c.ctx, r.id, disp, attempt)
		started := time.Now()
		out, runErr := runStepBody(c.ctx, cfg, run)
		r.observer.OnStepCompleted(c.ctx, r.id, disp, attempt, runErr, time.Since(started))

		if runErr == nil {
			r.mu.Lock()
			se.Output = out
			r.hist.complete(rec, time.Now())
			r.mu.Unlock()
			if !rec.ephemeral {
				if err := r.commit(); err != nil {
					return nil, err
				}
			}
			return out, nil
		}

		// A body error caused by cancellation or eviction is not a
		// failure; surface the abort instead of burning the budget.
		if err := c.aborted(); err != nil {
			return nil, err
		}

		if attempt > cfg.MaxRetries {
			werr := api.NewWorkflowError("step_exhausted", runErr)
			werr.Meta = map[string]string{
				"location": disp,
				"attempts": strconv.Itoa(attempt),
			}
			r.mu.Lock()
			se.Error = werr
			r.hist.fail(rec, api.EntryExhausted, time.Now())
			r.mu.Unlock()
			if err := r.commit(); err != nil {
				return nil, err
			}
			return nil, werr
		}

		// Persist the attempt count so a crash mid-backoff does not
		// reset the budget.
		if err := r.commit(); err != nil {
			return nil, err
		}
	}
}

func (c *wfContext) Sleep(name string, d time.Duration) error {
	return c.sleep(name, func(now time.Time) time.Time { return now.Add(d) })
}

func (c *wfContext) SleepUntil(name string, at time.Time) error {
	return c.sleep(name, func(time.Time) time.Time { return at })
}

// sleep resolves the deadline only when the entry is first created, so a
// replayed Sleep targets the original wall-clock point.
func (c *wfContext) sleep(name string, deadlineFn func(now time.Time) time.Time) error {
	r := c.rt

	r.mu.Lock()
	_, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	rec := r.hist.lookup(key)
	created := false
	if rec == nil {
		now := time.Now()
		rec = r.hist.create(key, disp, &api.SleepEntry{Deadline: deadlineFn(now), State: api.SleepPending}, now)
		created = true
	}
	se, ok := rec.kind.(*api.SleepEntry)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindSleep)
	}
	deadline := se.Deadline
	if rec.meta.Status == api.EntryCompleted {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if created {
		r.observer.OnSleepScheduled(c.ctx, r.id, disp, deadline)
	}

	for {
		if !time.Now().Before(deadline) {
			r.mu.Lock()
			se.State = api.SleepCompleted
			r.hist.complete(rec, time.Now())
			r.mu.Unlock()
			return r.commit()
		}
		if err := c.wait(deadline, nil); err != nil {
			return err
		}
	}
}

func (c *wfContext) Listen(name string) (any, error) {
	msgs, err := c.listen(name, 1, noDeadline)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

func (c *wfContext) ListenN(name string, n int) ([]any, error) {
	return c.listen(name, n, noDeadline)
}

func (c *wfContext) ListenWithTimeout(name string, timeout time.Duration) (any, bool, error) {
	msgs, err := c.listen(name, 1, func(now time.Time) time.Time { return now.Add(timeout) })
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	return msgs[0], true, nil
}

func (c *wfContext) ListenUntil(name string, deadline time.Time) (any, bool, error) {
	msgs, err := c.listen(name, 1, func(time.Time) time.Time { return deadline })
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	return msgs[0], true, nil
}

func (c *wfContext) ListenNWithTimeout(name string, n int, timeout time.Duration) ([]any, error) {
	return c.listen(name, n, func(now time.Time) time.Time { return now.Add(timeout) })
}

func (c *wfContext) ListenNUntil(name string, n int, deadline time.Time) ([]any, error) {
	return c.listen(name, n, func(time.Time) time.Time { return deadline })
}

var noDeadline func(time.Time) time.Time

// listen consumes up to want messages with the given name. With a deadline
// it returns whatever arrived once the deadline passes; without one it
// waits indefinitely. The deadline is resolved at entry creation so replay
// sees the original bound.
func (c *wfContext) listen(name string, want int, deadlineFn func(now time.Time) time.Time) ([]any, error) {
	if want < 1 {
		return nil, fmt.Errorf("loom: listen %q: message count must be positive, got %d", name, want)
	}
	r := c.rt

	r.mu.Lock()
	_, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		now := time.Now()
		me := &api.MessageEntry{Name: name, Want: want}
		if deadlineFn != nil {
			me.Deadline = deadlineFn(now)
		}
		rec = r.hist.create(key, disp, me, now)
	}
	me, ok := rec.kind.(*api.MessageEntry)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindMessage)
	}

	// A completed entry replays its recorded batch even when it is short
	// of want (the deadline elapsed first); it must not consume anything
	// new.
	if rec.meta.Status == api.EntryCompleted {
		payloads := make([]any, 0, len(me.Messages))
		for _, msg := range me.Messages {
			payloads = append(payloads, msg.Data)
		}
		r.mu.Unlock()
		return payloads, nil
	}

	for {
		for len(me.Messages) < me.Want {
			msg, got := r.mb.take(name)
			if !got {
				break
			}
			me.Messages = append(me.Messages, msg)
			r.hist.markEntryDirty(rec)
			r.observer.OnMessageConsumed(c.ctx, r.id, name)
		}

		done := len(me.Messages) >= me.Want
		if !done && !me.Deadline.IsZero() && !time.Now().Before(me.Deadline) {
			done = true
		}
		if done {
			r.hist.complete(rec, time.Now())
			payloads := make([]any, 0, len(me.Messages))
			for _, msg := range me.Messages {
				payloads = append(payloads, msg.Data)
			}
			r.mu.Unlock()
			return payloads, r.commit()
		}

		deadline := me.Deadline
		r.mu.Unlock()
		if err := c.wait(deadline, []string{name}); err != nil {
			return nil, err
		}
		r.mu.Lock()
	}
}

func (c *wfContext) RollbackCheckpoint(name string) error {
	r := c.rt

	r.mu.Lock()
	_, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		now := time.Now()
		rec = r.hist.create(key, disp, &api.CheckpointEntry{}, now)
		r.hist.complete(rec, now)
		r.mu.Unlock()
		return r.commit()
	}
	if _, ok := rec.kind.(*api.CheckpointEntry); !ok {
		r.mu.Unlock()
		return fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindCheckpoint)
	}
	r.mu.Unlock()
	return nil
}

func (c *wfContext) Removed(name string, originalKind string) error {
	r := c.rt

	r.mu.Lock()
	defer r.mu.Unlock()

	_, key, disp, err := c.child(name)
	if err != nil {
		return err
	}
	rec := r.hist.lookup(key)
	now := time.Now()
	if rec == nil {
		rec = r.hist.create(key, disp, &api.RemovedEntry{OriginalKind: originalKind}, now)
		r.hist.complete(rec, now)
		return nil
	}
	if _, already := rec.kind.(*api.RemovedEntry); already {
		return nil
	}
	if have := rec.kind.KindName(); have != originalKind {
		return fmt.Errorf("loom: removed entry %q was a %s, not a %s", disp, have, originalKind)
	}

	// Loops and branch groups own a sub-tree; drop it with the entry.
	switch rec.kind.(type) {
	case *api.LoopEntry, *api.JoinEntry, *api.RaceEntry:
		r.hist.trimPrefix(key + "/")
	}
	rec.kind = &api.RemovedEntry{OriginalKind: originalKind}
	if rec.meta.Status != api.EntryCompleted {
		r.hist.complete(rec, now)
	} else {
		r.hist.markEntryDirty(rec)
	}
	return nil
}
