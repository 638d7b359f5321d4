package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/pkg/api"
)

// persistError marks a driver write failure. It is not a workflow failure:
// the steps already in history logically succeeded, so compensation must not
// run. The instance stays resumable via Wake once the driver recovers.
type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// runtime is the in-process state of one workflow instance. It survives
// across invocations within the host process; durable state lives in the
// driver and is reloaded by RunWorkflow after a restart.
type runtime struct {
	id       string
	fn       api.WorkflowFunc
	input    any
	driver   api.Driver
	mode     api.RunMode
	observer api.Observer

	// loopEvery overrides the default loop trim cadence when a
	// LoopConfig leaves HistoryEvery unset.
	loopEvery int

	// hostCtx is the context RunWorkflow was called with; flushes derive
	// from it without its cancellation so a shutdown never tears a batch.
	hostCtx context.Context

	// mu guards hist, mb and the instance-level fields below. User code
	// runs outside it.
	mu           sync.Mutex
	hist         *history
	mb           *mailbox
	state        api.WorkflowState
	output       any
	wfErr        *api.WorkflowError
	rolledBackAt time.Time

	evicted   atomic.Bool
	cancelled atomic.Bool

	notifyMu sync.Mutex
	notifyCh chan struct{}

	// invMu serializes invocations; done is closed when the in-flight
	// one settles.
	invMu       sync.Mutex
	running     bool
	done        chan struct{}
	lastResult  *api.WorkflowResult
	abortCancel context.CancelCauseFunc
}

// RunWorkflow loads (or initializes) the instance's durable state and, if
// the instance is not already terminal, starts an invocation. The returned
// handle controls the instance; Result blocks until the invocation
// completes or yields.
func RunWorkflow(ctx context.Context, driver api.Driver, workflowID string, fn api.WorkflowFunc, input any, opts api.Options) (api.Handle, error) {
	if workflowID == "" {
		return nil, errors.New("loom: workflow id must not be empty")
	}
	if strings.Contains(workflowID, "/") {
		return nil, fmt.Errorf("loom: workflow id %q must not contain '/'", workflowID)
	}
	if fn == nil {
		return nil, errors.New("loom: workflow function must not be nil")
	}
	mode := opts.Mode
	if mode == "" {
		mode = api.ModeYield
	}
	var observer api.Observer = api.NoopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	r := &runtime{
		id:        workflowID,
		fn:        fn,
		input:     input,
		driver:    driver,
		mode:      mode,
		observer:  observer,
		loopEvery: opts.CommitInterval,
		hostCtx:   ctx,
		hist:      newHistory(workflowID),
		mb:        newMailbox(),
		state:     api.StatePending,
		notifyCh:  make(chan struct{}),
	}

	stored, err := r.hist.load(ctx, driver)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		r.state = stored.State
		r.output = stored.Output
		r.wfErr = stored.Err
		r.rolledBackAt = stored.RolledBackAt
	}

	h := &handle{rt: r}
	if r.state.Terminal() {
		r.lastResult = r.terminalResult()
		return h, nil
	}

	r.invMu.Lock()
	r.startLocked()
	r.invMu.Unlock()
	return h, nil
}

func (r *runtime) terminalResult() *api.WorkflowResult {
	return &api.WorkflowResult{State: r.state, Output: r.output, Err: r.wfErr}
}

// flushCtx is the context for driver writes: derived from the host context
// but immune to its cancellation.
func (r *runtime) flushCtx() context.Context {
	return context.WithoutCancel(r.hostCtx)
}

// notified returns a channel closed at the next nudge (message delivery,
// Wake, alarm fire).
func (r *runtime) notified() <-chan struct{} {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.notifyCh
}

func (r *runtime) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	close(r.notifyCh)
	r.notifyCh = make(chan struct{})
}

// startLocked begins a new invocation. Caller holds invMu and has checked
// that none is running.
func (r *runtime) startLocked() {
	ictx, cancel := context.WithCancelCause(r.hostCtx)
	r.abortCancel = cancel
	done := make(chan struct{})
	r.done = done
	r.running = true
	r.evicted.Store(false)

	go func() {
		res := r.invoke(ictx)
		r.invMu.Lock()
		r.lastResult = res
		r.running = false
		r.invMu.Unlock()
		cancel(nil)
		close(done)
	}()
}

// invoke runs the workflow function once over the current history.
func (r *runtime) invoke(ictx context.Context) *api.WorkflowResult {
	msgs, err := r.driver.LoadMessages(r.flushCtx(), r.id)
	if err != nil {
		return r.finish(ictx, nil, &persistError{fmt.Errorf("loom: load mailbox: %w", err)})
	}

	r.mu.Lock()
	r.mb.load(msgs)
	r.state = api.StateRunning
	r.mu.Unlock()

	r.observer.OnWorkflowStart(ictx, r.id)

	root := &wfContext{
		rt:   r,
		ctx:  ictx,
		base: location{},
		used: make(map[string]struct{}),
	}

	var out any
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = api.NewWorkflowError("workflow_panic", fmt.Errorf("panic: %v", p))
			}
		}()
		out, err = r.fn(root, r.input)
	}()

	return r.finish(ictx, out, err)
}

// finish classifies the invocation outcome, persists it and resolves the
// run's result.
func (r *runtime) finish(ictx context.Context, out any, err error) *api.WorkflowResult {
	fctx := r.flushCtx()

	if r.cancelled.Load() {
		return r.finalizeCancel(ictx)
	}

	var (
		suspend *suspendSignal
		perr    *persistError
	)
	switch {
	case err == nil:
		r.mu.Lock()
		r.state = api.StateCompleted
		r.output = out
		r.mu.Unlock()
		if cerr := r.commit(); cerr != nil {
			return r.persistFailure(ictx, cerr)
		}
		_ = r.driver.ClearAlarm(fctx, r.id)
		r.observer.OnWorkflowCompleted(ictx, r.id)
		return &api.WorkflowResult{State: api.StateCompleted, Output: out}

	case errors.Is(err, errCancelled):
		return r.finalizeCancel(ictx)

	// A driver outage is not a workflow failure: every step in history
	// logically succeeded, so compensation must not run. The durable state
	// is untouched and the instance resumes via Wake.
	case errors.As(err, &perr):
		return r.persistFailure(ictx, perr.err)

	case errors.As(err, &suspend):
		r.mu.Lock()
		r.state = api.StateSleeping
		r.mu.Unlock()
		if cerr := r.commit(); cerr != nil {
			return r.persistFailure(ictx, cerr)
		}
		if suspend.sleepUntil.IsZero() {
			_ = r.driver.ClearAlarm(fctx, r.id)
		} else if aerr := r.driver.SetAlarm(fctx, r.id, suspend.sleepUntil); aerr != nil {
			return r.persistFailure(ictx, aerr)
		}
		res := &api.WorkflowResult{
			State:              api.StateSleeping,
			SleepUntil:         suspend.sleepUntil,
			WaitingForMessages: suspend.waiting,
		}
		r.observer.OnWorkflowSuspend(ictx, r.id, res)
		return res

	default:
		werr := api.NewWorkflowError("workflow_failed", err)

		// FAILED is made durable before any compensation handler runs, so
		// a crash mid-walk restarts into a failed instance, and
		// ROLLING_BACK is only ever entered from FAILED.
		r.mu.Lock()
		r.wfErr = werr
		r.state = api.StateFailed
		r.mu.Unlock()
		if cerr := r.commit(); cerr != nil {
			return r.persistFailure(ictx, cerr)
		}

		r.rollback(fctx)

		r.mu.Lock()
		r.state = api.StateFailed
		r.mu.Unlock()
		if cerr := r.commit(); cerr != nil {
			return r.persistFailure(ictx, cerr)
		}
		_ = r.driver.ClearAlarm(fctx, r.id)
		r.observer.OnWorkflowFailed(ictx, r.id, werr)
		return &api.WorkflowResult{State: api.StateFailed, Err: werr}
	}
}

// persistFailure reports a driver error that prevented the outcome from
// being made durable. The in-memory state is left as-is so a later Wake can
// retry the flush.
func (r *runtime) persistFailure(ictx context.Context, err error) *api.WorkflowResult {
	werr := api.NewWorkflowError("persistence_error", err)
	r.observer.OnWorkflowFailed(ictx, r.id, werr)
	return &api.WorkflowResult{State: api.StateFailed, Err: werr}
}

// finalizeCancel marks the instance cancelled: pending sleeps become
// interrupted, the alarm is cleared and the terminal state is flushed.
func (r *runtime) finalizeCancel(ictx context.Context) *api.WorkflowResult {
	now := time.Now()
	r.mu.Lock()
	r.state = api.StateCancelled
	for _, rec := range r.hist.ordered() {
		if se, ok := rec.kind.(*api.SleepEntry); ok && rec.meta.Status != api.EntryCompleted {
			se.State = api.SleepInterrupted
			r.hist.fail(rec, api.EntryFailed, now)
		}
	}
	r.mu.Unlock()

	if cerr := r.commit(); cerr != nil {
		return r.persistFailure(ictx, cerr)
	}
	_ = r.driver.ClearAlarm(r.flushCtx(), r.id)
	r.observer.OnWorkflowCancelled(ictx, r.id)
	return &api.WorkflowResult{State: api.StateCancelled}
}

// commit atomically persists every dirty record plus the instance state,
// then applies deferred trims. Consumed messages are deleted in the same
// batch that records their consuming entry, so a crash cannot re-deliver a
// message a completed listen already returned. All errors are persistErrors:
// commit failures are driver trouble, never workflow failures.
func (r *runtime) commit() error {
	ctx := r.flushCtx()

	r.mu.Lock()
	state := &persistence.StateRecord{
		State:        r.state,
		Output:       r.output,
		Err:          r.wfErr,
		RolledBackAt: r.rolledBackAt,
	}
	ops, err := r.hist.flushOps(state)
	if err != nil {
		r.mu.Unlock()
		return &persistError{err}
	}
	for _, id := range r.mb.consumedIDs() {
		ops = append(ops, api.BatchOp{Key: persistence.MessageKey(r.id, id), Delete: true})
	}
	if err := r.driver.Batch(ctx, ops); err != nil {
		r.mu.Unlock()
		return &persistError{fmt.Errorf("loom: flush: %w", err)}
	}
	r.hist.flushed()
	r.mb.takeConsumed()
	trims := r.hist.takeTrims()
	r.mu.Unlock()

	for _, prefix := range trims {
		if err := r.driver.DeletePrefix(ctx, persistence.EntryKey(r.id, prefix)); err != nil {
			return &persistError{err}
		}
		if err := r.driver.DeletePrefix(ctx, persistence.MetaKey(r.id, prefix)); err != nil {
			return &persistError{err}
		}
	}
	return nil
}

// handle implements api.Handle.
type handle struct {
	rt *runtime
}

var _ api.Handle = (*handle)(nil)

func (h *handle) WorkflowID() string { return h.rt.id }

func (h *handle) Result(ctx context.Context) (*api.WorkflowResult, error) {
	r := h.rt
	r.invMu.Lock()
	done := r.done
	last := r.lastResult
	r.invMu.Unlock()

	if done == nil {
		if last == nil {
			return nil, errors.New("loom: no invocation has run")
		}
		return last, nil
	}
	select {
	case <-done:
		r.invMu.Lock()
		last = r.lastResult
		r.invMu.Unlock()
		return last, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Message(ctx context.Context, name string, data any) error {
	if name == "" {
		return errors.New("loom: message name must not be empty")
	}
	r := h.rt
	msg := api.Message{
		ID:     persistence.NewMessageID(),
		Name:   name,
		Data:   data,
		SentAt: time.Now(),
	}
	if err := r.driver.AddMessage(ctx, r.id, msg); err != nil {
		return err
	}

	// An in-flight invocation already loaded its mailbox; hand the
	// message to it directly and nudge any blocked listen.
	r.invMu.Lock()
	running := r.running
	r.invMu.Unlock()
	if running {
		r.mu.Lock()
		r.mb.add(msg)
		r.mu.Unlock()
		r.notify()
	}
	return nil
}

func (h *handle) Wake(ctx context.Context) (*api.WorkflowResult, error) {
	r := h.rt

	r.invMu.Lock()
	if r.running {
		r.invMu.Unlock()
		r.notify()
		return h.Result(ctx)
	}
	if r.state.Terminal() {
		res := r.lastResult
		r.invMu.Unlock()
		if res == nil {
			res = r.terminalResult()
		}
		return res, nil
	}
	r.startLocked()
	r.invMu.Unlock()
	return h.Result(ctx)
}

func (h *handle) Recover(ctx context.Context) (*api.WorkflowResult, error) {
	r := h.rt

	r.invMu.Lock()
	if r.running {
		r.invMu.Unlock()
		return nil, errors.New("loom: cannot recover while an invocation is running")
	}

	r.mu.Lock()
	if r.state != api.StateFailed {
		state := r.state
		r.mu.Unlock()
		r.invMu.Unlock()
		return nil, fmt.Errorf("loom: recover requires a failed workflow, state is %s", state)
	}
	for _, rec := range r.hist.ordered() {
		se, ok := rec.kind.(*api.StepEntry)
		if !ok {
			continue
		}
		if rec.meta.Status == api.EntryExhausted || rec.meta.Status == api.EntryFailed {
			se.Error = nil
			rec.meta.Status = api.EntryPending
			rec.meta.Attempts = 0
			rec.meta.LastAttemptAt = time.Time{}
			r.hist.markEntryDirty(rec)
			r.hist.markMetaDirty(rec)
		}
	}
	r.state = api.StatePending
	r.wfErr = nil
	r.mu.Unlock()

	if err := r.commit(); err != nil {
		r.invMu.Unlock()
		return nil, err
	}

	r.cancelled.Store(false)
	r.startLocked()
	done := r.done
	r.invMu.Unlock()

	select {
	case <-done:
		r.invMu.Lock()
		res := r.lastResult
		r.invMu.Unlock()
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Evict(ctx context.Context) error {
	r := h.rt
	r.evicted.Store(true)

	r.invMu.Lock()
	running := r.running
	cancel := r.abortCancel
	done := r.done
	r.invMu.Unlock()

	if !running {
		return nil
	}
	cancel(errEvicted)
	r.notify()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	r := h.rt
	if r.cancelled.Swap(true) {
		return nil
	}

	r.invMu.Lock()
	running := r.running
	cancel := r.abortCancel
	done := r.done
	r.invMu.Unlock()

	if running {
		cancel(errCancelled)
		r.notify()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	r.mu.Lock()
	terminal := r.state.Terminal()
	r.mu.Unlock()
	if terminal {
		// Already finished; cancellation after the fact is a no-op.
		return nil
	}

	res := r.finalizeCancel(ctx)
	r.invMu.Lock()
	r.lastResult = res
	r.invMu.Unlock()
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func (h *handle) Output(ctx context.Context) (any, error) {
	r := h.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case api.StateCompleted:
		return r.output, nil
	case api.StateFailed:
		return nil, r.wfErr
	default:
		return nil, fmt.Errorf("loom: workflow not finished, state is %s", r.state)
	}
}

func (h *handle) State(ctx context.Context) (api.WorkflowState, error) {
	r := h.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (h *handle) ListEntries(ctx context.Context) ([]api.Entry, error) {
	r := h.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist.listEntries(), nil
}
