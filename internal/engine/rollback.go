package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// errHandlerUnavailable is recorded when a step declared a compensation
// handler but no handler is registered in this process. That happens when
// the step sits inside a group that completed in an earlier run: replay
// short-circuits the group, so the step's code never re-registered it.
var errHandlerUnavailable = errors.New("rollback handler not registered in this run; compensation skipped")

// rollbackCtx is the restricted context rollback handlers see. Handlers may
// not call workflow primitives; they run after the workflow has already
// failed.
type rollbackCtx struct {
	rt  *runtime
	ctx context.Context
}

var _ api.RollbackContext = (*rollbackCtx)(nil)

func (c *rollbackCtx) Context() context.Context { return c.ctx }
func (c *rollbackCtx) WorkflowID() string       { return c.rt.id }
func (c *rollbackCtx) IsEvicted() bool          { return c.rt.evicted.Load() }

// rollback compensates completed steps in reverse completion order, bounded
// by the most recent checkpoint. Steps that never declared a handler are
// skipped; steps that declared one but have none registered in this process
// get the skip recorded on their entry. A handler error is likewise recorded
// and the walk continues, so one bad handler never blocks the rest.
func (r *runtime) rollback(ctx context.Context) {
	r.mu.Lock()
	r.state = api.StateRollingBack

	// The bound is the highest-seq completed checkpoint.
	bound := -1
	for _, rec := range r.hist.ordered() {
		if _, ok := rec.kind.(*api.CheckpointEntry); !ok {
			continue
		}
		if rec.meta.Status == api.EntryCompleted && rec.seq > bound {
			bound = rec.seq
		}
	}

	var targets []*entryRecord
	for _, rec := range r.hist.ordered() {
		se, ok := rec.kind.(*api.StepEntry)
		if !ok || se == nil {
			continue
		}
		if rec.seq <= bound {
			continue
		}
		if rec.meta.Status != api.EntryCompleted || !rec.meta.RolledBackAt.IsZero() {
			continue
		}
		targets = append(targets, rec)
	}
	// Reverse completion order: undo the newest effect first.
	for i, j := 0, len(targets)-1; i < j; i, j = i+1, j-1 {
		targets[i], targets[j] = targets[j], targets[i]
	}
	r.mu.Unlock()

	rctx := &rollbackCtx{rt: r, ctx: ctx}
	for _, rec := range targets {
		se := rec.kind.(*api.StepEntry)
		if rec.rollback == nil && !se.HasRollback {
			continue
		}

		var herr error
		if rec.rollback == nil {
			herr = errHandlerUnavailable
		} else {
			func() {
				defer func() {
					if p := recover(); p != nil {
						herr = fmt.Errorf("rollback panic: %v", p)
					}
				}()
				herr = rec.rollback(rctx, se.Output)
			}()
		}

		r.observer.OnRollbackStep(ctx, r.id, rec.display, herr)

		r.mu.Lock()
		rec.meta.RolledBackAt = time.Now()
		if herr != nil {
			rec.meta.RollbackError = herr.Error()
		}
		r.hist.markMetaDirty(rec)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.rolledBackAt = time.Now()
	r.mu.Unlock()
}
