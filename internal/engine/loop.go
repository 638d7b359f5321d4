package engine

import (
	"fmt"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func (c *wfContext) Loop(name string, run api.LoopFunc, initial any, cfgp *api.LoopConfig) (any, error) {
	r := c.rt

	cfg := api.LoopConfig{}
	if cfgp != nil {
		cfg = *cfgp
	}
	if cfg.HistoryEvery <= 0 {
		cfg.HistoryEvery = r.loopEvery
	}
	if cfg.HistoryEvery <= 0 {
		cfg.HistoryEvery = api.DefaultLoopHistoryEvery
	}
	if cfg.HistoryKeep < 0 {
		cfg.HistoryKeep = 0
	}

	r.mu.Lock()
	loc, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		rec = r.hist.create(key, disp, &api.LoopEntry{State: initial}, time.Now())
	}
	le, ok := rec.kind.(*api.LoopEntry)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindLoop)
	}
	if rec.meta.Status == api.EntryCompleted {
		out := le.Output
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	for {
		if err := c.aborted(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		iter := le.Iteration
		state := le.State
		iterCtx := &wfContext{
			rt:      r,
			ctx:     c.ctx,
			base:    loc.child(iterSeg(iter)),
			display: fmt.Sprintf("%s/#%d", disp, iter),
			used:    make(map[string]struct{}),
		}
		r.mu.Unlock()

		ctl, err := run(iterCtx, state)
		if err != nil {
			// Nested primitive outcomes are already in history, so the
			// loop entry itself stays resumable; replay is deterministic.
			return nil, err
		}

		r.mu.Lock()
		le.Iteration = iter + 1
		r.hist.markEntryDirty(rec)

		if ctl.Break {
			le.Output = ctl.Value
			r.hist.complete(rec, time.Now())
			r.mu.Unlock()
			if err := r.commit(); err != nil {
				return nil, err
			}
			return ctl.Value, nil
		}
		le.State = ctl.State

		// Drop old iteration sub-trees periodically so unbounded loops
		// do not grow history without bound. Trimmed marks how far the
		// previous passes got, so each iteration is trimmed exactly once.
		if cfg.HistoryEvery > 0 && le.Iteration%cfg.HistoryEvery == 0 {
			cut := le.Iteration - cfg.HistoryKeep
			for i := le.Trimmed; i < cut; i++ {
				r.hist.trimPrefix(loc.child(iterSeg(i)).key())
			}
			if cut > le.Trimmed {
				le.Trimmed = cut
			}
		}
		r.mu.Unlock()

		if err := r.commit(); err != nil {
			return nil, err
		}
	}
}
