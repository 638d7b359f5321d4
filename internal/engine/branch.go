package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// branchOutcome is the classified result of one branch goroutine.
type branchOutcome struct {
	name    string
	out     any
	suspend *suspendSignal
	abort   error
	fail    *api.WorkflowError
}

// runBranches executes the not-yet-decided branches concurrently, each in
// its own location sub-tree, and classifies every outcome.
func (c *wfContext) runBranches(
	groupLoc location, groupDisp string,
	branches map[string]api.BranchFunc,
	pending []string,
) []branchOutcome {
	r := c.rt

	// Intern all branch names up front, under the lock, so goroutines
	// never mutate the registry concurrently.
	subs := make(map[string]*wfContext, len(pending))
	r.mu.Lock()
	for _, bn := range pending {
		idx := r.hist.names.intern(bn)
		subs[bn] = &wfContext{
			rt:      r,
			ctx:     c.ctx,
			base:    groupLoc.child(nameSeg(idx)),
			display: groupDisp + "/" + bn,
			used:    make(map[string]struct{}),
		}
	}
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		outMu    sync.Mutex
		outcomes []branchOutcome
	)
	for _, bn := range pending {
		wg.Add(1)
		go func(bn string, sub *wfContext) {
			defer wg.Done()
			out, err := branches[bn](sub)

			oc := branchOutcome{name: bn, out: out}
			switch {
			case err == nil:
			case errors.Is(err, errCancelled):
				oc.abort = errCancelled
			case errors.Is(err, errRaceLost):
				oc.abort = errRaceLost
			default:
				var s *suspendSignal
				if errors.As(err, &s) {
					oc.suspend = s
				} else {
					oc.fail = api.NewWorkflowError("branch_failed", err)
				}
			}

			outMu.Lock()
			outcomes = append(outcomes, oc)
			outMu.Unlock()
		}(bn, subs[bn])
	}
	wg.Wait()
	return outcomes
}

func joinError(disp string, results map[string]*api.BranchResult) *api.JoinError {
	je := &api.JoinError{
		Join:     disp,
		Statuses: make(map[string]api.BranchStatus, len(results)),
		Causes:   make(map[string]*api.WorkflowError),
	}
	for bn, br := range results {
		je.Statuses[bn] = br.Status
		if br.Error != nil {
			je.Causes[bn] = br.Error
		}
	}
	return je
}

func (c *wfContext) Join(name string, branches map[string]api.BranchFunc) (map[string]any, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("loom: join %q needs at least one branch", name)
	}
	r := c.rt

	r.mu.Lock()
	loc, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		je := &api.JoinEntry{Branches: make(map[string]*api.BranchResult, len(branches))}
		for bn := range branches {
			je.Branches[bn] = &api.BranchResult{Status: api.BranchPending}
		}
		rec = r.hist.create(key, disp, je, time.Now())
	}
	je, ok := rec.kind.(*api.JoinEntry)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindJoin)
	}

	switch rec.meta.Status {
	case api.EntryCompleted:
		outs := make(map[string]any, len(je.Branches))
		for bn, br := range je.Branches {
			outs[bn] = br.Output
		}
		r.mu.Unlock()
		return outs, nil
	case api.EntryFailed:
		jerr := joinError(disp, je.Branches)
		r.mu.Unlock()
		return nil, jerr
	}

	// Only undecided branches run; decided ones replay from the entry.
	pending := make([]string, 0, len(branches))
	for bn := range branches {
		br := je.Branches[bn]
		if br == nil {
			br = &api.BranchResult{Status: api.BranchPending}
			je.Branches[bn] = br
			r.hist.markEntryDirty(rec)
		}
		if br.Status != api.BranchCompleted && br.Status != api.BranchFailed {
			br.Status = api.BranchRunning
			pending = append(pending, bn)
		}
	}
	sort.Strings(pending)
	r.mu.Unlock()

	outcomes := c.runBranches(loc, disp, branches, pending)

	var suspends []*suspendSignal
	r.mu.Lock()
	for _, oc := range outcomes {
		br := je.Branches[oc.name]
		switch {
		case oc.abort != nil:
			br.Status = api.BranchPending
			r.mu.Unlock()
			return nil, oc.abort
		case oc.suspend != nil:
			br.Status = api.BranchPending
			suspends = append(suspends, oc.suspend)
		case oc.fail != nil:
			br.Status = api.BranchFailed
			br.Error = oc.fail
			r.hist.markEntryDirty(rec)
		default:
			br.Status = api.BranchCompleted
			br.Output = oc.out
			r.hist.markEntryDirty(rec)
		}
	}

	if len(suspends) > 0 {
		r.mu.Unlock()
		if err := r.commit(); err != nil {
			return nil, err
		}
		return nil, mergeSuspends(suspends)
	}

	failed := false
	for _, br := range je.Branches {
		if br.Status == api.BranchFailed {
			failed = true
			break
		}
	}
	if failed {
		jerr := joinError(disp, je.Branches)
		r.hist.fail(rec, api.EntryFailed, time.Now())
		r.mu.Unlock()
		if err := r.commit(); err != nil {
			return nil, err
		}
		return nil, jerr
	}

	outs := make(map[string]any, len(je.Branches))
	for bn, br := range je.Branches {
		outs[bn] = br.Output
	}
	r.hist.complete(rec, time.Now())
	r.mu.Unlock()
	if err := r.commit(); err != nil {
		return nil, err
	}
	return outs, nil
}

func (c *wfContext) Race(name string, branches map[string]api.BranchFunc) (string, any, error) {
	if len(branches) == 0 {
		return "", nil, fmt.Errorf("loom: race %q needs at least one branch", name)
	}
	r := c.rt

	r.mu.Lock()
	loc, key, disp, err := c.child(name)
	if err != nil {
		r.mu.Unlock()
		return "", nil, err
	}
	rec := r.hist.lookup(key)
	if rec == nil {
		re := &api.RaceEntry{Branches: make(map[string]*api.BranchResult, len(branches))}
		for bn := range branches {
			re.Branches[bn] = &api.BranchResult{Status: api.BranchPending}
		}
		rec = r.hist.create(key, disp, re, time.Now())
	}
	re, ok := rec.kind.(*api.RaceEntry)
	if !ok {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("loom: history shape mismatch at %q: have %s, want %s", disp, rec.kind.KindName(), api.KindRace)
	}

	switch rec.meta.Status {
	case api.EntryCompleted:
		winner := re.Winner
		out := re.Branches[winner].Output
		r.mu.Unlock()
		return winner, out, nil
	case api.EntryFailed:
		rerr := &api.RaceError{Race: disp, Causes: make(map[string]*api.WorkflowError)}
		for bn, br := range re.Branches {
			if br.Error != nil {
				rerr.Causes[bn] = br.Error
			}
		}
		r.mu.Unlock()
		return "", nil, rerr
	}

	pending := make([]string, 0, len(branches))
	for bn := range branches {
		br := re.Branches[bn]
		if br == nil {
			br = &api.BranchResult{Status: api.BranchPending}
			re.Branches[bn] = br
			r.hist.markEntryDirty(rec)
		}
		if br.Status != api.BranchCompleted && br.Status != api.BranchFailed {
			br.Status = api.BranchRunning
			pending = append(pending, bn)
		}
	}
	sort.Strings(pending)
	r.mu.Unlock()

	// The first completion claims the win; everyone else is told to stop.
	var (
		winMu      sync.Mutex
		winner     string
		haveWinner bool
	)
	outcomes := c.runBranchesRace(loc, disp, branches, pending, func(bn string) bool {
		winMu.Lock()
		defer winMu.Unlock()
		if haveWinner {
			return false
		}
		haveWinner = true
		winner = bn
		return true
	})

	var suspends []*suspendSignal
	r.mu.Lock()
	for _, oc := range outcomes {
		br := re.Branches[oc.name]
		switch {
		case oc.abort != nil && errors.Is(oc.abort, errRaceLost):
			br.Status = api.BranchCancelled
			r.hist.markEntryDirty(rec)
		case oc.abort != nil:
			br.Status = api.BranchPending
			r.mu.Unlock()
			return "", nil, oc.abort
		case oc.suspend != nil:
			br.Status = api.BranchPending
			suspends = append(suspends, oc.suspend)
		case oc.fail != nil:
			br.Status = api.BranchFailed
			br.Error = oc.fail
			r.hist.markEntryDirty(rec)
		default:
			br.Status = api.BranchCompleted
			br.Output = oc.out
			r.hist.markEntryDirty(rec)
		}
	}

	if haveWinner {
		re.Winner = winner
		out := re.Branches[winner].Output
		// A loser that was mid-suspension stays cancelled, not pending.
		for bn, br := range re.Branches {
			if bn != winner && br.Status == api.BranchPending {
				br.Status = api.BranchCancelled
			}
		}
		r.hist.complete(rec, time.Now())
		r.mu.Unlock()
		if err := r.commit(); err != nil {
			return "", nil, err
		}
		return winner, out, nil
	}

	if len(suspends) > 0 {
		r.mu.Unlock()
		if err := r.commit(); err != nil {
			return "", nil, err
		}
		return "", nil, mergeSuspends(suspends)
	}

	rerr := &api.RaceError{Race: disp, Causes: make(map[string]*api.WorkflowError)}
	for bn, br := range re.Branches {
		if br.Error != nil {
			rerr.Causes[bn] = br.Error
		}
	}
	r.hist.fail(rec, api.EntryFailed, time.Now())
	r.mu.Unlock()
	if err := r.commit(); err != nil {
		return "", nil, err
	}
	return "", nil, rerr
}

// runBranchesRace is runBranches specialized for races: each branch gets a
// cancellable context and claim decides, exactly once, which completion
// wins; the rest are cancelled with a race-lost cause.
func (c *wfContext) runBranchesRace(
	groupLoc location, groupDisp string,
	branches map[string]api.BranchFunc,
	pending []string,
	claim func(name string) bool,
) []branchOutcome {
	r := c.rt

	subs := make(map[string]*wfContext, len(pending))
	cancels := make(map[string]context.CancelCauseFunc, len(pending))
	r.mu.Lock()
	for _, bn := range pending {
		idx := r.hist.names.intern(bn)
		bctx, cancel := context.WithCancelCause(c.ctx)
		cancels[bn] = cancel
		subs[bn] = &wfContext{
			rt:      r,
			ctx:     bctx,
			base:    groupLoc.child(nameSeg(idx)),
			display: groupDisp + "/" + bn,
			used:    make(map[string]struct{}),
		}
	}
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		outMu    sync.Mutex
		outcomes []branchOutcome
	)
	for _, bn := range pending {
		wg.Add(1)
		go func(bn string, sub *wfContext) {
			defer wg.Done()
			out, err := branches[bn](sub)

			oc := branchOutcome{name: bn, out: out}
			switch {
			case err == nil:
				if claim(bn) {
					for other, cancel := range cancels {
						if other != bn {
							cancel(errRaceLost)
						}
					}
				} else {
					// Lost by a hair: the winner was already decided.
					oc.out = nil
					oc.abort = errRaceLost
				}
			case errors.Is(err, errCancelled):
				oc.abort = errCancelled
			case errors.Is(err, errRaceLost):
				oc.abort = errRaceLost
			default:
				var s *suspendSignal
				if errors.As(err, &s) {
					oc.suspend = s
				} else {
					oc.fail = api.NewWorkflowError("branch_failed", err)
				}
			}

			outMu.Lock()
			outcomes = append(outcomes, oc)
			outMu.Unlock()
		}(bn, subs[bn])
	}
	wg.Wait()

	for _, cancel := range cancels {
		cancel(nil)
	}
	return outcomes
}
