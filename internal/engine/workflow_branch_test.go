package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func TestJoin_AllBranchesComplete(t *testing.T) {
	for name, factory := range allDrivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			driver := factory(t)

			wf := func(c api.WorkflowContext, input any) (any, error) {
				outs, err := c.Join("fanout", map[string]api.BranchFunc{
					"alpha": func(bc api.WorkflowContext) (any, error) {
						return bc.Step("work", func(context.Context) (any, error) { return "A", nil }, nil)
					},
					"beta": func(bc api.WorkflowContext) (any, error) {
						return bc.Step("work", func(context.Context) (any, error) { return "B", nil }, nil)
					},
				})
				if err != nil {
					return nil, err
				}
				return outs["alpha"].(string) + outs["beta"].(string), nil
			}

			res := startYield(t, ctx, driver, "join-1", wf, nil)
			if res.State != api.StateCompleted || res.Output != "AB" {
				t.Fatalf("state=%q output=%v (err=%v)", res.State, res.Output, res.Err)
			}
		})
	}
}

func TestJoin_BranchFailureYieldsJoinError(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		return c.Join("fanout", map[string]api.BranchFunc{
			"good": func(bc api.WorkflowContext) (any, error) {
				return bc.Step("ok", func(context.Context) (any, error) { return 1, nil }, nil)
			},
			"bad": func(bc api.WorkflowContext) (any, error) {
				return bc.Step("boom", func(context.Context) (any, error) {
					return nil, errors.New("branch broke")
				}, &api.StepConfig{MaxRetries: -1})
			},
		})
	}

	res := pumpYield(t, ctx, driver, "join-2", wf, nil)
	if res.State != api.StateFailed {
		t.Fatalf("expected FAILED, got %q", res.State)
	}
	if res.Err == nil {
		t.Fatal("expected a join error")
	}

	h, err := RunWorkflow(ctx, driver, "join-2", wf, nil, api.Options{})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	entries, err := h.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	var join *api.JoinEntry
	for _, e := range entries {
		if je, ok := e.Kind.(*api.JoinEntry); ok {
			join = je
		}
	}
	if join == nil {
		t.Fatalf("join entry missing: %+v", entries)
	}
	if join.Branches["good"].Status != api.BranchCompleted {
		t.Fatalf("good branch status = %q", join.Branches["good"].Status)
	}
	if join.Branches["bad"].Status != api.BranchFailed {
		t.Fatalf("bad branch status = %q", join.Branches["bad"].Status)
	}
}

func TestJoin_SuspendedBranchSuspendsTheJoin(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	var fastCalls int32
	wf := func(c api.WorkflowContext, input any) (any, error) {
		return c.Join("mixed", map[string]api.BranchFunc{
			"fast": func(bc api.WorkflowContext) (any, error) {
				return bc.Step("now", func(context.Context) (any, error) {
					atomic.AddInt32(&fastCalls, 1)
					return "fast", nil
				}, nil)
			},
			"slow": func(bc api.WorkflowContext) (any, error) {
				if err := bc.Sleep("wait", 25*time.Millisecond); err != nil {
					return nil, err
				}
				return "slow", nil
			},
		})
	}

	res := startYield(t, ctx, driver, "join-3", wf, nil)
	if res.State != api.StateSleeping {
		t.Fatalf("expected SLEEPING, got %q", res.State)
	}
	if res.SleepUntil.IsZero() {
		t.Fatal("expected the slow branch's deadline to surface")
	}

	res = pumpYield(t, ctx, driver, "join-3", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q (err=%v)", res.State, res.Err)
	}
	// The fast branch completed in round one and must not re-run.
	if got := atomic.LoadInt32(&fastCalls); got != 1 {
		t.Fatalf("fast branch ran %d times", got)
	}
}

func TestRace_FirstCompletionWins(t *testing.T) {
	for name, factory := range allDrivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			driver := factory(t)

			wf := func(c api.WorkflowContext, input any) (any, error) {
				winner, value, err := c.Race("pick", map[string]api.BranchFunc{
					"quick": func(bc api.WorkflowContext) (any, error) {
						return bc.Step("reply", func(context.Context) (any, error) { return "quick-value", nil }, nil)
					},
					"patient": func(bc api.WorkflowContext) (any, error) {
						if err := bc.Sleep("hold", time.Second); err != nil {
							return nil, err
						}
						return "patient-value", nil
					},
				})
				if err != nil {
					return nil, err
				}
				return winner + "=" + value.(string), nil
			}

			res := startYield(t, ctx, driver, "race-1", wf, nil)
			if res.State != api.StateCompleted {
				t.Fatalf("expected COMPLETED, got %q (err=%v)", res.State, res.Err)
			}
			if res.Output != "quick=quick-value" {
				t.Fatalf("output = %v", res.Output)
			}
		})
	}
}

func TestRace_WinnerStableAcrossReplay(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		winner, _, err := c.Race("pick", map[string]api.BranchFunc{
			"a": func(bc api.WorkflowContext) (any, error) { return "a-out", nil },
			"b": func(bc api.WorkflowContext) (any, error) { return "b-out", nil },
		})
		if err != nil {
			return nil, err
		}
		if err := c.Sleep("after", 15*time.Millisecond); err != nil {
			return nil, err
		}
		return winner, nil
	}

	first := startYield(t, ctx, driver, "race-2", wf, nil)
	if first.State != api.StateSleeping {
		t.Fatalf("expected SLEEPING, got %q", first.State)
	}

	// Replay across several cold restarts must report the same winner the
	// race recorded in round one, regardless of goroutine scheduling.
	res := pumpYield(t, ctx, driver, "race-2", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.State)
	}

	h, err := RunWorkflow(ctx, driver, "race-2", wf, nil, api.Options{})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	entries, err := h.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	var race *api.RaceEntry
	for _, e := range entries {
		if re, ok := e.Kind.(*api.RaceEntry); ok {
			race = re
		}
	}
	if race == nil {
		t.Fatalf("race entry missing")
	}
	if race.Winner != res.Output {
		t.Fatalf("recorded winner %q, workflow returned %v", race.Winner, res.Output)
	}
	if race.Branches[race.Winner].Status != api.BranchCompleted {
		t.Fatalf("winner status = %q", race.Branches[race.Winner].Status)
	}
}

func TestRace_AllBranchesFailYieldsRaceError(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		_, _, err := c.Race("pick", map[string]api.BranchFunc{
			"x": func(bc api.WorkflowContext) (any, error) {
				return bc.Step("fail-x", func(context.Context) (any, error) {
					return nil, errors.New("x broke")
				}, &api.StepConfig{MaxRetries: -1})
			},
			"y": func(bc api.WorkflowContext) (any, error) {
				return bc.Step("fail-y", func(context.Context) (any, error) {
					return nil, errors.New("y broke")
				}, &api.StepConfig{MaxRetries: -1})
			},
		})
		return nil, err
	}

	res := pumpYield(t, ctx, driver, "race-3", wf, nil)
	if res.State != api.StateFailed {
		t.Fatalf("expected FAILED, got %q", res.State)
	}
	if res.Err == nil {
		t.Fatal("expected a race error")
	}
}

func TestRace_LoserObservesCancellationInLiveMode(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	loserCancelled := make(chan struct{})
	wf := func(c api.WorkflowContext, input any) (any, error) {
		winner, _, err := c.Race("pick", map[string]api.BranchFunc{
			"winner": func(bc api.WorkflowContext) (any, error) {
				return "won", nil
			},
			"loser": func(bc api.WorkflowContext) (any, error) {
				select {
				case <-bc.Context().Done():
					close(loserCancelled)
					return nil, context.Cause(bc.Context())
				case <-time.After(2 * time.Second):
					return "too slow", nil
				}
			},
		})
		if err != nil {
			return nil, err
		}
		return winner, nil
	}

	h, err := RunWorkflow(ctx, driver, "race-4", wf, nil, api.Options{Mode: api.ModeLive})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.State != api.StateCompleted || res.Output != "winner" {
		t.Fatalf("state=%q output=%v (err=%v)", res.State, res.Output, res.Err)
	}

	select {
	case <-loserCancelled:
	case <-time.After(time.Second):
		t.Fatal("loser branch never saw cancellation")
	}
}
