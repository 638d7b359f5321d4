package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func TestReplay_StepRunsAtMostOnce(t *testing.T) {
	for name, factory := range allDrivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			driver := factory(t)

			var calls int32
			wf := func(c api.WorkflowContext, input any) (any, error) {
				out, err := c.Step("once", func(context.Context) (any, error) {
					atomic.AddInt32(&calls, 1)
					return "first", nil
				}, nil)
				if err != nil {
					return nil, err
				}
				if err := c.Sleep("nap", 20*time.Millisecond); err != nil {
					return nil, err
				}
				return out, nil
			}

			res := pumpYield(t, ctx, driver, "amo-1", wf, nil)
			if res.State != api.StateCompleted {
				t.Fatalf("expected COMPLETED, got %q (err=%v)", res.State, res.Err)
			}
			if res.Output != "first" {
				t.Fatalf("unexpected output: %v", res.Output)
			}
			// The sleep forced at least one replay invocation; the step
			// body must still only have run once.
			if got := atomic.LoadInt32(&calls); got != 1 {
				t.Fatalf("expected 1 step call, got %d", got)
			}
		})
	}
}

func TestReplay_CompletedWorkflowIsStable(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	var calls int32
	wf := func(c api.WorkflowContext, input any) (any, error) {
		return c.Step("compute", func(context.Context) (any, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		}, nil)
	}

	res := startYield(t, ctx, driver, "stable-1", wf, nil)
	if res.State != api.StateCompleted || res.Output != 1 {
		t.Fatalf("first run: state=%q output=%v", res.State, res.Output)
	}

	// Re-running the finished instance must not invoke anything.
	res = startYield(t, ctx, driver, "stable-1", wf, nil)
	if res.State != api.StateCompleted || res.Output != 1 {
		t.Fatalf("second run: state=%q output=%v", res.State, res.Output)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestReplay_EphemeralStepRunsAgainAfterRestart(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	var calls int32
	wf := func(c api.WorkflowContext, input any) (any, error) {
		n, err := c.Step("sample", func(context.Context) (any, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		}, &api.StepConfig{Ephemeral: true})
		if err != nil {
			return nil, err
		}
		if err := c.Sleep("nap", 20*time.Millisecond); err != nil {
			return nil, err
		}
		return n, nil
	}

	res := pumpYield(t, ctx, driver, "eph-1", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.State)
	}
	// Each cold restart re-runs the ephemeral step.
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected ephemeral step to run on every invocation, got %d calls", got)
	}
}

func TestRunWorkflow_RejectsSlashInWorkflowID(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		return "ok", nil
	}

	// "a/hist" would shadow the entry namespace of a workflow named "a".
	if _, err := RunWorkflow(ctx, driver, "a/hist", wf, nil, api.Options{}); err == nil {
		t.Fatal("expected RunWorkflow to reject an ID containing '/'")
	}
	if _, err := RunWorkflow(ctx, driver, "a", wf, nil, api.Options{}); err != nil {
		t.Fatalf("plain ID rejected: %v", err)
	}
}

func TestReplay_DuplicateSiblingNamesFailTheRun(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if _, err := c.Step("same", func(context.Context) (any, error) { return 1, nil }, nil); err != nil {
			return nil, err
		}
		return c.Step("same", func(context.Context) (any, error) { return 2, nil }, nil)
	}

	res := startYield(t, ctx, driver, "dup-1", wf, nil)
	if res.State != api.StateFailed {
		t.Fatalf("expected FAILED, got %q", res.State)
	}
	if res.Err == nil {
		t.Fatalf("expected an error describing the duplicate name")
	}
}

func TestReplay_InputAndIDExposed(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if c.WorkflowID() != "ids-1" {
			t.Errorf("WorkflowID = %q", c.WorkflowID())
		}
		if c.Input() != "payload" {
			t.Errorf("Input = %v", c.Input())
		}
		return input, nil
	}

	res := startYield(t, ctx, driver, "ids-1", wf, "payload")
	if res.State != api.StateCompleted || res.Output != "payload" {
		t.Fatalf("state=%q output=%v", res.State, res.Output)
	}
}
