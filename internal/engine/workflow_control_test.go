package engine

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func TestCancel_SleepingWorkflowIsTerminal(t *testing.T) {
	for name, factory := range allDrivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			driver := factory(t)

			wf := func(c api.WorkflowContext, input any) (any, error) {
				if err := c.Sleep("long", time.Hour); err != nil {
					return nil, err
				}
				return "never", nil
			}

			h, err := RunWorkflow(ctx, driver, "cancel-1", wf, nil, api.Options{})
			if err != nil {
				t.Fatalf("RunWorkflow failed: %v", err)
			}
			res, err := h.Result(ctx)
			if err != nil {
				t.Fatalf("Result failed: %v", err)
			}
			if res.State != api.StateSleeping {
				t.Fatalf("expected SLEEPING, got %q", res.State)
			}

			if err := h.Cancel(ctx); err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}
			state, err := h.State(ctx)
			if err != nil {
				t.Fatalf("State failed: %v", err)
			}
			if state != api.StateCancelled {
				t.Fatalf("expected CANCELLED, got %q", state)
			}

			// The pending sleep is marked interrupted and its alarm gone.
			entries, err := h.ListEntries(ctx)
			if err != nil {
				t.Fatalf("ListEntries failed: %v", err)
			}
			var slept *api.SleepEntry
			for _, e := range entries {
				if se, ok := e.Kind.(*api.SleepEntry); ok {
					slept = se
				}
			}
			if slept == nil {
				t.Fatal("sleep entry missing")
			}
			if slept.State != api.SleepInterrupted {
				t.Fatalf("sleep state = %q, want INTERRUPTED", slept.State)
			}
			due, err := driver.DueAlarms(ctx, time.Now().Add(2*time.Hour))
			if err != nil {
				t.Fatalf("DueAlarms failed: %v", err)
			}
			if len(due) != 0 {
				t.Fatalf("expected cleared alarm, got %v", due)
			}

			// A cancelled instance never runs again.
			res = startYield(t, ctx, driver, "cancel-1", wf, nil)
			if res.State != api.StateCancelled {
				t.Fatalf("after reload: %q", res.State)
			}
		})
	}
}

func TestCancel_LiveModeInterruptsRunningWait(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Sleep("long", time.Hour); err != nil {
			return nil, err
		}
		return "never", nil
	}

	h, err := RunWorkflow(ctx, driver, "cancel-2", wf, nil, api.Options{Mode: api.ModeLive})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := h.Cancel(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.State != api.StateCancelled {
		t.Fatalf("expected CANCELLED, got %q", res.State)
	}
}

func TestEvict_SuspendsWithoutTerminating(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if _, err := c.Step("prep", func(context.Context) (any, error) { return "p", nil }, nil); err != nil {
			return nil, err
		}
		if err := c.Sleep("pause", 30*time.Millisecond); err != nil {
			return nil, err
		}
		return "resumed", nil
	}

	h, err := RunWorkflow(ctx, driver, "evict-1", wf, nil, api.Options{Mode: api.ModeLive})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := h.Evict(ctx); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.State != api.StateSleeping {
		t.Fatalf("expected SLEEPING after evict, got %q (err=%v)", res.State, res.Err)
	}

	// The instance resumes from the journal and completes.
	time.Sleep(30 * time.Millisecond)
	res = pumpYield(t, ctx, driver, "evict-1", wf, nil)
	if res.State != api.StateCompleted || res.Output != "resumed" {
		t.Fatalf("state=%q output=%v", res.State, res.Output)
	}
}

func TestEvict_IdleHandleIsNoop(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) { return "ok", nil }

	res := startYield(t, ctx, driver, "evict-2", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.State)
	}

	h, err := RunWorkflow(ctx, driver, "evict-2", wf, nil, api.Options{})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if err := h.Evict(ctx); err != nil {
		t.Fatalf("Evict on settled instance failed: %v", err)
	}
}

func TestRemoved_AcknowledgesDeletedStep(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	v1 := func(c api.WorkflowContext, input any) (any, error) {
		if _, err := c.Step("legacy", func(context.Context) (any, error) { return "old", nil }, nil); err != nil {
			return nil, err
		}
		return c.Listen("go")
	}

	res := startYield(t, ctx, driver, "removed-1", v1, nil)
	if res.State != api.StateSleeping {
		t.Fatalf("expected SLEEPING, got %q", res.State)
	}

	// v2 deleted the legacy step but acknowledges its history entry.
	v2 := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Removed("legacy", api.KindStep); err != nil {
			return nil, err
		}
		return c.Listen("go")
	}

	h, err := RunWorkflow(ctx, driver, "removed-1", v2, nil, api.Options{})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if _, err := h.Result(ctx); err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if err := h.Message(ctx, "go", "now"); err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	res2, err := h.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	if res2.State != api.StateCompleted || res2.Output != "now" {
		t.Fatalf("state=%q output=%v (err=%v)", res2.State, res2.Output, res2.Err)
	}

	entries, err := h.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	var removed *api.RemovedEntry
	for _, e := range entries {
		if re, ok := e.Kind.(*api.RemovedEntry); ok {
			removed = re
		}
	}
	if removed == nil {
		t.Fatal("removed entry missing")
	}
	if removed.OriginalKind != api.KindStep {
		t.Fatalf("OriginalKind = %q", removed.OriginalKind)
	}
}

func TestRemoved_KindMismatchFailsTheRun(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	v1 := func(c api.WorkflowContext, input any) (any, error) {
		if _, err := c.Step("thing", func(context.Context) (any, error) { return 1, nil }, nil); err != nil {
			return nil, err
		}
		return c.Listen("go")
	}
	if res := startYield(t, ctx, driver, "removed-2", v1, nil); res.State != api.StateSleeping {
		t.Fatalf("setup failed: %q", res.State)
	}

	v2 := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Removed("thing", api.KindSleep); err != nil {
			return nil, err
		}
		return c.Listen("go")
	}
	res := startYield(t, ctx, driver, "removed-2", v2, nil)
	if res.State != api.StateFailed {
		t.Fatalf("expected FAILED on kind mismatch, got %q", res.State)
	}
}

func TestEvicted_FlagVisibleToUserCode(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	observed := make(chan bool, 1)
	started := make(chan struct{})
	wf := func(c api.WorkflowContext, input any) (any, error) {
		_, err := c.Step("watch", func(sctx context.Context) (any, error) {
			close(started)
			<-sctx.Done()
			observed <- c.IsEvicted()
			return nil, sctx.Err()
		}, &api.StepConfig{MaxRetries: -1, DisableTimeout: true})
		return nil, err
	}

	h, err := RunWorkflow(ctx, driver, "evict-flag", wf, nil, api.Options{Mode: api.ModeLive})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	<-started
	if err := h.Evict(ctx); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}

	select {
	case saw := <-observed:
		if !saw {
			t.Fatal("step body did not observe the evicted flag")
		}
	case <-time.After(time.Second):
		t.Fatal("step body never unblocked")
	}
}
