package engine

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func TestSleep_YieldModeSuspendsWithAlarm(t *testing.T) {
	for name, factory := range allDrivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			driver := factory(t)

			wake := time.Now().Add(30 * time.Millisecond)
			wf := func(c api.WorkflowContext, input any) (any, error) {
				if err := c.SleepUntil("until", wake); err != nil {
					return nil, err
				}
				return "woke", nil
			}

			res := startYield(t, ctx, driver, "sleep-1", wf, nil)
			if res.State != api.StateSleeping {
				t.Fatalf("expected SLEEPING, got %q", res.State)
			}
			if !res.SleepUntil.Equal(wake) {
				t.Fatalf("SleepUntil = %v, want %v", res.SleepUntil, wake)
			}

			// The alarm must be in the driver, due once the deadline passes.
			due, err := driver.DueAlarms(ctx, wake.Add(time.Millisecond))
			if err != nil {
				t.Fatalf("DueAlarms failed: %v", err)
			}
			if len(due) != 1 || due[0] != "sleep-1" {
				t.Fatalf("unexpected due alarms: %v", due)
			}

			time.Sleep(time.Until(wake))
			res = startYield(t, ctx, driver, "sleep-1", wf, nil)
			if res.State != api.StateCompleted || res.Output != "woke" {
				t.Fatalf("after wake: state=%q output=%v", res.State, res.Output)
			}
		})
	}
}

func TestSleep_DeadlineFixedAtFirstRun(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Sleep("nap", 25*time.Millisecond); err != nil {
			return nil, err
		}
		return time.Now(), nil
	}

	first := startYield(t, ctx, driver, "sleep-2", wf, nil)
	if first.State != api.StateSleeping {
		t.Fatalf("expected SLEEPING, got %q", first.State)
	}
	deadline := first.SleepUntil

	// A premature wake must re-suspend with the original deadline, not
	// push it out by another 25ms.
	second := startYield(t, ctx, driver, "sleep-2", wf, nil)
	if second.State != api.StateSleeping {
		t.Fatalf("expected still SLEEPING, got %q", second.State)
	}
	if !second.SleepUntil.Equal(deadline) {
		t.Fatalf("deadline drifted: %v -> %v", deadline, second.SleepUntil)
	}

	res := pumpYield(t, ctx, driver, "sleep-2", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.State)
	}
}

func TestSleep_LiveModeBlocksInProcess(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	start := time.Now()
	wf := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Sleep("nap", 20*time.Millisecond); err != nil {
			return nil, err
		}
		return "done", nil
	}

	h, err := RunWorkflow(ctx, driver, "sleep-live", wf, nil, api.Options{Mode: api.ModeLive})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q (err=%v)", res.State, res.Err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("live sleep returned after %v, want >= 20ms", elapsed)
	}
}

func TestSleep_CompletedTimerClearsAlarm(t *testing.T) {
	ctx := context.Background()
	driver := memoryDriver(t)

	wf := func(c api.WorkflowContext, input any) (any, error) {
		if err := c.Sleep("nap", 10*time.Millisecond); err != nil {
			return nil, err
		}
		return "ok", nil
	}

	res := pumpYield(t, ctx, driver, "sleep-3", wf, nil)
	if res.State != api.StateCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.State)
	}

	due, err := driver.DueAlarms(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DueAlarms failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no residual alarms, got %v", due)
	}
}
