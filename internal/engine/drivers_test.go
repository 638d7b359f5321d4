package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/pkg/api"
)

type driverFactory func(t *testing.T) api.Driver

func memoryDriver(t *testing.T) api.Driver {
	t.Helper()
	return persistence.NewMemoryDriver()
}

func sqliteDriver(t *testing.T) api.Driver {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	d, err := persistence.NewSQLiteDriver(db)
	if err != nil {
		t.Fatalf("NewSQLiteDriver failed: %v", err)
	}
	return d
}

func allDrivers() map[string]driverFactory {
	return map[string]driverFactory{
		"in-memory": memoryDriver,
		"sqlite":    sqliteDriver,
	}
}

// hookDriver wraps a Driver with call hooks for fault injection and call
// accounting.
type hookDriver struct {
	api.Driver

	// onBatch runs before the wrapped Batch; a non-nil return fails the
	// flush without touching the underlying driver.
	onBatch func(ops []api.BatchOp) error

	// onDeletePrefix runs before every DeletePrefix.
	onDeletePrefix func(prefix []byte)
}

func (d *hookDriver) Batch(ctx context.Context, ops []api.BatchOp) error {
	if d.onBatch != nil {
		if err := d.onBatch(ops); err != nil {
			return err
		}
	}
	return d.Driver.Batch(ctx, ops)
}

func (d *hookDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	if d.onDeletePrefix != nil {
		d.onDeletePrefix(prefix)
	}
	return d.Driver.DeletePrefix(ctx, prefix)
}

// startYield runs the workflow in yield mode and waits for the invocation
// to settle.
func startYield(t *testing.T, ctx context.Context, driver api.Driver, id string, fn api.WorkflowFunc, input any) *api.WorkflowResult {
	t.Helper()

	h, err := RunWorkflow(ctx, driver, id, fn, input, api.Options{})
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	return res
}

// pumpYield drives a yield-mode workflow to a settled state, starting a
// fresh runtime for every wake so each round exercises a cold reload of
// the journal, exactly like a process restart.
func pumpYield(t *testing.T, ctx context.Context, driver api.Driver, id string, fn api.WorkflowFunc, input any) *api.WorkflowResult {
	t.Helper()

	for i := 0; i < 50; i++ {
		res := startYield(t, ctx, driver, id, fn, input)
		if res.State != api.StateSleeping {
			return res
		}
		if !res.SleepUntil.IsZero() {
			if d := time.Until(res.SleepUntil); d > 0 {
				if d > 2*time.Second {
					t.Fatalf("workflow wants to sleep %v; test deadlines must stay short", d)
				}
				time.Sleep(d)
			}
			continue
		}
		t.Fatalf("workflow is waiting for messages %v with no timer; nothing will wake it", res.WaitingForMessages)
	}
	t.Fatalf("workflow %q did not settle after 50 wakes", id)
	return nil
}
