// Package worker provides the background alarm poller that drives
// suspended loom workflows forward.
//
// In yield mode a workflow invocation returns to the host as soon as it
// hits a sleep, a retry backoff or an unresolved message wait, leaving an
// alarm in the driver for the earliest time it wants to run again. Someone
// has to notice that the alarm is due and wake the instance; that is the
// worker's job.
//
// # Responsibilities
//
//   - Polling the driver's DueAlarms at the driver's suggested interval
//   - Waking the registered handle for each due workflow
//   - Logging alarms that fire for workflows no host has registered
//
// Workers are long-lived components that typically run in dedicated
// goroutines. Multiple workers can poll the same driver: DueAlarms clears
// the alarms it returns, so each alarm fires once, and waking a workflow
// that has nothing to do is a no-op.
//
// # Integration
//
// The worker is decoupled from any particular backend; it only sees the
// api.Driver alarm surface and api.Handle. Hosts register handles after
// starting their workflows:
//
//	w := worker.New(driver)
//	w.Register(handle)
//	w.Start(ctx)
//	defer w.Stop()
//
// The loom package's LocalRunner wires a memory driver and a worker
// together for tests and single-process use.
package worker
