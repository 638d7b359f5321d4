// Package loom provides a lightweight, embeddable durable-workflow engine
// for Go.
//
// Loom is designed for backend services that need reliable long-lived
// operations — multi-step orders, saga-style compensation, scheduled
// follow-ups, human-in-the-loop approvals — without introducing external
// orchestration infrastructure. A workflow is an ordinary Go function; loom
// makes it survive process restarts by journaling every effect it performs
// and replaying the journal instead of the effects when the function runs
// again.
//
// # Core Concepts
//
//  1. Workflow functions and primitives
//  2. Locations and replay
//  3. Driver
//  4. Handle
//  5. Worker and LocalRunner
//
// # Workflow functions and primitives
//
// A workflow is a WorkflowFunc calling primitives on its WorkflowContext:
//
//	func orderWorkflow(ctx loom.WorkflowContext, input any) (any, error) {
//		payment, err := ctx.Step("charge", chargeCard, loom.Retry(3).Config())
//		if err != nil {
//			return nil, err
//		}
//		if err := ctx.Sleep("cooldown", 24*time.Hour); err != nil {
//			return nil, err
//		}
//		approval, err := ctx.Listen("approve")
//		...
//	}
//
// Steps run at most once per history and their outputs are recorded; sleeps
// and listens suspend the workflow without holding a goroutine hostage
// (yield mode) or block in-process (live mode). Loops, joins and races
// compose the same way. Errors returned by primitives must be propagated
// unchanged — they carry the engine's control flow.
//
// # Locations and replay
//
// Every primitive call is addressed by its location: the path of names from
// the workflow root, extended per loop iteration and per branch. When a
// workflow function runs over existing history, a primitive whose location
// already has a completed entry returns the recorded result immediately.
// Determinism therefore only requires stable names — sibling primitives
// must use distinct names, and the same call sites must be reached in the
// same order given the same history.
//
// # Driver
//
// All durable state lives behind the Driver interface: an ordered key-value
// store with atomic batches, one wake-up alarm per workflow, and a message
// mailbox. Included drivers:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//   - MongoDB
//
// # Handle
//
// RunWorkflow returns a Handle, the host's control surface for one
// instance: Result, Message, Wake, Evict (cooperative unload), Cancel
// (terminal), Recover (after retry exhaustion), plus state and history
// accessors.
//
// # Worker and LocalRunner
//
// In yield mode a suspended workflow leaves an alarm in the driver; the
// worker package polls for due alarms and wakes the matching handles.
// LocalRunner bundles a memory driver and a worker for single-process use.
package loom
