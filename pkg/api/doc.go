// Package api contains the core contract of the loom workflow engine: the
// history data model (entry kinds, statuses, messages), the primitive
// surface exposed to workflow functions (WorkflowContext), the host control
// surface (Handle), the pluggable persistence and scheduling backend
// (Driver), and the Observer used for logging and metrics.
//
// Most users interact with the top-level loom package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom drivers, or contributors extending the
// engine itself.
//
// # Determinism
//
// A workflow is an ordinary Go function calling primitives on its
// WorkflowContext. Each primitive call is correlated with a location in the
// execution tree, derived from the primitive's name and its position
// (sequence, loop iteration, join/race branch). Re-running the function
// against existing history must visit the same locations in the same
// relative order; completed entries short-circuit to their recorded result
// without re-executing side effects. Two rules follow:
//
//   - Names must be unique among siblings at the same tree level.
//   - Errors returned by primitives must be propagated unchanged; the
//     engine encodes suspensions ("asleep until", "waiting for message")
//     as errors flowing out of the workflow function.
//
// Structural code changes between versions are supported only through
// WorkflowContext.Removed, which acknowledges a historical entry whose
// originating code has been deleted.
//
// # Serialization
//
// Step outputs, loop state and message payloads are opaque values encoded
// with encoding/gob before they reach the Driver. Callers using custom
// struct types should register them with gob.Register.
package api
