package api

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

// WorkflowState is the lifecycle state of a workflow instance.
//
// Transitions are monotone along
// PENDING -> RUNNING -> {SLEEPING <-> RUNNING} -> {COMPLETED | FAILED | CANCELLED},
// with ROLLING_BACK reachable only from a failing run.
type WorkflowState string

const (
	StatePending     WorkflowState = "PENDING"
	StateRunning     WorkflowState = "RUNNING"
	StateSleeping    WorkflowState = "SLEEPING"
	StateCompleted   WorkflowState = "COMPLETED"
	StateFailed      WorkflowState = "FAILED"
	StateCancelled   WorkflowState = "CANCELLED"
	StateRollingBack WorkflowState = "ROLLING_BACK"
)

// Terminal reports whether s is a terminal state.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EntryStatus is the execution status of a single history entry.
// A status only moves forward, except EXHAUSTED -> PENDING via Handle.Recover.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryRunning   EntryStatus = "RUNNING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryFailed    EntryStatus = "FAILED"
	EntryExhausted EntryStatus = "EXHAUSTED"
)

// Entry kind names, used by WorkflowContext.Removed to acknowledge history
// entries whose originating code has been deleted.
const (
	KindStep       = "step"
	KindLoop       = "loop"
	KindSleep      = "sleep"
	KindMessage    = "message"
	KindCheckpoint = "rollback_checkpoint"
	KindJoin       = "join"
	KindRace       = "race"
	KindRemoved    = "removed"
)

// EntryKind is the closed union of history entry payloads. Every consumer
// switches exhaustively over the concrete types below; adding a kind is a
// compile-time-checked change.
type EntryKind interface {
	// KindName returns the stable name of the kind (KindStep, KindLoop, ...).
	KindName() string
}

// SleepState tracks what ended a sleep entry.
type SleepState string

const (
	SleepPending     SleepState = "PENDING"
	SleepCompleted   SleepState = "COMPLETED"
	SleepInterrupted SleepState = "INTERRUPTED"
)

// StepEntry records a step's outcome. Ephemeral steps are never persisted;
// after a restart they simply run again.
//
// HasRollback records that the step declared a compensation handler when it
// ran. Handlers themselves are code, not data: a step replayed inside an
// already-completed group never re-registers its handler, and the flag lets
// the rollback walk report the skipped compensation instead of losing it
// silently.
type StepEntry struct {
	Output      any
	Error       *WorkflowError
	Ephemeral   bool
	HasRollback bool
}

// LoopEntry carries a loop's running reduction. Iteration is the index of
// the next iteration to run, so a restarted loop resumes where it left off.
// Trimmed is the first iteration whose history has not been trimmed yet.
type LoopEntry struct {
	State     any
	Iteration int
	Output    any
	Trimmed   int
}

// SleepEntry records a timer. The deadline is fixed when the entry is first
// created, so replay observes the original wall-clock target.
type SleepEntry struct {
	Deadline time.Time
	State    SleepState
}

// MessageEntry records the messages a single listen call consumed, in
// arrival order. Want is how many messages the call asked for; Deadline, if
// non-zero, is the absolute point at which the call gives up and returns
// whatever has arrived.
type MessageEntry struct {
	Name     string
	Want     int
	Deadline time.Time
	Messages []Message
}

// CheckpointEntry bounds how far back rollback handlers run on failure.
type CheckpointEntry struct{}

// BranchStatus is the lifecycle state of one join/race branch.
type BranchStatus string

const (
	BranchPending   BranchStatus = "PENDING"
	BranchRunning   BranchStatus = "RUNNING"
	BranchCompleted BranchStatus = "COMPLETED"
	BranchFailed    BranchStatus = "FAILED"
	BranchCancelled BranchStatus = "CANCELLED"
)

// BranchResult is the recorded outcome of a single join/race branch.
type BranchResult struct {
	Status BranchStatus
	Output any
	Error  *WorkflowError
}

// JoinEntry records a join: all branches must complete.
type JoinEntry struct {
	Branches map[string]*BranchResult
}

// RaceEntry records a race: the first branch to complete wins and the
// losers are cancelled. The winner is stable across replays.
type RaceEntry struct {
	Branches map[string]*BranchResult
	Winner   string
}

// RemovedEntry replaces an entry whose originating code was deleted in a
// newer workflow version, preserving location-order compatibility.
type RemovedEntry struct {
	OriginalKind string
}

func (*StepEntry) KindName() string       { return KindStep }
func (*LoopEntry) KindName() string       { return KindLoop }
func (*SleepEntry) KindName() string      { return KindSleep }
func (*MessageEntry) KindName() string    { return KindMessage }
func (*CheckpointEntry) KindName() string { return KindCheckpoint }
func (*JoinEntry) KindName() string       { return KindJoin }
func (*RaceEntry) KindName() string       { return KindRace }
func (*RemovedEntry) KindName() string    { return KindRemoved }

// Entry is the externally visible view of one history entry, as returned by
// Handle.ListEntries. Location is the human-readable path of the entry in
// the execution tree, e.g. "checkout/charge" or "poll/#3/fetch".
type Entry struct {
	ID          string
	Location    string
	Kind        EntryKind
	Status      EntryStatus
	Attempts    int
	CreatedAt   time.Time
	CompletedAt time.Time

	// RollbackError holds the error message of a failed rollback handler,
	// if this entry's step was compensated and its handler failed.
	RollbackError string
	RolledBackAt  time.Time
}

// Message is the mailbox unit. ID doubles as the storage key and embeds a
// monotonic component so drivers list messages in arrival order.
type Message struct {
	ID     string
	Name   string
	Data   any
	SentAt time.Time
}

// WorkflowError is the structured, persistable form of a workflow failure.
// It survives host boundaries: a process that never ran the workflow can
// still inspect why it failed.
type WorkflowError struct {
	Name    string
	Message string
	Stack   string
	Meta    map[string]string
}

func (e *WorkflowError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// NewWorkflowError builds a WorkflowError from an arbitrary error,
// capturing the current stack. If err already is a WorkflowError it is
// returned unchanged so replays keep the original stack.
func NewWorkflowError(name string, err error) *WorkflowError {
	if we, ok := err.(*WorkflowError); ok {
		return we
	}
	return &WorkflowError{
		Name:    name,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// RaceError reports that every branch of a race failed. Causes maps branch
// name to that branch's failure.
type RaceError struct {
	Race   string
	Causes map[string]*WorkflowError
}

func (e *RaceError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for n := range e.Causes {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Causes[n].Message)
	}
	return fmt.Sprintf("race %q: all %d branches failed (%s)", e.Race, len(e.Causes), strings.Join(parts, "; "))
}

// JoinError reports that at least one branch of a join failed. Statuses
// records the final status of every branch; Causes the failures.
type JoinError struct {
	Join     string
	Statuses map[string]BranchStatus
	Causes   map[string]*WorkflowError
}

func (e *JoinError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for n := range e.Causes {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Causes[n].Message)
	}
	return fmt.Sprintf("join %q: %d of %d branches failed (%s)", e.Join, len(e.Causes), len(e.Statuses), strings.Join(parts, "; "))
}

// WorkflowResult is what a single engine invocation reports back to the
// host: either a terminal state with output/error, or a suspension with the
// wake conditions populated.
type WorkflowResult struct {
	State  WorkflowState
	Output any
	Err    *WorkflowError

	// SleepUntil is the earliest time the instance wants to be woken,
	// zero if it is not waiting on a timer.
	SleepUntil time.Time

	// WaitingForMessages lists the message names unresolved listen calls
	// are blocked on.
	WaitingForMessages []string
}

// Retry and timeout defaults for steps.
const (
	DefaultMaxRetries       = 3
	DefaultRetryBackoffBase = 100 * time.Millisecond
	DefaultRetryBackoffMax  = 30 * time.Second
	DefaultStepTimeout      = 30 * time.Second
)

// StepFunc is the body of a step. The context carries the step timeout and
// the instance's abort signal; bodies should observe it at safe points.
type StepFunc func(ctx context.Context) (any, error)

// RollbackFunc compensates a completed step when the workflow fails. It
// receives the step's recorded output. Rollback handlers must not schedule
// new workflow primitives.
type RollbackFunc func(ctx RollbackContext, output any) error

// StepConfig tunes a single step. Zero values take the package defaults;
// DisableTimeout turns the timeout off entirely. A nil *StepConfig is
// all-defaults.
type StepConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Negative means no retries.
	MaxRetries int

	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	Timeout        time.Duration
	DisableTimeout bool

	// Ephemeral steps skip output persistence; after a restart they run
	// again, so the body must be idempotent.
	Ephemeral bool

	// Rollback, if set, is invoked in reverse completion order when the
	// workflow fails.
	Rollback RollbackFunc
}

// Normalized returns a copy of c with defaults applied. Safe on nil.
func (c *StepConfig) Normalized() StepConfig {
	out := StepConfig{}
	if c != nil {
		out = *c
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryBackoffBase <= 0 {
		out.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if out.RetryBackoffMax <= 0 {
		out.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultStepTimeout
	}
	if out.DisableTimeout {
		out.Timeout = 0
	}
	return out
}

// LoopConfig tunes history retention for a loop. Every HistoryEvery
// iterations, iterations older than the last HistoryKeep are trimmed from
// history; the loop state itself carries the running reduction forward.
type LoopConfig struct {
	HistoryEvery int
	HistoryKeep  int
}

// DefaultLoopHistoryEvery is the trim cadence when LoopConfig leaves
// HistoryEvery zero and no engine-level commit interval is configured.
const DefaultLoopHistoryEvery = 20

// LoopControl is returned by a loop body to either continue with new state
// or break with a final value. Use ContinueLoop / BreakLoop.
type LoopControl struct {
	Break bool
	State any
	Value any
}

// ContinueLoop continues the loop with the given state.
func ContinueLoop(state any) (LoopControl, error) {
	return LoopControl{State: state}, nil
}

// BreakLoop terminates the loop with the given value.
func BreakLoop(value any) (LoopControl, error) {
	return LoopControl{Break: true, Value: value}, nil
}

// LoopFunc is the body of one loop iteration. ctx addresses the iteration's
// own location sub-tree, so primitives called inside it survive restarts
// independently of other iterations.
type LoopFunc func(ctx WorkflowContext, state any) (LoopControl, error)

// BranchFunc is the body of one join/race branch. ctx addresses the
// branch's own location sub-tree.
type BranchFunc func(ctx WorkflowContext) (any, error)

// WorkflowFunc is a workflow: an ordinary sequential function calling
// primitives on ctx. It must be deterministic with respect to the
// primitives it invokes; any error returned by a primitive must be
// propagated unchanged so the engine can interpret suspensions.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// WorkflowContext exposes the workflow primitives. All names passed to
// primitives must be unique among siblings at the same tree level; the
// name, together with the position in the tree, forms the replay key.
type WorkflowContext interface {
	// Context carries the instance's abort signal. Long-running user code
	// should observe it at safe points.
	Context() context.Context

	WorkflowID() string
	Input() any

	// Step runs the body at most once per history, with retries,
	// backoff and timeout per cfg.
	Step(name string, run StepFunc, cfg *StepConfig) (any, error)

	// Loop repeatedly invokes run until it breaks. Completed iterations
	// are not re-run after a restart.
	Loop(name string, run LoopFunc, initial any, cfg *LoopConfig) (any, error)

	// Sleep suspends the workflow for d. SleepUntil suspends it until an
	// absolute point in time.
	Sleep(name string, d time.Duration) error
	SleepUntil(name string, at time.Time) error

	// Listen consumes the next message with the given name, waiting
	// indefinitely. ListenN consumes n messages in arrival order.
	Listen(name string) (any, error)
	ListenN(name string, n int) ([]any, error)

	// The timeout/deadline variants return ok=false (respectively a
	// short slice) when the bound elapses first; a timeout is not an
	// error, so pollers need no special error handling.
	ListenWithTimeout(name string, timeout time.Duration) (any, bool, error)
	ListenUntil(name string, deadline time.Time) (any, bool, error)
	ListenNWithTimeout(name string, n int, timeout time.Duration) ([]any, error)
	ListenNUntil(name string, n int, deadline time.Time) ([]any, error)

	// Join runs branches concurrently and resolves once all complete,
	// returning branch-name -> output. If any branch fails the join
	// fails with a JoinError.
	Join(name string, branches map[string]BranchFunc) (map[string]any, error)

	// Race runs branches concurrently and resolves with the first
	// completion; losers are cancelled cooperatively. If every branch
	// fails, Race returns a RaceError.
	Race(name string, branches map[string]BranchFunc) (winner string, value any, err error)

	// RollbackCheckpoint bounds how far back rollback handlers run if
	// the workflow later fails.
	RollbackCheckpoint(name string) error

	// Removed acknowledges a historical entry whose code no longer
	// exists. originalKind is one of the Kind* constants.
	Removed(name string, originalKind string) error

	// IsEvicted reports whether an eviction was requested, for
	// cooperative early exit inside long loops. It never suspends.
	IsEvicted() bool
}

// RollbackContext is the restricted context handed to rollback handlers.
// It deliberately does not expose workflow primitives.
type RollbackContext interface {
	Context() context.Context
	WorkflowID() string
	IsEvicted() bool
}

// Handle is the host-side control surface for one workflow instance.
type Handle interface {
	WorkflowID() string

	// Result blocks until the current run completes or yields.
	Result(ctx context.Context) (*WorkflowResult, error)

	// Message persists a message for the instance's mailbox. In live
	// mode it also wakes a waiting listen.
	Message(ctx context.Context, name string, data any) error

	// Wake forces an immediate re-invocation (yield mode) or nudges the
	// in-process waits (live mode) and returns the resulting state.
	Wake(ctx context.Context) (*WorkflowResult, error)

	// Recover resets exhausted step metadata and re-runs a failed
	// instance. It is the only path out of EXHAUSTED.
	Recover(ctx context.Context) (*WorkflowResult, error)

	// Evict cooperatively stops the instance without failing it; the
	// run flushes state and Result resolves. Resumable via Wake.
	Evict(ctx context.Context) error

	// Cancel permanently terminates the instance and clears its alarm.
	Cancel(ctx context.Context) error

	Output(ctx context.Context) (any, error)
	State(ctx context.Context) (WorkflowState, error)

	// ListEntries returns the instance's history in creation order, for
	// debugging and audit.
	ListEntries(ctx context.Context) ([]Entry, error)
}

// RunMode selects how an engine invocation treats suspension points.
type RunMode string

const (
	// ModeYield returns control to the host at the first suspension
	// point. The host re-invokes via Wake when an alarm fires or a
	// message arrives.
	ModeYield RunMode = "yield"

	// ModeLive keeps timers and message waits running in-process and
	// resolves Result only on true completion or eviction.
	ModeLive RunMode = "live"
)

// Options configures RunWorkflow. The zero value is yield mode with no
// observer.
type Options struct {
	Mode     RunMode
	Observer Observer

	// CommitInterval is the default loop trim cadence when a LoopConfig
	// leaves HistoryEvery unset. Zero means DefaultLoopHistoryEvery.
	CommitInterval int
}
