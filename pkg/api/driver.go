package api

import (
	"context"
	"time"
)

// KV is one key/value pair returned by Driver.List.
type KV struct {
	Key   []byte
	Value []byte
}

// BatchOp is one operation in an atomic Driver.Batch. When Delete is true
// the key is removed and Value is ignored.
type BatchOp struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Driver is the pluggable persistence and scheduling backend the engine
// depends on. Implementations must be safe for concurrent use from
// independent workflow instances.
//
// Keys are byte strings built from deterministic prefixes; List must return
// pairs in ascending lexicographic key order. Batch must apply all
// operations atomically, so a crash can never expose a step's output
// without its metadata.
//
// ClearAlarm is best-effort with respect to a racing alarm fire: a worker
// may still observe the alarm as due. Callers tolerate this — waking a
// terminal workflow is a no-op.
type Driver interface {
	// Get returns the value for key, or nil and no error if absent.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	DeletePrefix(ctx context.Context, prefix []byte) error
	List(ctx context.Context, prefix []byte) ([]KV, error)
	Batch(ctx context.Context, ops []BatchOp) error

	// SetAlarm arranges for the workflow to appear in DueAlarms once
	// wakeAt has passed. A workflow has at most one alarm; setting a new
	// one replaces the old.
	SetAlarm(ctx context.Context, workflowID string, wakeAt time.Time) error
	ClearAlarm(ctx context.Context, workflowID string) error

	// DueAlarms returns the workflows whose alarm deadline is at or
	// before now, clearing them so they fire once.
	DueAlarms(ctx context.Context, now time.Time) ([]string, error)

	// WorkerPollInterval is how often a host without push-based alarms
	// should poll DueAlarms.
	WorkerPollInterval() time.Duration

	// LoadMessages returns the pending messages for a workflow in
	// arrival order.
	LoadMessages(ctx context.Context, workflowID string) ([]Message, error)
	AddMessage(ctx context.Context, workflowID string, msg Message) error

	// DeleteMessages removes the given messages and returns the subset
	// actually removed, so callers can detect races with concurrent
	// delivery.
	DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error)
}
