package loom

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/loom/internal/engine"
	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowContext = api.WorkflowContext
	RollbackContext = api.RollbackContext
	Handle          = api.Handle
	Driver          = api.Driver
	Options         = api.Options
	RunMode         = api.RunMode
	WorkflowState   = api.WorkflowState
	WorkflowResult  = api.WorkflowResult
	WorkflowError   = api.WorkflowError
	WorkflowFunc    = api.WorkflowFunc
	StepFunc        = api.StepFunc
	RollbackFunc    = api.RollbackFunc
	BranchFunc      = api.BranchFunc
	LoopFunc        = api.LoopFunc
	LoopControl     = api.LoopControl
	StepConfig      = api.StepConfig
	LoopConfig      = api.LoopConfig
	Entry           = api.Entry
	Message         = api.Message
	RaceError       = api.RaceError
	JoinError       = api.JoinError

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
)

// Re-export common observer helpers and loop controls.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ContinueLoop         = api.ContinueLoop
	BreakLoop            = api.BreakLoop
)

// Re-export run modes and workflow states for convenience.

const (
	ModeYield = api.ModeYield
	ModeLive  = api.ModeLive

	StatePending     = api.StatePending
	StateRunning     = api.StateRunning
	StateSleeping    = api.StateSleeping
	StateCompleted   = api.StateCompleted
	StateFailed      = api.StateFailed
	StateCancelled   = api.StateCancelled
	StateRollingBack = api.StateRollingBack
)

// Driver constructors
// These wrap the internal/persistence package so external callers never
// need to import internal packages.

// NewMemoryDriver returns a Driver backed entirely by in-memory maps.
func NewMemoryDriver() Driver {
	return persistence.NewMemoryDriver()
}

// NewSQLiteDriver returns a Driver that persists workflow state in a
// SQLite database, creating its tables if needed.
func NewSQLiteDriver(db *sql.DB) (Driver, error) {
	return persistence.NewSQLiteDriver(db)
}

// NewRedisDriver returns a Driver that persists workflow state in Redis.
// All keys are namespaced under the given prefix.
func NewRedisDriver(client *redis.Client, prefix string) Driver {
	return persistence.NewRedisDriver(client, prefix)
}

// NewMongoDriver returns a Driver that persists workflow state in the
// given MongoDB database.
func NewMongoDriver(client *mongo.Client, dbName string) Driver {
	return persistence.NewMongoDriver(client, dbName)
}

// RunWorkflow loads the instance's durable state from the driver and, if
// the workflow is not already finished, starts an invocation of fn over
// it. The returned handle is the host's control surface for the instance.
//
// workflowID is the durable identity: calling RunWorkflow again with the
// same driver and ID resumes the same instance. IDs must not be empty and
// must not contain '/', which separates storage key segments.
func RunWorkflow(ctx context.Context, driver Driver, workflowID string, fn WorkflowFunc, input any, opts Options) (Handle, error) {
	return engine.RunWorkflow(ctx, driver, workflowID, fn, input, opts)
}
