package reflow

import "context"

// Extension hooks into resolve, update, and execution operations.
// Extensions registered on a scope form an ordered pipeline: the first
// registered (lowest Order) is outermost, and its Wrap sees every other
// extension plus the base operation as its continuation.
type Extension interface {
	// Name identifies the extension in logs and errors.
	Name() string

	// Order decides pipeline position; lower is outermore.
	Order() int

	// Init runs when the extension is registered to a scope.
	Init(scope *Scope) error

	// Wrap intercepts an operation. It must call next or deliberately
	// substitute a result; silently dropping the operation is a bug.
	Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error)

	// OnError observes an operation failure after the pipeline unwinds.
	OnError(err error, op *Operation, scope *Scope)

	// OnCleanupError may claim a cleanup failure. Returning true stops
	// the scope from logging it.
	OnCleanupError(err *CleanupError) bool

	// Flow lifecycle hooks.
	OnFlowStart(execCtx *ExecutionCtx, flow AnyFlow) error
	OnFlowEnd(execCtx *ExecutionCtx, result any, err error) error
	OnFlowPanic(execCtx *ExecutionCtx, recovered any, stack []byte) error

	// Dispose runs when the scope is disposed.
	Dispose(scope *Scope) error
}

// BaseExtension supplies no-op defaults; embed it and override what you
// need.
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a BaseExtension with the given name.
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string         { return e.name }
func (e *BaseExtension) Order() int           { return 100 }
func (e *BaseExtension) Init(*Scope) error    { return nil }
func (e *BaseExtension) Dispose(*Scope) error { return nil }

func (e *BaseExtension) OnError(error, *Operation, *Scope) {}

func (e *BaseExtension) Wrap(_ context.Context, next func() (any, error), _ *Operation) (any, error) {
	return next()
}

func (e *BaseExtension) OnCleanupError(*CleanupError) bool { return false }

func (e *BaseExtension) OnFlowStart(*ExecutionCtx, AnyFlow) error     { return nil }
func (e *BaseExtension) OnFlowEnd(*ExecutionCtx, any, error) error    { return nil }
func (e *BaseExtension) OnFlowPanic(*ExecutionCtx, any, []byte) error { return nil }

// OperationKind tags what the pipeline is wrapping.
type OperationKind string

const (
	// OpResolve is an executor resolution (first run or invalidation re-run).
	OpResolve OperationKind = "resolve"
	// OpUpdate is a direct value push into an executor.
	OpUpdate OperationKind = "update"
	// OpExecution is a flow, function, or parallel-group execution.
	OpExecution OperationKind = "execution"
)

// ExecTarget distinguishes what an execution operation runs.
type ExecTarget string

const (
	TargetFlow     ExecTarget = "flow"
	TargetFunction ExecTarget = "function"
	TargetParallel ExecTarget = "parallel"
)

// Operation describes the unit the extension pipeline is wrapping.
// Executor is set for resolve/update operations; Target, Name,
// JournalKey and Exec are set for execution operations.
type Operation struct {
	Kind       OperationKind
	Scope      *Scope
	Executor   AnyExecutor
	Target     ExecTarget
	Name       string
	JournalKey string
	Exec       *ExecutionCtx
}

// OperationName returns the executor or flow name the operation acts on.
func (op *Operation) OperationName() string {
	if op.Executor != nil {
		return op.Executor.Name()
	}
	return op.Name
}

// wrapPipeline composes the scope's extensions around base, first
// registered outermost.
func wrapPipeline(ctx context.Context, exts []Extension, op *Operation, base func() (any, error)) (any, error) {
	next := base
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		inner := next
		next = func() (any, error) {
			return ext.Wrap(ctx, inner, op)
		}
	}
	result, err := next()
	if err != nil {
		for _, ext := range exts {
			ext.OnError(err, op, op.Scope)
		}
	}
	return result, err
}
