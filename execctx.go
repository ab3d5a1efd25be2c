package reflow

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ExecutionCtx is the per-invocation state of a flow or function call:
// nesting depth, abort linkage to the parent, the shared replay journal,
// and a tag store layered over the parent's. It is torn down (cleanups
// run in reverse registration order) when the owning operation settles.
type ExecutionCtx struct {
	id      string
	scope   *Scope
	parent  *ExecutionCtx
	depth   int
	ctx     context.Context
	cancel  context.CancelCauseFunc
	journal *Journal

	mu       sync.Mutex
	data     map[any]any
	cleanups []func() error
	closed   bool
}

// NewExecutionCtx creates a root execution context. Its journal is the
// context generation: every nested keyed exec below it records and
// replays against this journal.
func NewExecutionCtx(s *Scope, ctx context.Context) *ExecutionCtx {
	cctx, cancel := context.WithCancelCause(ctx)
	return &ExecutionCtx{
		id:      uuid.NewString(),
		scope:   s,
		ctx:     cctx,
		cancel:  cancel,
		journal: newJournal(),
		data:    make(map[any]any),
	}
}

// newChild derives a nested context: depth parent+1, abort linked to the
// given base context, journal shared with the root.
func (e *ExecutionCtx) newChild(base context.Context) *ExecutionCtx {
	cctx, cancel := context.WithCancelCause(base)
	return &ExecutionCtx{
		id:      uuid.NewString(),
		scope:   e.scope,
		parent:  e,
		depth:   e.depth + 1,
		ctx:     cctx,
		cancel:  cancel,
		journal: e.journal,
		data:    make(map[any]any),
	}
}

func (e *ExecutionCtx) ID() string               { return e.id }
func (e *ExecutionCtx) Depth() int               { return e.depth }
func (e *ExecutionCtx) Scope() *Scope            { return e.scope }
func (e *ExecutionCtx) Parent() *ExecutionCtx    { return e.parent }
func (e *ExecutionCtx) Context() context.Context { return e.ctx }
func (e *ExecutionCtx) Journal() *Journal        { return e.journal }

// SetTag writes a value into this context's own store.
func (e *ExecutionCtx) SetTag(tag any, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[tag] = value
}

// GetTag reads from this context's own store only.
func (e *ExecutionCtx) GetTag(tag any) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[tag]
	return v, ok
}

// GetFromParent walks the parent chain.
func (e *ExecutionCtx) GetFromParent(tag any) (any, bool) {
	for cur := e.parent; cur != nil; cur = cur.parent {
		if v, ok := cur.GetTag(tag); ok {
			return v, true
		}
	}
	return nil, false
}

// GetFromScope reads from the owning scope.
func (e *ExecutionCtx) GetFromScope(tag any) (any, bool) {
	return e.scope.GetTag(tag)
}

// Lookup reads through the layered stores: self, parents, then scope.
func (e *ExecutionCtx) Lookup(tag any) (any, bool) {
	if v, ok := e.GetTag(tag); ok {
		return v, true
	}
	if v, ok := e.GetFromParent(tag); ok {
		return v, true
	}
	return e.GetFromScope(tag)
}

// OnCleanup registers a teardown callback for this context.
func (e *ExecutionCtx) OnCleanup(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups = append(e.cleanups, fn)
}

// Abort cancels this context and every descendant immediately. Pending
// execs reject with an AbortError carrying the cause; settled operations
// are unaffected.
func (e *ExecutionCtx) Abort(cause error) {
	e.cancel(&AbortError{Cause: cause})
}

// Close tears the context down: cleanups run in reverse registration
// order and further execs against it fail with a closed-context error.
func (e *ExecutionCtx) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *ExecutionCtx) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type execConfig struct {
	key     string
	timeout time.Duration
	retries uint64
	tags    []func(*ExecutionCtx)
}

// ExecOption configures one exec call.
type ExecOption func(*execConfig)

// WithKey journals the call: a later call with the same derived key in
// the same context generation replays the stored result instead of
// re-invoking.
func WithKey(key string) ExecOption {
	return func(cfg *execConfig) { cfg.key = key }
}

// WithTimeout schedules an abort of the call's context after d unless it
// settles first.
func WithTimeout(d time.Duration) ExecOption {
	return func(cfg *execConfig) { cfg.timeout = d }
}

// WithRetry retries a failed handler up to n additional attempts with
// exponential backoff. Aborts and validation failures are not retried.
func WithRetry(n int) ExecOption {
	return func(cfg *execConfig) {
		if n > 0 {
			cfg.retries = uint64(n)
		}
	}
}

// WithCallTag overrides a tag for this call's context only.
func WithCallTag[T any](tag Tag[T], val T) ExecOption {
	return func(cfg *execConfig) {
		cfg.tags = append(cfg.tags, func(e *ExecutionCtx) { tag.Set(e, val) })
	}
}

func buildExecConfig(opts []ExecOption) *execConfig {
	cfg := &execConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Exec runs a flow in a fresh root execution context and returns the
// result together with the finalized context.
func Exec[I any, O any](s *Scope, ctx context.Context, flow *Flow[I, O], input I, opts ...ExecOption) (O, *ExecutionCtx, error) {
	if s.isClosed() {
		var zero O
		return zero, nil, &ClosedError{What: "scope"}
	}
	cfg := buildExecConfig(opts)
	root := NewExecutionCtx(s, ctx)
	key := ""
	if cfg.key != "" {
		key = journalKey(flow.name, root.depth, cfg.key)
	}
	out, err := runFlow(root, flow, input, cfg, key)
	root.cancel(nil)
	if key != "" {
		root.journal.record(key, out, err)
	}
	return out, root, err
}

// ExecFlow runs a flow as a nested operation of an existing context.
func ExecFlow[I any, O any](parent *ExecutionCtx, flow *Flow[I, O], input I, opts ...ExecOption) (O, error) {
	cfg := buildExecConfig(opts)
	var zero O
	if parent.scope.isClosed() {
		return zero, &ClosedError{What: "scope"}
	}
	if parent.isClosed() {
		return zero, &ClosedError{What: "execution context"}
	}
	if parent.ctx.Err() != nil {
		return zero, &AbortError{Flow: flow.name, Cause: context.Cause(parent.ctx)}
	}
	key := ""
	if cfg.key != "" {
		key = journalKey(flow.name, parent.depth+1, cfg.key)
		if entry, ok := parent.journal.lookup(key); ok {
			if entry.IsError {
				return zero, entry.Err
			}
			return entry.Value.(O), nil
		}
	}
	child := parent.newChild(parent.ctx)
	defer child.cancel(nil)
	out, err := runFlow(child, flow, input, cfg, key)
	if key != "" {
		parent.journal.record(key, out, err)
	}
	return out, err
}

// ExecFunc runs a bare function as a nested operation: same journaling,
// timeout, retry, and abort semantics as a flow, without contracts or
// dependencies.
func ExecFunc[O any](parent *ExecutionCtx, name string, fn func(context.Context) (O, error), opts ...ExecOption) (O, error) {
	cfg := buildExecConfig(opts)
	var zero O
	if parent.scope.isClosed() {
		return zero, &ClosedError{What: "scope"}
	}
	if parent.isClosed() {
		return zero, &ClosedError{What: "execution context"}
	}
	if parent.ctx.Err() != nil {
		return zero, &AbortError{Flow: name, Cause: context.Cause(parent.ctx)}
	}
	key := ""
	if cfg.key != "" {
		key = journalKey(name, parent.depth+1, cfg.key)
		if entry, ok := parent.journal.lookup(key); ok {
			if entry.IsError {
				return zero, entry.Err
			}
			return entry.Value.(O), nil
		}
	}
	child := parent.newChild(parent.ctx)
	defer child.cancel(nil)
	out, err := runTarget(child, TargetFunction, name, key, cfg, func() (O, error) {
		return invoke(child, name, func() (O, error) { return fn(child.ctx) })
	})
	if key != "" {
		parent.journal.record(key, out, err)
	}
	return out, err
}

// runFlow executes a flow inside the given context: dependency
// resolution, boundary validation, extension pipeline, journaling tags,
// and execution-tree finalization.
func runFlow[I any, O any](e *ExecutionCtx, flow *Flow[I, O], input I, cfg *execConfig, key string) (O, error) {
	var zero O

	for _, dep := range flow.deps {
		if dep.Mode() == ModeLazy {
			continue
		}
		if e.ctx.Err() != nil {
			return zero, e.settleAbort(flow.name, nil)
		}
		if _, err := e.scope.resolveIn(dep.Executor(), newSession()); err != nil {
			return zero, &DependencyError{
				Flow:       flow.name,
				Dependency: dep.Executor().Name(),
				Chain:      []string{flow.name, dep.Executor().Name()},
				Err:        err,
			}
		}
	}

	if flow.input != nil {
		validated, err := flow.input.Validate(input)
		if err != nil {
			return zero, &FlowValidationError{Flow: flow.name, Stage: "input", Err: err}
		}
		input = validated.(I)
	}

	e.SetTag(flowNameTag, flow.name)
	if flow.version != "" {
		e.SetTag(flowVersionTag, flow.version)
	}
	if key != "" {
		e.SetTag(journalKeyTag, key)
	}
	e.SetTag(inputTag, any(input))

	out, err := runTarget(e, TargetFlow, flow.name, key, cfg, func() (O, error) {
		exts := e.scope.snapshotExtensions()
		for _, ext := range exts {
			if serr := ext.OnFlowStart(e, flow); serr != nil {
				return zero, serr
			}
		}
		result, herr := invoke(e, flow.name, func() (O, error) { return flow.handler(e, input) })
		if herr == nil && flow.output != nil {
			validated, verr := flow.output.Validate(result)
			if verr != nil {
				herr = &FlowValidationError{Flow: flow.name, Stage: "output", Err: verr}
			} else {
				result = validated.(O)
			}
		}
		for i := len(exts) - 1; i >= 0; i-- {
			if eerr := exts[i].OnFlowEnd(e, result, herr); eerr != nil && herr == nil {
				herr = eerr
			}
		}
		return result, herr
	})
	return out, err
}

// runTarget drives one execution operation: timeout scheduling, the
// extension pipeline, retry policy, settlement tags, and teardown.
func runTarget[O any](e *ExecutionCtx, target ExecTarget, name string, key string, cfg *execConfig, run func() (O, error)) (O, error) {
	var zero O

	for _, apply := range cfg.tags {
		apply(e)
	}
	e.SetTag(startTimeTag, time.Now())
	e.SetTag(statusTag, ExecutionStatusRunning)

	if cfg.timeout > 0 {
		timer := time.AfterFunc(cfg.timeout, func() {
			e.cancel(&AbortError{Flow: name, Cause: context.DeadlineExceeded})
		})
		defer timer.Stop()
	}

	op := &Operation{
		Kind:       OpExecution,
		Scope:      e.scope,
		Target:     target,
		Name:       name,
		JournalKey: key,
		Exec:       e,
	}
	exts := e.scope.snapshotExtensions()

	raw, err := wrapPipeline(e.ctx, exts, op, func() (any, error) {
		if cfg.retries == 0 {
			v, rerr := run()
			return v, rerr
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.retries), e.ctx)
		return backoff.RetryWithData(func() (any, error) {
			v, rerr := run()
			if rerr != nil && !retryable(rerr) {
				return any(v), backoff.Permanent(rerr)
			}
			return any(v), rerr
		}, policy)
	})

	e.SetTag(endTimeTag, time.Now())
	if err != nil {
		var abort *AbortError
		if errors.As(err, &abort) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.SetTag(statusTag, ExecutionStatusCancelled)
		} else {
			e.SetTag(statusTag, ExecutionStatusFailed)
		}
		e.SetTag(errorTag, err)
	} else {
		e.SetTag(statusTag, ExecutionStatusSuccess)
		e.SetTag(outputTag, raw)
	}

	e.scope.execTree.addNode(e.finalize())
	if cerr := e.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if err != nil {
		return zero, err
	}
	if raw == nil {
		return zero, nil
	}
	return raw.(O), nil
}

func retryable(err error) bool {
	var abort *AbortError
	var closed *ClosedError
	var validation *FlowValidationError
	if errors.As(err, &abort) || errors.As(err, &closed) || errors.As(err, &validation) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// invoke runs a handler on its own goroutine so an abort can win the
// race, and converts panics into structured errors.
func invoke[O any](e *ExecutionCtx, name string, fn func() (O, error)) (O, error) {
	var zero O
	type outcome struct {
		value     O
		err       error
		recovered any
		stack     []byte
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{recovered: r, stack: debug.Stack()}
			}
		}()
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()

	select {
	case res := <-ch:
		if res.recovered != nil {
			perr := &PanicError{Flow: name, Recovered: res.recovered, Stack: res.stack}
			e.SetTag(panicStackTag, res.stack)
			for _, ext := range e.scope.snapshotExtensions() {
				if herr := ext.OnFlowPanic(e, res.recovered, res.stack); herr != nil {
					return zero, errors.Join(perr, herr)
				}
			}
			return zero, perr
		}
		return res.value, res.err
	case <-e.ctx.Done():
		return zero, e.settleAbort(name, nil)
	}
}

func (e *ExecutionCtx) settleAbort(name string, cause error) error {
	if cause == nil {
		cause = context.Cause(e.ctx)
	}
	var abort *AbortError
	if errors.As(cause, &abort) {
		if abort.Flow == "" {
			return &AbortError{Flow: name, Cause: abort.Cause}
		}
		return abort
	}
	return &AbortError{Flow: name, Cause: cause}
}

// finalize snapshots the context into an execution-tree node.
func (e *ExecutionCtx) finalize() *ExecutionNode {
	parentID := ""
	if e.parent != nil {
		parentID = e.parent.id
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	node := &ExecutionNode{
		ID:       e.id,
		ParentID: parentID,
		Tags:     make(map[any]any, len(e.data)),
	}
	for k, v := range e.data {
		node.Tags[k] = v
	}
	return node
}
