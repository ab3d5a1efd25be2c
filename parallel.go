package reflow

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ParallelOp is one operation of a parallel group. Each op receives its
// own child execution context linked to the group's abort.
type ParallelOp func(*ExecutionCtx) (any, error)

// Settled is one slot of a ParallelSettled partition.
type Settled struct {
	Value any
	Err   error
}

// Fulfilled reports whether the slot resolved without error.
func (s Settled) Fulfilled() bool { return s.Err == nil }

// Parallel executes a fixed set of independent operations concurrently
// and fails fast: the first rejection aborts the remaining operations
// and is returned. Results are positional.
func (e *ExecutionCtx) Parallel(ops ...ParallelOp) ([]any, error) {
	if e.scope.isClosed() {
		return nil, &ClosedError{What: "scope"}
	}
	if e.isClosed() {
		return nil, &ClosedError{What: "execution context"}
	}
	op := &Operation{
		Kind:   OpExecution,
		Scope:  e.scope,
		Target: TargetParallel,
		Name:   "parallel",
		Exec:   e,
	}
	exts := e.scope.snapshotExtensions()
	raw, err := wrapPipeline(e.ctx, exts, op, func() (any, error) {
		results := make([]any, len(ops))
		g, gctx := errgroup.WithContext(e.ctx)
		for i, run := range ops {
			i, run := i, run
			child := e.newChild(gctx)
			g.Go(func() error {
				defer func() {
					_ = child.Close()
					child.cancel(nil)
				}()
				v, gerr := run(child)
				if gerr != nil {
					return gerr
				}
				results[i] = v
				return nil
			})
		}
		if gerr := g.Wait(); gerr != nil {
			return nil, gerr
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.([]any), nil
}

// ParallelSettled executes a fixed set of independent operations
// concurrently and collects the full partition: one rejection never
// fails the call. The returned error is non-nil only when the group
// itself could not run (closed or aborted context).
func (e *ExecutionCtx) ParallelSettled(ops ...ParallelOp) ([]Settled, error) {
	if e.scope.isClosed() {
		return nil, &ClosedError{What: "scope"}
	}
	if e.isClosed() {
		return nil, &ClosedError{What: "execution context"}
	}
	if e.ctx.Err() != nil {
		return nil, &AbortError{Cause: context.Cause(e.ctx)}
	}
	op := &Operation{
		Kind:   OpExecution,
		Scope:  e.scope,
		Target: TargetParallel,
		Name:   "parallel-settled",
		Exec:   e,
	}
	exts := e.scope.snapshotExtensions()
	raw, err := wrapPipeline(e.ctx, exts, op, func() (any, error) {
		results := make([]Settled, len(ops))
		var g errgroup.Group
		for i, run := range ops {
			i, run := i, run
			child := e.newChild(e.ctx)
			g.Go(func() error {
				defer func() {
					_ = child.Close()
					child.cancel(nil)
				}()
				v, serr := run(child)
				results[i] = Settled{Value: v, Err: serr}
				return nil
			})
		}
		//nolint:errcheck // ops record their own failures in the partition
		g.Wait()
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.([]Settled), nil
}

// Errs joins the rejected slots of a settled partition.
func Errs(settled []Settled) error {
	var errs []error
	for _, s := range settled {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}
