package reflow

import (
	"fmt"
	"strings"
)

// FactoryError wraps a failure thrown by an executor's own factory.
type FactoryError struct {
	Executor string
	Chain    []string
	Err      error
}

func (e *FactoryError) Error() string {
	if len(e.Chain) > 1 {
		return fmt.Sprintf("executor %q failed (chain %s): %v", e.Executor, chainString(e.Chain), e.Err)
	}
	return fmt.Sprintf("executor %q failed: %v", e.Executor, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

// DependencyError marks a resolution that failed because an upstream
// dependency failed, carrying the full chain from the requester down to
// the node that broke. The requester is either an executor or, for flow
// dependency resolution, the flow itself.
type DependencyError struct {
	Executor   string
	Flow       string
	Dependency string
	Chain      []string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Flow != "" {
		return fmt.Sprintf("flow %q: dependency %q failed (chain %s): %v",
			e.Flow, e.Dependency, chainString(e.Chain), e.Err)
	}
	return fmt.Sprintf("executor %q: dependency %q failed (chain %s): %v",
		e.Executor, e.Dependency, chainString(e.Chain), e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// CycleError reports a circular dependency discovered during resolution.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", chainString(e.Chain))
}

// LoopError reports an infinite invalidation loop: the same executor was
// scheduled twice within one invalidation pass.
type LoopError struct {
	Executor string
	Path     []string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("infinite invalidation loop at %q: %s", e.Executor, chainString(e.Path))
}

// FlowValidationError marks a flow input or output that failed its
// declared contract.
type FlowValidationError struct {
	Flow  string
	Stage string // "input" or "output"
	Err   error
}

func (e *FlowValidationError) Error() string {
	return fmt.Sprintf("flow %q: %s validation failed: %v", e.Flow, e.Stage, e.Err)
}

func (e *FlowValidationError) Unwrap() error { return e.Err }

// ClosedError marks an operation attempted after its owner was torn down.
type ClosedError struct {
	What string // "scope" or "execution context"
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("%s is closed", e.What)
}

// AbortError marks a cancelled operation; the cancellation reason is the
// cause.
type AbortError struct {
	Flow  string
	Cause error
}

func (e *AbortError) Error() string {
	if e.Flow != "" {
		return fmt.Sprintf("flow %q aborted: %v", e.Flow, e.Cause)
	}
	return fmt.Sprintf("aborted: %v", e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }

// PanicError wraps a recovered panic from a flow handler or factory.
type PanicError struct {
	Flow      string // the panicking flow or executor name
	Recovered any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %q: %v", e.Flow, e.Recovered)
}

// CleanupError reports a cleanup callback failure; extensions may claim
// it through OnCleanupError, otherwise the scope logs it.
type CleanupError struct {
	Executor string
	Context  string // "invalidate", "release" or "dispose"
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of executor %q during %s: %v", e.Executor, e.Context, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

func chainString(chain []string) string {
	return strings.Join(chain, " -> ")
}
