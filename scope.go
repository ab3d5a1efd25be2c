package reflow

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Scope owns per-executor cached state and its lifecycle. All mutation
// of the cache goes through the scope's own methods; there is no ambient
// singleton. A disposed scope rejects every further operation.
type Scope struct {
	mu         sync.Mutex
	entries    map[AnyExecutor]*entry
	order      []AnyExecutor // entry creation order, for LIFO disposal
	downstream map[AnyExecutor][]AnyExecutor
	extensions []Extension
	presets    map[AnyExecutor]preset
	tags       map[any]any
	closed     bool

	inv      invalidator
	execTree *ExecutionTree

	logger         zerolog.Logger
	cycleThreshold int
}

type entryState int

const (
	stateIdle entryState = iota
	stateResolving
	stateResolved
	stateRejected
)

// entry is the scope-local state of one executor: exactly one entry per
// (executor, scope) pair.
type entry struct {
	state entryState
	value any
	err   error
	done  chan struct{} // closed when an in-flight resolution settles

	cleanups        []func() error
	updateListeners map[int]func(any)
	errorListeners  map[int]func(error)
	nextListener    int

	// deferredInvalidate flags an invalidation requested while the factory
	// is mid-run; it is processed after the run settles instead of
	// re-entering the executor.
	deferredInvalidate bool
	// pendingPush holds a pushed value that arrived mid-resolution. Push
	// wins: it is applied once the in-flight run settles.
	pendingPush *pendingPush

	ctrl any // cached controller handle
}

type pendingPush struct {
	value any
}

type preset struct {
	value    any
	executor AnyExecutor
	isValue  bool
}

// defaultCycleThreshold is the resolution depth past which the engine
// walks the chain looking for a repeat. It is a heuristic to avoid
// chain walks on every call, not a correctness bound: self-reference is
// always checked in O(1), and deeper cycles keep growing the chain until
// the walk fires.
const defaultCycleThreshold = 128

// ScopeOption configures a scope at construction.
type ScopeOption func(*Scope)

// WithScopeTag sets a tag on the scope.
func WithScopeTag[T any](tag Tag[T], val T) ScopeOption {
	return func(s *Scope) {
		tag.Set(s, val)
	}
}

// WithExtension registers an extension. Registration order decides
// pipeline order among extensions with equal Order.
func WithExtension(ext Extension) ScopeOption {
	return func(s *Scope) {
		if err := s.UseExtension(ext); err != nil {
			panic(err)
		}
	}
}

// WithPreset replaces an executor with a literal value or a substitute
// executor for the lifetime of the scope.
func WithPreset[T any](original *Executor[T], replacement any) ScopeOption {
	return func(s *Scope) {
		switch r := replacement.(type) {
		case T:
			s.presets[original] = preset{value: r, isValue: true}
		case *Executor[T]:
			s.presets[original] = preset{executor: r}
		default:
			panic("preset must be a value or executor of the original's type")
		}
	}
}

// WithLogger sets the scope logger used for unhandled cleanup errors and
// invalidation loop reports.
func WithLogger(logger zerolog.Logger) ScopeOption {
	return func(s *Scope) {
		s.logger = logger
	}
}

// WithCycleDepthThreshold tunes the resolution depth after which the
// chain walk runs.
func WithCycleDepthThreshold(n int) ScopeOption {
	return func(s *Scope) {
		s.cycleThreshold = n
	}
}

// NewScope creates a scope.
func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{
		entries:        make(map[AnyExecutor]*entry),
		downstream:     make(map[AnyExecutor][]AnyExecutor),
		presets:        make(map[AnyExecutor]preset),
		tags:           make(map[any]any),
		execTree:       newExecutionTree(1000),
		logger:         zerolog.Nop(),
		cycleThreshold: defaultCycleThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UseExtension registers an extension after construction.
func (s *Scope) UseExtension(ext Extension) error {
	s.mu.Lock()
	s.extensions = append(s.extensions, ext)
	sort.SliceStable(s.extensions, func(i, j int) bool {
		return s.extensions[i].Order() < s.extensions[j].Order()
	})
	s.mu.Unlock()
	return ext.Init(s)
}

// GetTag reads a scope tag.
func (s *Scope) GetTag(tag any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[tag]
	return v, ok
}

// SetTag writes a scope tag.
func (s *Scope) SetTag(tag any, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag] = val
}

// ExecutionTree returns the scope's record of finished executions.
func (s *Scope) ExecutionTree() *ExecutionTree {
	return s.execTree
}

// entryOf returns the state entry for an executor, creating it idle.
// Callers hold s.mu.
func (s *Scope) entryOf(exec AnyExecutor) *entry {
	e, ok := s.entries[exec]
	if !ok {
		e = &entry{
			updateListeners: make(map[int]func(any)),
			errorListeners:  make(map[int]func(error)),
		}
		s.entries[exec] = e
		s.order = append(s.order, exec)
	}
	return e
}

func (s *Scope) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scope) snapshotExtensions() []Extension {
	s.mu.Lock()
	defer s.mu.Unlock()
	exts := make([]Extension, len(s.extensions))
	copy(exts, s.extensions)
	return exts
}

// resolveSession tracks one resolution chain for cycle detection and
// error context. Sessions are goroutine-local; concurrent resolutions of
// the same executor coordinate through the entry's done channel instead.
type resolveSession struct {
	chain []AnyExecutor
}

func newSession() *resolveSession { return &resolveSession{} }

func (sess *resolveSession) contains(exec AnyExecutor) bool {
	for _, e := range sess.chain {
		if e == exec {
			return true
		}
	}
	return false
}

func (sess *resolveSession) names() []string {
	out := make([]string, len(sess.chain))
	for i, e := range sess.chain {
		out[i] = e.Name()
	}
	return out
}

// Resolve resolves an executor in a scope, caching the result. A second
// resolve without invalidation never re-enters the factory.
func Resolve[T any](s *Scope, exec *Executor[T]) (T, error) {
	val, err := s.resolveIn(exec, newSession())
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}

// resolveIn is the engine entry point shared by Resolve, controllers,
// factories (Use), and the invalidation chain.
func (s *Scope) resolveIn(exec AnyExecutor, sess *resolveSession) (any, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, &ClosedError{What: "scope"}
		}
		e := s.entryOf(exec)
		switch e.state {
		case stateResolved:
			val := e.value
			s.mu.Unlock()
			return val, nil
		case stateRejected:
			err := e.err
			s.mu.Unlock()
			return nil, err
		case stateResolving:
			done := e.done
			s.mu.Unlock()
			// Re-entry within the same chain cannot be waited out.
			if sess.contains(exec) {
				return nil, &CycleError{Chain: append(sess.names(), exec.Name())}
			}
			<-done
			continue
		default: // stateIdle
			e.state = stateResolving
			e.done = make(chan struct{})
			s.mu.Unlock()
			return s.doResolve(exec, e, sess)
		}
	}
}

// doResolve resolves dependencies per their declared mode, runs the
// factory through the extension pipeline, and settles the entry. The
// entry is already marked resolving by the caller.
func (s *Scope) doResolve(exec AnyExecutor, e *entry, sess *resolveSession) (any, error) {
	sess.chain = append(sess.chain, exec)
	defer func() {
		sess.chain = sess.chain[:len(sess.chain)-1]
	}()

	if len(sess.chain) > s.cycleThreshold {
		if dup := findDuplicate(sess.chain); dup != nil {
			return s.settle(exec, e, nil, nil, &CycleError{Chain: sess.names()})
		}
	}

	s.mu.Lock()
	p, hasPreset := s.presets[exec]
	s.mu.Unlock()

	if hasPreset {
		if p.isValue {
			return s.settle(exec, e, p.value, nil, nil)
		}
		val, err := s.resolveIn(p.executor, sess)
		if err != nil {
			err = &DependencyError{
				Executor:   exec.Name(),
				Dependency: p.executor.Name(),
				Chain:      append(sess.names(), p.executor.Name()),
				Err:        err,
			}
		}
		return s.settle(exec, e, val, nil, err)
	}

	for _, dep := range exec.Deps() {
		de := dep.Executor()
		if de == exec {
			// Self-reference is a cycle regardless of depth.
			return s.settle(exec, e, nil, nil, &CycleError{Chain: []string{exec.Name(), exec.Name()}})
		}
		if dep.Mode() == ModeReactive {
			s.addDownstream(de, exec)
		}
		if dep.Mode() == ModeLazy {
			continue
		}
		if _, err := s.resolveIn(de, sess); err != nil {
			derr := &DependencyError{
				Executor:   exec.Name(),
				Dependency: de.Name(),
				Chain:      append(sess.names(), de.Name()),
				Err:        err,
			}
			return s.settle(exec, e, nil, nil, derr)
		}
	}

	rc := &ResolveCtx{scope: s, executor: exec, sess: sess}
	op := &Operation{Kind: OpResolve, Executor: exec, Scope: s}
	exts := s.snapshotExtensions()

	val, err := wrapPipeline(context.Background(), exts, op, func() (out any, ferr error) {
		// A panicking factory must still settle the entry, or waiters on
		// the done channel hang forever.
		defer func() {
			if r := recover(); r != nil {
				ferr = &PanicError{Flow: exec.Name(), Recovered: r, Stack: debug.Stack()}
			}
		}()
		return exec.resolveAny(rc)
	})
	if err != nil {
		err = s.classifyFactoryErr(exec, sess, err)
	}
	return s.settle(exec, e, val, rc.cleanups, err)
}

// classifyFactoryErr keeps structured upstream failures as dependency
// errors and wraps raw factory failures with the executor name and chain.
func (s *Scope) classifyFactoryErr(exec AnyExecutor, sess *resolveSession, err error) error {
	var fe *FactoryError
	if errors.As(err, &fe) {
		return &DependencyError{
			Executor:   exec.Name(),
			Dependency: fe.Executor,
			Chain:      sess.names(),
			Err:        err,
		}
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return &DependencyError{
			Executor:   exec.Name(),
			Dependency: de.Executor,
			Chain:      sess.names(),
			Err:        err,
		}
	}
	var ce *CycleError
	if errors.As(err, &ce) {
		return err
	}
	return &FactoryError{Executor: exec.Name(), Chain: sess.names(), Err: err}
}

// settle transitions a resolving entry to resolved or rejected, wakes
// waiters, notifies observers, and processes deferred work queued while
// the factory ran.
func (s *Scope) settle(exec AnyExecutor, e *entry, val any, cleanups []func() error, err error) (any, error) {
	s.mu.Lock()
	if err != nil {
		e.state = stateRejected
		e.err = err
		e.value = nil
	} else {
		e.state = stateResolved
		e.value = val
		e.err = nil
	}
	e.cleanups = cleanups
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	deferred := e.deferredInvalidate
	e.deferredInvalidate = false
	push := e.pendingPush
	e.pendingPush = nil
	var updates []func(any)
	var errs []func(error)
	if err == nil {
		updates = snapshotListeners(e.updateListeners)
	} else {
		errs = snapshotErrListeners(e.errorListeners)
	}
	s.mu.Unlock()

	for _, fn := range updates {
		fn(val)
	}
	for _, fn := range errs {
		fn(err)
	}

	if push != nil {
		// Push wins over whatever the settled run produced. A failing
		// cascade belongs to the push, not to this resolver, whose own
		// run already settled.
		if perr := s.push(exec, push.value); perr != nil {
			s.logger.Error().Str("executor", exec.Name()).Err(perr).Msg("queued push cascade failed")
		}
	} else if deferred {
		if ierr := s.scheduleInvalidation(exec); ierr != nil {
			s.logger.Error().Str("executor", exec.Name()).Err(ierr).Msg("deferred invalidation failed")
		}
	}
	return val, err
}

func snapshotListeners(m map[int]func(any)) []func(any) {
	out := make([]func(any), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func snapshotErrListeners(m map[int]func(error)) []func(error) {
	out := make([]func(error), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func findDuplicate(chain []AnyExecutor) AnyExecutor {
	seen := make(map[AnyExecutor]struct{}, len(chain))
	for _, e := range chain {
		if _, ok := seen[e]; ok {
			return e
		}
		seen[e] = struct{}{}
	}
	return nil
}

// addDownstream records a reactive edge. Callers do not hold s.mu.
func (s *Scope) addDownstream(upstream, dependent AnyExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.downstream[upstream] {
		if d == dependent {
			return
		}
	}
	s.downstream[upstream] = append(s.downstream[upstream], dependent)
}

// Update pushes a new value into an executor, skipping its factory, and
// cascades to reactive dependents before returning. A push arriving
// while a resolution is mid-flight is queued and applied after it
// settles.
func Update[T any](s *Scope, exec *Executor[T], newVal T) error {
	op := &Operation{Kind: OpUpdate, Executor: exec, Scope: s}
	exts := s.snapshotExtensions()
	_, err := wrapPipeline(context.Background(), exts, op, func() (any, error) {
		return nil, s.push(exec, newVal)
	})
	return err
}

// push queues a value push and drives the invalidation chain.
func (s *Scope) push(exec AnyExecutor, val any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ClosedError{What: "scope"}
	}
	e := s.entryOf(exec)
	if e.state == stateResolving {
		e.pendingPush = &pendingPush{value: val}
		s.mu.Unlock()
		return nil
	}
	e.pendingPush = &pendingPush{value: val}
	s.mu.Unlock()
	return s.scheduleInvalidation(exec)
}

// Release runs an executor's cleanups in reverse registration order and
// removes its entry. Reactive dependents keep their last resolved value.
func (s *Scope) Release(exec AnyExecutor) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ClosedError{What: "scope"}
	}
	e, ok := s.entries[exec]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	cleanups := e.cleanups
	delete(s.entries, exec)
	for i, o := range s.order {
		if o == exec {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.runCleanups(exec, cleanups, "release")
	return nil
}

// runCleanups runs cleanup callbacks LIFO, routing failures through the
// extension pipeline and logging whatever no extension claims.
func (s *Scope) runCleanups(exec AnyExecutor, cleanups []func() error, context string) {
	if len(cleanups) == 0 {
		return
	}
	exts := s.snapshotExtensions()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			cerr := &CleanupError{Executor: exec.Name(), Context: context, Err: err}
			handled := false
			for _, ext := range exts {
				if ext.OnCleanupError(cerr) {
					handled = true
					break
				}
			}
			if !handled {
				s.logger.Error().
					Str("executor", exec.Name()).
					Str("context", context).
					Err(err).
					Msg("cleanup failed")
			}
		}
	}
}

// Dispose tears the scope down: every entry's cleanups run in reverse
// creation order, extensions are disposed, and the scope becomes
// terminal.
func (s *Scope) Dispose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ClosedError{What: "scope"}
	}
	s.closed = true
	type pending struct {
		exec     AnyExecutor
		cleanups []func() error
	}
	all := make([]pending, 0, len(s.order))
	for _, exec := range s.order {
		if e, ok := s.entries[exec]; ok {
			all = append(all, pending{exec: exec, cleanups: e.cleanups})
		}
	}
	s.entries = make(map[AnyExecutor]*entry)
	s.order = nil
	s.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		s.runCleanups(all[i].exec, all[i].cleanups, "dispose")
	}

	exts := s.snapshotExtensions()
	var errs []error
	for _, ext := range exts {
		if err := ext.Dispose(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
