package reflow

// Executor is a declared unit of computation with explicit dependencies.
// Declaring an executor never runs anything; the factory and dependency
// spec are recorded and the scope resolves them on demand. Identity is
// by pointer: two executors declared from the same factory are distinct
// graph nodes.
type Executor[T any] struct {
	name    string
	factory func(*ResolveCtx) (T, error)
	deps    []Dependency
	tags    map[any]any
}

// AnyExecutor is the type-erased view the scope and the reactive graph
// operate on.
type AnyExecutor interface {
	Name() string
	Deps() []Dependency
	GetTag(tag any) (any, bool)
	SetTag(tag any, val any)

	// resolveAny invokes the factory with the given resolve context.
	resolveAny(rc *ResolveCtx) (any, error)
}

func (e *Executor[T]) Name() string       { return e.name }
func (e *Executor[T]) Deps() []Dependency { return e.deps }

func (e *Executor[T]) GetTag(tag any) (any, bool) {
	val, ok := e.tags[tag]
	return val, ok
}

func (e *Executor[T]) SetTag(tag any, val any) {
	e.tags[tag] = val
}

func (e *Executor[T]) resolveAny(rc *ResolveCtx) (any, error) {
	val, err := e.factory(rc)
	if err != nil {
		return nil, err
	}
	return val, nil
}

// DependencyMode decides, at declaration time, how an edge is read. The
// scope uses the mode to know statically which edges need reactive
// subscription bookkeeping.
type DependencyMode string

const (
	// ModeDirect resolves the dependency before the factory runs and caches it.
	ModeDirect DependencyMode = "direct"
	// ModeReactive is ModeDirect plus a subscription edge: the dependent is
	// invalidated whenever the dependency settles with a new value.
	ModeReactive DependencyMode = "reactive"
	// ModeLazy defers resolution until the factory asks the controller.
	ModeLazy DependencyMode = "lazy"
	// ModeStatic resolves eagerly and hands the factory a controller for
	// imperative mutation without establishing a reactive edge.
	ModeStatic DependencyMode = "static"
)

// Dependency pairs an executor with its declared read-mode.
type Dependency interface {
	Executor() AnyExecutor
	Mode() DependencyMode
}

type dependencyWrapper struct {
	executor AnyExecutor
	mode     DependencyMode
}

func (d *dependencyWrapper) Executor() AnyExecutor { return d.executor }
func (d *dependencyWrapper) Mode() DependencyMode  { return d.mode }

// A bare executor used as a dependency reads in ModeDirect.
func (e *Executor[T]) Executor() AnyExecutor { return e }
func (e *Executor[T]) Mode() DependencyMode  { return ModeDirect }

// Reactive returns a dependency variant that re-evaluates the dependent
// when this executor changes.
func (e *Executor[T]) Reactive() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeReactive}
}

// Lazy returns a dependency variant that is not resolved until the
// factory explicitly asks for it.
func (e *Executor[T]) Lazy() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeLazy}
}

// Static returns a dependency variant resolved eagerly but never
// subscribed: updating through its controller does not create an edge
// back to the dependent.
func (e *Executor[T]) Static() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeStatic}
}

// ExecutorOption is a modifier applied at declaration time.
type ExecutorOption func(AnyExecutor)

// WithTag returns an option that sets a typed tag on an executor.
func WithTag[T any](tag Tag[T], val T) ExecutorOption {
	return func(exec AnyExecutor) {
		tag.Set(exec, val)
	}
}

// Provide declares an executor with no dependencies.
func Provide[T any](name string, factory func(*ResolveCtx) (T, error), opts ...ExecutorOption) *Executor[T] {
	exec := &Executor[T]{
		name:    name,
		factory: factory,
		tags:    make(map[any]any),
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Supply declares an executor holding a fixed value.
func Supply[T any](name string, value T, opts ...ExecutorOption) *Executor[T] {
	return Provide(name, func(*ResolveCtx) (T, error) {
		return value, nil
	}, opts...)
}
