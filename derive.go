package reflow

// Derive1 declares an executor computed from one dependency. The factory
// receives a controller bound to the resolving scope; for direct,
// reactive, and static edges the value is already resolved when the
// factory runs, so Get is a cache hit.
func Derive1[T any, D1 any](
	name string,
	d1 Dependency,
	factory func(*ResolveCtx, *Controller[D1]) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	exec := &Executor[T]{
		name: name,
		deps: []Dependency{d1},
		tags: make(map[any]any),
	}
	exec.factory = func(ctx *ResolveCtx) (T, error) {
		return factory(ctx, controllerFor[D1](ctx, d1))
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Derive2 declares an executor computed from two dependencies.
func Derive2[T any, D1 any, D2 any](
	name string,
	d1 Dependency,
	d2 Dependency,
	factory func(*ResolveCtx, *Controller[D1], *Controller[D2]) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	exec := &Executor[T]{
		name: name,
		deps: []Dependency{d1, d2},
		tags: make(map[any]any),
	}
	exec.factory = func(ctx *ResolveCtx) (T, error) {
		return factory(ctx, controllerFor[D1](ctx, d1), controllerFor[D2](ctx, d2))
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Derive3 declares an executor computed from three dependencies.
func Derive3[T any, D1 any, D2 any, D3 any](
	name string,
	d1 Dependency,
	d2 Dependency,
	d3 Dependency,
	factory func(*ResolveCtx, *Controller[D1], *Controller[D2], *Controller[D3]) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	exec := &Executor[T]{
		name: name,
		deps: []Dependency{d1, d2, d3},
		tags: make(map[any]any),
	}
	exec.factory = func(ctx *ResolveCtx) (T, error) {
		return factory(ctx, controllerFor[D1](ctx, d1), controllerFor[D2](ctx, d2), controllerFor[D3](ctx, d3))
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Derive4 declares an executor computed from four dependencies.
func Derive4[T any, D1 any, D2 any, D3 any, D4 any](
	name string,
	d1 Dependency,
	d2 Dependency,
	d3 Dependency,
	d4 Dependency,
	factory func(*ResolveCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4]) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	exec := &Executor[T]{
		name: name,
		deps: []Dependency{d1, d2, d3, d4},
		tags: make(map[any]any),
	}
	exec.factory = func(ctx *ResolveCtx) (T, error) {
		return factory(ctx, controllerFor[D1](ctx, d1), controllerFor[D2](ctx, d2), controllerFor[D3](ctx, d3), controllerFor[D4](ctx, d4))
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Derive declares an executor over an arbitrary dependency slice. The
// factory reads individual values through Use or the untyped ResolveCtx
// helpers.
func Derive[T any](
	name string,
	deps []Dependency,
	factory func(*ResolveCtx) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	exec := &Executor[T]{
		name:    name,
		deps:    deps,
		factory: factory,
		tags:    make(map[any]any),
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// DeriveMap declares an executor over a named dependency mapping. The
// names are diagnostic only; the factory still reads values through Use.
func DeriveMap[T any](
	name string,
	deps map[string]Dependency,
	factory func(*ResolveCtx) (T, error),
	opts ...ExecutorOption,
) *Executor[T] {
	ordered := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		ordered = append(ordered, d)
	}
	return Derive(name, ordered, factory, opts...)
}

func controllerFor[D any](ctx *ResolveCtx, dep Dependency) *Controller[D] {
	return &Controller[D]{
		executor: dep.Executor().(*Executor[D]),
		scope:    ctx.scope,
		sess:     ctx.sess,
	}
}

// Use resolves a dependency's value inside a factory, continuing the
// current resolution chain for cycle detection.
func Use[D any](ctx *ResolveCtx, exec *Executor[D]) (D, error) {
	val, err := ctx.scope.resolveIn(exec, ctx.sess)
	if err != nil {
		var zero D
		return zero, err
	}
	return val.(D), nil
}
