package reflow

// Controller is the typed handle for one executor in one scope: resolve,
// peek, push, invalidate, release, and observe.
type Controller[T any] struct {
	executor *Executor[T]
	scope    *Scope
	sess     *resolveSession
}

// Accessor returns the controller for an executor, cached per
// (executor, scope) pair so repeated calls hand back the same handle.
func Accessor[T any](s *Scope, exec *Executor[T]) *Controller[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryOf(exec)
	if e.ctrl != nil {
		return e.ctrl.(*Controller[T])
	}
	c := &Controller[T]{executor: exec, scope: s}
	e.ctrl = c
	return c
}

func (c *Controller[T]) session() *resolveSession {
	if c.sess != nil {
		return c.sess
	}
	return newSession()
}

// Get resolves the value, caching it; a cached value never re-enters the
// factory.
func (c *Controller[T]) Get() (T, error) {
	val, err := c.scope.resolveIn(c.executor, c.session())
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}

// Peek returns the cached value without resolving.
func (c *Controller[T]) Peek() (T, bool) {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	e, ok := c.scope.entries[c.executor]
	if !ok || e.state != stateResolved {
		var zero T
		return zero, false
	}
	return e.value.(T), true
}

// Update pushes a new value, skipping the factory, and cascades to
// reactive dependents before returning.
func (c *Controller[T]) Update(newVal T) error {
	return Update(c.scope, c.executor, newVal)
}

// Invalidate marks the value stale and re-runs the factory, cascading to
// reactive dependents before returning.
func (c *Controller[T]) Invalidate() error {
	return c.scope.Invalidate(c.executor)
}

// Release runs cleanups and removes the cache entry.
func (c *Controller[T]) Release() error {
	return c.scope.Release(c.executor)
}

// Reload releases and immediately re-resolves.
func (c *Controller[T]) Reload() (T, error) {
	if err := c.Release(); err != nil {
		var zero T
		return zero, err
	}
	return c.Get()
}

// IsCached reports whether a resolved value is present.
func (c *Controller[T]) IsCached() bool {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	e, ok := c.scope.entries[c.executor]
	return ok && e.state == stateResolved
}

// OnUpdate registers an observer called with each newly settled value.
// The returned func removes the observer.
func (c *Controller[T]) OnUpdate(fn func(T)) func() {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	e := c.scope.entryOf(c.executor)
	id := e.nextListener
	e.nextListener++
	e.updateListeners[id] = func(v any) { fn(v.(T)) }
	return func() {
		c.scope.mu.Lock()
		defer c.scope.mu.Unlock()
		delete(e.updateListeners, id)
	}
}

// OnError registers an observer called when a resolution or re-run
// rejects. The returned func removes the observer.
func (c *Controller[T]) OnError(fn func(error)) func() {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	e := c.scope.entryOf(c.executor)
	id := e.nextListener
	e.nextListener++
	e.errorListeners[id] = fn
	return func() {
		c.scope.mu.Lock()
		defer c.scope.mu.Unlock()
		delete(e.errorListeners, id)
	}
}
