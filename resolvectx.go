package reflow

// ResolveCtx is handed to executor factories for the duration of one
// factory run. Cleanups registered here belong to the produced value and
// run in reverse registration order when the value is invalidated,
// released, or the scope is disposed.
type ResolveCtx struct {
	scope    *Scope
	executor AnyExecutor
	sess     *resolveSession
	cleanups []func() error
}

// OnCleanup registers a cleanup callback for the value being produced.
func (ctx *ResolveCtx) OnCleanup(fn func() error) {
	ctx.cleanups = append(ctx.cleanups, fn)
}

// Scope returns the resolving scope.
func (ctx *ResolveCtx) Scope() *Scope { return ctx.scope }

// Invalidate requests re-resolution of the executor currently being
// resolved. The request is deferred until this factory run settles.
func (ctx *ResolveCtx) Invalidate() error {
	return ctx.scope.scheduleInvalidation(ctx.executor)
}

// GetTag reads a tag from the scope.
func (ctx *ResolveCtx) GetTag(tag any) (any, bool) {
	return ctx.scope.GetTag(tag)
}

// ScopeTag reads a typed tag from the resolving scope.
func ScopeTag[T any](ctx *ResolveCtx, tag Tag[T]) (T, bool) {
	return tag.Get(ctx.scope)
}

// ScopeTagOrDefault reads a typed tag or falls back to a default.
func ScopeTagOrDefault[T any](ctx *ResolveCtx, tag Tag[T], def T) T {
	return tag.GetOrDefault(ctx.scope, def)
}
