package reflow

import "fmt"

// Tag is a type-safe key for contextual values threaded through
// executors, scopes, and execution contexts. It is the configuration-tag
// collaborator of the runtime: the engine only ever reads and writes
// through the typed accessors below.
type Tag[T any] struct {
	key string
}

// NewTag creates a tag with the given key. The key is diagnostic; two
// tags with the same key are still distinct stores when created for
// different types.
func NewTag[T any](key string) Tag[T] {
	return Tag[T]{key: key}
}

// Key returns the tag's key.
func (t Tag[T]) Key() string { return t.key }

// tagStore is anything holding an untyped tag map: executors, flows,
// scopes, and execution contexts all qualify.
type tagStore interface {
	GetTag(tag any) (any, bool)
	SetTag(tag any, val any)
}

// Get reads the tag from a store.
func (t Tag[T]) Get(store tagStore) (T, bool) {
	val, ok := store.GetTag(t)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(T), true
}

// GetOrDefault reads the tag or returns the given default.
func (t Tag[T]) GetOrDefault(store tagStore, def T) T {
	if val, ok := t.Get(store); ok {
		return val
	}
	return def
}

// MustGet reads the tag or panics.
func (t Tag[T]) MustGet(store tagStore) T {
	val, ok := t.Get(store)
	if !ok {
		panic(fmt.Sprintf("tag %q not found", t.key))
	}
	return val
}

// Set writes the tag on a store.
func (t Tag[T]) Set(store tagStore, val T) {
	store.SetTag(t, val)
}

// Lookup reads the tag through an execution context's layered stores:
// the context itself, its parent chain, then the scope.
func (t Tag[T]) Lookup(e *ExecutionCtx) (T, bool) {
	val, ok := e.Lookup(t)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(T), true
}

// All collects every value of the tag visible from an execution context,
// nearest first: the context, each ancestor, then the scope.
func (t Tag[T]) All(e *ExecutionCtx) []T {
	var out []T
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.GetTag(t); ok {
			out = append(out, v.(T))
		}
	}
	if v, ok := e.scope.GetTag(t); ok {
		out = append(out, v.(T))
	}
	return out
}
