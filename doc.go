// Package reflow is a dependency-graph execution runtime: a scope
// resolves declaratively defined computation nodes (executors), caches
// their results, and propagates invalidation through reactive
// dependents; on top of the same engine, flows orchestrate nested
// operations with replay journaling, timeouts, cancellation, and a
// pluggable extension pipeline.
//
// # Executors and Scopes
//
// Declaring an executor records a factory and a dependency spec; nothing
// runs until a scope resolves it:
//
//	scope := reflow.NewScope()
//
//	config := reflow.Provide("config", func(ctx *reflow.ResolveCtx) (*Config, error) {
//	    return &Config{Port: 8080}, nil
//	})
//
//	server := reflow.Derive1("server", config,
//	    func(ctx *reflow.ResolveCtx, cfg *reflow.Controller[*Config]) (*Server, error) {
//	        c, _ := cfg.Get()
//	        return NewServer(c.Port), nil
//	    },
//	)
//
//	srv, err := reflow.Resolve(scope, server)
//
// Resolving twice without invalidation runs the factory exactly once;
// the second resolve is a cache hit.
//
// # Read-modes
//
// A dependency's read-mode is fixed at declaration time:
//
//	cfg            // direct: resolved before the factory runs
//	cfg.Reactive() // direct + re-evaluate the dependent when cfg changes
//	cfg.Lazy()     // unresolved handle; resolve inside the factory
//	cfg.Static()   // resolved handle for imperative updates, no edge back
//
// Updating a reactive upstream cascades strictly sequentially: every
// affected dependent settles, in dependency order, before the update
// call returns. Invalidation loops (A invalidates B invalidates A) are
// detected and fail with the offending path instead of hanging.
//
// # Controllers
//
//	ctrl := reflow.Accessor(scope, config)
//	v, err := ctrl.Get()     // resolve and cache
//	v, ok := ctrl.Peek()     // cached value only
//	ctrl.Update(newCfg)      // push a value, skip the factory, cascade
//	ctrl.Invalidate()        // re-run the factory, cascade
//	ctrl.Release()           // run cleanups, drop the entry
//	remove := ctrl.OnUpdate(func(v *Config) { ... })
//
// # Flows
//
// Flows are short-span operations with hierarchical execution contexts:
//
//	double := reflow.NewFlow("double", func(e *reflow.ExecutionCtx, n int) (int, error) {
//	    return n * 2, nil
//	})
//
//	out, execCtx, err := reflow.Exec(scope, context.Background(), double, 21)
//
// Nested execs share the root context's journal. With a key, a repeated
// call in the same context generation replays the stored result instead
// of re-invoking:
//
//	out, err := reflow.ExecFlow(execCtx, double, 21, reflow.WithKey("d"))
//
// Journal keys derive as "<name>:<depth>:<userKey>"; failed executions
// store an error sentinel that re-throws on replay.
//
// Timeouts and aborts form a tree: cancelling a parent context rejects
// every pending descendant exec with an AbortError, while settled
// operations are unaffected. Parallel and ParallelSettled run a fixed
// operation set concurrently, fail-fast or collecting the full
// partition.
//
// # Extensions
//
// Extensions wrap every resolve, update, and execution operation in
// registration order, first registered outermost:
//
//	scope := reflow.NewScope(
//	    reflow.WithExtension(extensions.NewLogging(logger)),
//	    reflow.WithExtension(extensions.NewTracing(nil)),
//	)
//
// # Cleanup
//
// Factories register cleanups that run in reverse registration order on
// invalidation, release, and scope disposal:
//
//	db := reflow.Provide("db", func(ctx *reflow.ResolveCtx) (*DB, error) {
//	    conn := OpenDB()
//	    ctx.OnCleanup(conn.Close)
//	    return conn, nil
//	})
//
// # Testing with presets
//
//	testScope := reflow.NewScope(
//	    reflow.WithPreset(db, &DB{mock: true}),
//	)
package reflow
