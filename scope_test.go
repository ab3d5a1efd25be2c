package reflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectedEntry_StaysPoisonedUntilInvalidated(t *testing.T) {
	scope := NewScope()
	runs := 0
	fail := true

	exec := Provide("flaky", func(*ResolveCtx) (int, error) {
		runs++
		if fail {
			return 0, errors.New("transient")
		}
		return 7, nil
	})

	_, err := Resolve(scope, exec)
	require.Error(t, err)
	_, err2 := Resolve(scope, exec)
	require.Error(t, err2)
	require.Same(t, err.(*FactoryError), err2.(*FactoryError), "a poisoned entry re-throws the stored error")
	require.Equal(t, 1, runs)

	fail = false
	require.NoError(t, scope.Invalidate(exec))

	v, err := Resolve(scope, exec)
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 2, runs)
}

func TestFactoryPanic_SettlesEntry(t *testing.T) {
	scope := NewScope()
	exec := Provide("explosive", func(*ResolveCtx) (int, error) {
		panic("index out of range")
	})

	_, err := Resolve(scope, exec)
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "explosive", perr.Flow)
	assert.Equal(t, "index out of range", perr.Recovered)

	// The entry is rejected, not stuck resolving: a second resolve
	// re-throws instead of hanging.
	_, err2 := Resolve(scope, exec)
	require.Error(t, err2)
}

func TestCycle_SelfReference(t *testing.T) {
	scope := NewScope()
	exec := Provide("self", func(*ResolveCtx) (int, error) { return 0, nil })
	exec.deps = []Dependency{exec}

	_, err := Resolve(scope, exec)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"self", "self"}, cycle.Chain)
}

func TestCycle_MutualFactoryReads(t *testing.T) {
	scope := NewScope()
	var a, b *Executor[int]

	a = Provide("a", func(ctx *ResolveCtx) (int, error) {
		return Use(ctx, b)
	})
	b = Provide("b", func(ctx *ResolveCtx) (int, error) {
		return Use(ctx, a)
	})

	_, err := Resolve(scope, a)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestCycle_DeepChainBelowThresholdStillResolves(t *testing.T) {
	scope := NewScope(WithCycleDepthThreshold(4))

	prev := Supply("n0", 0)
	for i := 1; i <= 10; i++ {
		dep := prev
		prev = Derive1(fmt.Sprintf("n%d", i), dep, func(_ *ResolveCtx, c *Controller[int]) (int, error) {
			v, err := c.Get()
			return v + 1, err
		})
	}

	// The duplicate walk fires past the threshold but a linear chain has
	// no repeat, so resolution completes.
	v, err := Resolve(scope, prev)
	require.NoError(t, err)
	require.Equal(t, 10, v)
}

func TestConcurrentResolve_SingleFlight(t *testing.T) {
	scope := NewScope()
	runs := 0

	exec := Provide("slow", func(*ResolveCtx) (int, error) {
		runs++
		time.Sleep(50 * time.Millisecond)
		return 42, nil
	})

	const goroutines = 10
	var wg sync.WaitGroup
	results := make([]int, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Resolve(scope, exec)
		}()
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, 42, results[i])
	}
	require.Equal(t, 1, runs, "concurrent resolutions must share one factory run")
}

func TestRelease_RunsCleanupsLIFO(t *testing.T) {
	scope := NewScope()
	var order []string

	exec := Provide("conn", func(ctx *ResolveCtx) (int, error) {
		ctx.OnCleanup(func() error {
			order = append(order, "first")
			return nil
		})
		ctx.OnCleanup(func() error {
			order = append(order, "second")
			return nil
		})
		return 1, nil
	})

	_, err := Resolve(scope, exec)
	require.NoError(t, err)
	require.NoError(t, scope.Release(exec))
	require.Equal(t, []string{"second", "first"}, order)

	scope.mu.Lock()
	_, present := scope.entries[exec]
	scope.mu.Unlock()
	require.False(t, present, "release removes the entry")
}

func TestRelease_UnresolvedExecutorIsNoop(t *testing.T) {
	scope := NewScope()
	exec := Provide("never", func(*ResolveCtx) (int, error) { return 0, nil })
	require.NoError(t, scope.Release(exec))
}

func TestDispose_TerminalAndReverseOrder(t *testing.T) {
	scope := NewScope()
	var order []string

	mk := func(name string) *Executor[string] {
		return Provide(name, func(ctx *ResolveCtx) (string, error) {
			ctx.OnCleanup(func() error {
				order = append(order, name)
				return nil
			})
			return name, nil
		})
	}
	first := mk("first")
	second := mk("second")

	_, err := Resolve(scope, first)
	require.NoError(t, err)
	_, err = Resolve(scope, second)
	require.NoError(t, err)

	require.NoError(t, scope.Dispose())
	require.Equal(t, []string{"second", "first"}, order, "dispose tears down in reverse creation order")

	_, err = Resolve(scope, first)
	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "scope", closed.What)

	require.ErrorAs(t, scope.Dispose(), &closed)
	require.ErrorAs(t, scope.Invalidate(first), &closed)
	require.ErrorAs(t, Update(scope, first, "x"), &closed)

	// The exec surface is just as terminal, including flows with no
	// executor dependencies.
	flow := NewFlow("noop", func(*ExecutionCtx, struct{}) (int, error) {
		return 1, nil
	})
	_, _, err = Exec(scope, context.Background(), flow, struct{}{})
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "scope", closed.What)

	root := NewExecutionCtx(scope, context.Background())
	defer root.Close()
	_, err = ExecFlow(root, flow, struct{}{})
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "scope", closed.What)
	_, err = ExecFunc(root, "fn", func(context.Context) (int, error) { return 1, nil })
	require.ErrorAs(t, err, &closed)
	_, err = root.Parallel(func(*ExecutionCtx) (any, error) { return nil, nil })
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "scope", closed.What)
	_, err = root.ParallelSettled(func(*ExecutionCtx) (any, error) { return nil, nil })
	require.ErrorAs(t, err, &closed)

	require.Empty(t, scope.ExecutionTree().GetRoots(), "nothing is recorded against a disposed scope")
}

func TestPreset_Value(t *testing.T) {
	runs := 0
	db := Provide("db", func(*ResolveCtx) (string, error) {
		runs++
		return "real", nil
	})

	scope := NewScope(WithPreset(db, "fake"))
	v, err := Resolve(scope, db)
	require.NoError(t, err)
	require.Equal(t, "fake", v)
	require.Equal(t, 0, runs, "a preset value skips the original factory")
}

func TestPreset_SubstituteExecutor(t *testing.T) {
	db := Provide("db", func(*ResolveCtx) (string, error) {
		return "real", nil
	})
	stub := Provide("db-stub", func(*ResolveCtx) (string, error) {
		return "stub", nil
	})

	scope := NewScope(WithPreset(db, stub))
	v, err := Resolve(scope, db)
	require.NoError(t, err)
	require.Equal(t, "stub", v)
}

func TestAccessor_CachedPerExecutorScopePair(t *testing.T) {
	scope := NewScope()
	exec := Supply("x", 1)

	c1 := Accessor(scope, exec)
	c2 := Accessor(scope, exec)
	require.Same(t, c1, c2)

	other := NewScope()
	c3 := Accessor(other, exec)
	require.NotSame(t, c1, c3)
}

func TestController_Lifecycle(t *testing.T) {
	scope := NewScope()
	runs := 0
	exec := Provide("value", func(*ResolveCtx) (int, error) {
		runs++
		return runs * 10, nil
	})
	ctrl := Accessor(scope, exec)

	_, ok := ctrl.Peek()
	require.False(t, ok, "peek before resolve sees nothing")
	require.False(t, ctrl.IsCached())

	v, err := ctrl.Get()
	require.NoError(t, err)
	require.Equal(t, 10, v)
	require.True(t, ctrl.IsCached())

	peeked, ok := ctrl.Peek()
	require.True(t, ok)
	require.Equal(t, 10, peeked)

	v, err = ctrl.Reload()
	require.NoError(t, err)
	require.Equal(t, 20, v, "reload releases and re-runs the factory")
	require.Equal(t, 2, runs)
}

func TestScopeTags(t *testing.T) {
	env := NewTag[string]("env")
	scope := NewScope(WithScopeTag(env, "staging"))

	exec := Provide("reader", func(ctx *ResolveCtx) (string, error) {
		return ScopeTagOrDefault(ctx, env, "dev"), nil
	})
	v, err := Resolve(scope, exec)
	require.NoError(t, err)
	require.Equal(t, "staging", v)

	missing := NewTag[int]("missing")
	other := Provide("fallback", func(ctx *ResolveCtx) (int, error) {
		return ScopeTagOrDefault(ctx, missing, -1), nil
	})
	d, err := Resolve(scope, other)
	require.NoError(t, err)
	require.Equal(t, -1, d)
}
