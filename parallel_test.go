package reflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParallelSettled_CollectsFullPartition(t *testing.T) {
	scope := NewScope()
	rejected := errors.New("shard 1 down")

	parent := NewExecutionCtx(scope, context.Background())
	defer parent.Close()

	settled, err := parent.ParallelSettled(
		func(*ExecutionCtx) (any, error) { return "shard-0", nil },
		func(*ExecutionCtx) (any, error) { return nil, rejected },
		func(*ExecutionCtx) (any, error) { return "shard-2", nil },
	)
	require.NoError(t, err, "a rejected op never fails the settled call")
	require.Len(t, settled, 3)

	require.True(t, settled[0].Fulfilled())
	require.Equal(t, "shard-0", settled[0].Value)
	require.False(t, settled[1].Fulfilled())
	require.ErrorIs(t, settled[1].Err, rejected)
	require.True(t, settled[2].Fulfilled())
	require.Equal(t, "shard-2", settled[2].Value)

	require.ErrorIs(t, Errs(settled), rejected)
}

func TestParallelSettled_NoFailures(t *testing.T) {
	scope := NewScope()
	parent := NewExecutionCtx(scope, context.Background())
	defer parent.Close()

	settled, err := parent.ParallelSettled(
		func(*ExecutionCtx) (any, error) { return 1, nil },
		func(*ExecutionCtx) (any, error) { return 2, nil },
	)
	require.NoError(t, err)
	require.NoError(t, Errs(settled))
}

func TestParallel_FailFast(t *testing.T) {
	scope := NewScope()
	boom := errors.New("first op failed")
	var sawCancel atomic.Bool

	parent := NewExecutionCtx(scope, context.Background())
	defer parent.Close()

	_, err := parent.Parallel(
		func(*ExecutionCtx) (any, error) {
			return nil, boom
		},
		func(child *ExecutionCtx) (any, error) {
			select {
			case <-child.Context().Done():
				sawCancel.Store(true)
				return nil, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("sibling cancellation never arrived")
			}
		},
	)
	require.ErrorIs(t, err, boom)
	require.True(t, sawCancel.Load(), "the failure aborts the remaining operations")
}

func TestParallel_PositionalResults(t *testing.T) {
	scope := NewScope()
	parent := NewExecutionCtx(scope, context.Background())
	defer parent.Close()

	results, err := parent.Parallel(
		func(*ExecutionCtx) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return "slow", nil
		},
		func(*ExecutionCtx) (any, error) { return "fast", nil },
	)
	require.NoError(t, err)
	require.Equal(t, []any{"slow", "fast"}, results, "results keep declaration order regardless of completion order")
}

func TestParallel_ChildrenShareTheJournal(t *testing.T) {
	scope := NewScope()
	var calls int32
	flow := NewFlow("lookup", func(_ *ExecutionCtx, _ struct{}) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 9, nil
	})

	parent := NewExecutionCtx(scope, context.Background())
	defer parent.Close()

	lookup := func(child *ExecutionCtx) (any, error) {
		return ExecFlow(child, flow, struct{}{}, WithKey("shared"))
	}

	results, err := parent.Parallel(lookup)
	require.NoError(t, err)
	require.Equal(t, 9, results[0])

	// A later group at the same depth replays the journaled result.
	results, err = parent.Parallel(lookup)
	require.NoError(t, err)
	require.Equal(t, 9, results[0])
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "keyed calls inside the group replay from the shared journal")
}

func TestParallel_ClosedContext(t *testing.T) {
	scope := NewScope()
	parent := NewExecutionCtx(scope, context.Background())
	require.NoError(t, parent.Close())

	_, err := parent.Parallel(func(*ExecutionCtx) (any, error) { return nil, nil })
	var closed *ClosedError
	require.ErrorAs(t, err, &closed)

	_, err = parent.ParallelSettled(func(*ExecutionCtx) (any, error) { return nil, nil })
	require.ErrorAs(t, err, &closed)
}
