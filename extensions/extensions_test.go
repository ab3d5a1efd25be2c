package extensions

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/reflowlabs/reflow"
)

func TestLogging_EmitsOperationRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	scope := reflow.NewScope(reflow.WithExtension(NewLogging(logger)))

	exec := reflow.Provide("db-pool", func(*reflow.ResolveCtx) (int, error) {
		return 1, nil
	})
	_, err := reflow.Resolve(scope, exec)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"op":"resolve"`)
	assert.Contains(t, out, `"name":"db-pool"`)
	assert.Contains(t, out, "operation settled")
}

func TestLogging_FlowFieldsAndFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	scope := reflow.NewScope(reflow.WithExtension(NewLogging(logger)))

	boom := errors.New("ledger offline")
	flow := reflow.NewFlow("charge", func(*reflow.ExecutionCtx, struct{}) (int, error) {
		return 0, boom
	})
	_, _, err := reflow.Exec(scope, context.Background(), flow, struct{}{}, reflow.WithKey("u1"))
	require.ErrorIs(t, err, boom)

	out := buf.String()
	assert.Contains(t, out, "flow started")
	assert.Contains(t, out, `"target":"flow"`)
	assert.Contains(t, out, `"journal_key":"charge:0:u1"`)
	assert.Contains(t, out, "ledger offline")
}

func TestLogging_ClaimsCleanupErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	scope := reflow.NewScope(reflow.WithExtension(NewLogging(logger)))

	exec := reflow.Provide("conn", func(ctx *reflow.ResolveCtx) (int, error) {
		ctx.OnCleanup(func() error { return errors.New("close failed") })
		return 1, nil
	})
	_, err := reflow.Resolve(scope, exec)
	require.NoError(t, err)
	require.NoError(t, scope.Release(exec))

	assert.Contains(t, buf.String(), "cleanup failed")
}

func TestGraphDebug_RecordsHistory(t *testing.T) {
	ext := NewGraphDebug(zerolog.Nop(), 10)
	scope := reflow.NewScope(reflow.WithExtension(ext))

	a := reflow.Supply("a", 1)
	b := reflow.Derive1("b", a, func(_ *reflow.ResolveCtx, ac *reflow.Controller[int]) (int, error) {
		v, err := ac.Get()
		return v + 1, err
	})
	_, err := reflow.Resolve(scope, b)
	require.NoError(t, err)

	events := ext.Events()
	require.Len(t, events, 2)
	// Dependencies settle first, so the history reads bottom-up.
	assert.Equal(t, "a", events[0].Name)
	assert.Equal(t, "b", events[1].Name)
	for _, e := range events {
		assert.Equal(t, reflow.OpResolve, e.Kind)
		assert.NoError(t, e.Err)
	}

	ext.Reset()
	require.Empty(t, ext.Events())
}

func TestGraphDebug_BoundedHistory(t *testing.T) {
	ext := NewGraphDebug(zerolog.Nop(), 3)
	scope := reflow.NewScope(reflow.WithExtension(ext))

	for _, name := range []string{"e1", "e2", "e3", "e4", "e5"} {
		exec := reflow.Supply(name, 0)
		_, err := reflow.Resolve(scope, exec)
		require.NoError(t, err)
	}

	events := ext.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].Name)
	assert.Equal(t, "e5", events[2].Name)
}

func TestGraphDebug_RecordsFailures(t *testing.T) {
	ext := NewGraphDebug(zerolog.Nop(), 10)
	scope := reflow.NewScope(reflow.WithExtension(ext))

	exec := reflow.Provide("broken", func(*reflow.ResolveCtx) (int, error) {
		return 0, errors.New("nope")
	})
	_, err := reflow.Resolve(scope, exec)
	require.Error(t, err)

	events := ext.Events()
	require.Len(t, events, 1)
	require.Error(t, events[0].Err)
}

func TestMetrics_CountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	scope := reflow.NewScope(reflow.WithExtension(m))

	ok := reflow.Supply("ok", 1)
	_, err := reflow.Resolve(scope, ok)
	require.NoError(t, err)

	broken := reflow.Provide("broken", func(*reflow.ResolveCtx) (int, error) {
		return 0, errors.New("nope")
	})
	_, err = reflow.Resolve(scope, broken)
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("resolve", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("resolve", "error")))
}

func TestTracing_SpansPerOperation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	scope := reflow.NewScope(reflow.WithExtension(NewTracing(provider.Tracer("test"))))

	flow := reflow.NewFlow("checkout", func(*reflow.ExecutionCtx, struct{}) (int, error) {
		return 1, nil
	})
	_, _, err := reflow.Exec(scope, context.Background(), flow, struct{}{})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "execution.checkout", spans[0].Name())
}
