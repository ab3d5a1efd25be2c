// Package extensions carries ready-made cross-cutting extensions for the
// runtime: structured logging, tracing, metrics, and graph debugging.
package extensions

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/reflowlabs/reflow"
)

// Logging logs every operation through the extension pipeline with
// structured fields.
type Logging struct {
	reflow.BaseExtension
	logger zerolog.Logger
}

// NewLogging creates a logging extension writing to the given logger.
func NewLogging(logger zerolog.Logger) *Logging {
	return &Logging{
		BaseExtension: reflow.NewBaseExtension("logging"),
		logger:        logger,
	}
}

func (e *Logging) Wrap(ctx context.Context, next func() (any, error), op *reflow.Operation) (any, error) {
	start := time.Now()
	result, err := next()
	evt := e.logger.Debug()
	if err != nil {
		evt = e.logger.Error().Err(err)
	}
	evt.Str("op", string(op.Kind)).
		Str("name", op.OperationName()).
		Dur("duration", time.Since(start))
	if op.Kind == reflow.OpExecution {
		evt = evt.Str("target", string(op.Target))
		if op.JournalKey != "" {
			evt = evt.Str("journal_key", op.JournalKey)
		}
	}
	evt.Msg("operation settled")
	return result, err
}

func (e *Logging) OnFlowStart(execCtx *reflow.ExecutionCtx, flow reflow.AnyFlow) error {
	e.logger.Debug().
		Str("flow", flow.Name()).
		Str("exec_id", execCtx.ID()).
		Int("depth", execCtx.Depth()).
		Msg("flow started")
	return nil
}

func (e *Logging) OnFlowPanic(execCtx *reflow.ExecutionCtx, recovered any, stack []byte) error {
	e.logger.Error().
		Str("exec_id", execCtx.ID()).
		Interface("recovered", recovered).
		Bytes("stack", stack).
		Msg("flow panicked")
	return nil
}

func (e *Logging) OnCleanupError(err *reflow.CleanupError) bool {
	e.logger.Warn().
		Str("executor", err.Executor).
		Str("context", err.Context).
		Err(err.Err).
		Msg("cleanup failed")
	return true
}
