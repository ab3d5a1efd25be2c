package extensions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reflowlabs/reflow"
)

// GraphEvent is one recorded operation outcome.
type GraphEvent struct {
	Kind     reflow.OperationKind
	Name     string
	Err      error
	Duration time.Duration
	At       time.Time
}

// GraphDebug records every operation outcome in a bounded ring and logs
// resolution failures with the recent history, so a broken graph can be
// reconstructed after the fact.
type GraphDebug struct {
	reflow.BaseExtension
	logger zerolog.Logger

	mu     sync.Mutex
	events []GraphEvent
	limit  int
}

// NewGraphDebug creates a graph debug extension keeping at most limit
// events.
func NewGraphDebug(logger zerolog.Logger, limit int) *GraphDebug {
	if limit <= 0 {
		limit = 256
	}
	return &GraphDebug{
		BaseExtension: reflow.NewBaseExtension("graph-debug"),
		logger:        logger,
		limit:         limit,
	}
}

func (e *GraphDebug) Wrap(ctx context.Context, next func() (any, error), op *reflow.Operation) (any, error) {
	start := time.Now()
	result, err := next()
	e.mu.Lock()
	e.events = append(e.events, GraphEvent{
		Kind:     op.Kind,
		Name:     op.OperationName(),
		Err:      err,
		Duration: time.Since(start),
		At:       start,
	})
	if len(e.events) > e.limit {
		e.events = e.events[len(e.events)-e.limit:]
	}
	e.mu.Unlock()
	return result, err
}

func (e *GraphDebug) OnError(err error, op *reflow.Operation, scope *reflow.Scope) {
	evt := e.logger.Error().Err(err).
		Str("op", string(op.Kind)).
		Str("name", op.OperationName())
	history := e.Events()
	names := make([]string, 0, len(history))
	for _, h := range history {
		if h.Err == nil {
			names = append(names, h.Name)
		}
	}
	evt.Strs("resolved_before_failure", names).Msg("operation failed")
}

// Events returns a copy of the recorded history, oldest first.
func (e *GraphDebug) Events() []GraphEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GraphEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Reset clears the recorded history.
func (e *GraphDebug) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}
