package reflow

import (
	"time"

	"github.com/reflowlabs/reflow/schema"
)

// AnyFlow is the type-erased view of a flow for extensions and
// diagnostics.
type AnyFlow interface {
	Name() string
	Version() string
	Deps() []Dependency
	GetTag(tag any) (any, bool)
	SetTag(tag any, val any)
}

// Flow is a declared short-span operation: a named handler with input
// and output contracts and optional executor dependencies. Declaring a
// flow never runs anything.
type Flow[I any, O any] struct {
	name    string
	version string
	deps    []Dependency
	input   schema.Schema
	output  schema.Schema
	handler func(*ExecutionCtx, I) (O, error)
	tags    map[any]any
}

func (f *Flow[I, O]) Name() string       { return f.name }
func (f *Flow[I, O]) Version() string    { return f.version }
func (f *Flow[I, O]) Deps() []Dependency { return f.deps }

func (f *Flow[I, O]) GetTag(tag any) (any, bool) {
	val, ok := f.tags[tag]
	return val, ok
}

func (f *Flow[I, O]) SetTag(tag any, val any) {
	f.tags[tag] = val
}

type flowConfig struct {
	version string
	deps    []Dependency
	input   schema.Schema
	output  schema.Schema
	tags    map[any]any
}

// FlowOption configures a flow at declaration time.
type FlowOption func(*flowConfig)

// WithVersion records a version string on the flow.
func WithVersion(v string) FlowOption {
	return func(cfg *flowConfig) { cfg.version = v }
}

// WithFlowDeps declares executor dependencies resolved before the
// handler runs (lazy edges excepted).
func WithFlowDeps(deps ...Dependency) FlowOption {
	return func(cfg *flowConfig) { cfg.deps = append(cfg.deps, deps...) }
}

// WithInputSchema attaches the input contract, validated on every
// execution before the handler is invoked.
func WithInputSchema(s schema.Schema) FlowOption {
	return func(cfg *flowConfig) { cfg.input = s }
}

// WithOutputSchema attaches the output contract, validated after the
// handler returns.
func WithOutputSchema(s schema.Schema) FlowOption {
	return func(cfg *flowConfig) { cfg.output = s }
}

// WithFlowTag sets a typed tag on the flow.
func WithFlowTag[T any](tag Tag[T], val T) FlowOption {
	return func(cfg *flowConfig) { cfg.tags[tag] = val }
}

// NewFlow declares a flow.
func NewFlow[I any, O any](name string, handler func(*ExecutionCtx, I) (O, error), opts ...FlowOption) *Flow[I, O] {
	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Flow[I, O]{
		name:    name,
		version: cfg.version,
		deps:    cfg.deps,
		input:   cfg.input,
		output:  cfg.output,
		handler: handler,
		tags:    cfg.tags,
	}
}

// ExecutionStatus is the lifecycle state recorded on execution contexts.
type ExecutionStatus int

const (
	ExecutionStatusRunning ExecutionStatus = iota
	ExecutionStatusSuccess
	ExecutionStatusFailed
	ExecutionStatusCancelled
	ExecutionStatusReplayed
)

var (
	flowNameTag    = NewTag[string]("flow.name")
	flowVersionTag = NewTag[string]("flow.version")
	startTimeTag   = NewTag[time.Time]("exec.start_time")
	endTimeTag     = NewTag[time.Time]("exec.end_time")
	statusTag      = NewTag[ExecutionStatus]("exec.status")
	errorTag       = NewTag[error]("exec.error")
	inputTag       = NewTag[any]("exec.input")
	outputTag      = NewTag[any]("exec.output")
	journalKeyTag  = NewTag[string]("exec.journal_key")
	panicStackTag  = NewTag[[]byte]("exec.panic_stack")
)

func FlowNameTag() Tag[string]     { return flowNameTag }
func FlowVersionTag() Tag[string]  { return flowVersionTag }
func StartTime() Tag[time.Time]    { return startTimeTag }
func EndTime() Tag[time.Time]      { return endTimeTag }
func Status() Tag[ExecutionStatus] { return statusTag }
func ErrorTag() Tag[error]         { return errorTag }
func Input() Tag[any]              { return inputTag }
func Output() Tag[any]             { return outputTag }
func JournalKey() Tag[string]      { return journalKeyTag }
func PanicStack() Tag[[]byte]      { return panicStackTag }
