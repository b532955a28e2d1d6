package node

import (
	"context"
	"fmt"
	"time"

	"github.com/chatdeck/flowengine/eval"
	"github.com/chatdeck/flowengine/model"
)

const TYPE_TRIGGER = "trigger"
const TYPE_MESSAGE = "message"
const TYPE_CONDITION = "condition"
const TYPE_WAIT = "wait"
const TYPE_DELAY = "delay"
const TYPE_WEBHOOK = "webhook"
const TYPE_AI = "ai"
const TYPE_SCRIPT = "script"
const TYPE_SET_VARIABLE = "set_variable"
const TYPE_PIPELINE = "pipeline"
const TYPE_BOT_DISABLE = "bot_disable"
const TYPE_END = "end"

const EVENT_TIMER = "timer"

type ResultKind int

const (
	ADVANCE ResultKind = iota
	BRANCH
	SUSPEND
	TERMINATE
	FAIL
)

// Result is the tagged outcome of one node execution. The interpreter is
// the only consumer; handlers build results through the constructors
// below and never touch the session cursor themselves.
type Result struct {
	Kind       ResultKind
	NextNode   string
	Branch     string
	Waiting    *model.WaitingContext
	FinalState model.SessionState
	Err        error
	Retryable  bool
	Output     map[string]any
}

// Advance follows the node's default edge.
func Advance(output map[string]any) Result {
	return Result{Kind: ADVANCE, Output: output}
}

// AdvanceTo jumps to an explicit node id, bypassing edges.
func AdvanceTo(nodeId string, output map[string]any) Result {
	return Result{Kind: ADVANCE, NextNode: nodeId, Output: output}
}

// BranchTo follows the edge carrying the given label.
func BranchTo(label string, output map[string]any) Result {
	return Result{Kind: BRANCH, Branch: label, Output: output}
}

// Suspend halts the interpreter until a matching resume event arrives.
func Suspend(wc *model.WaitingContext) Result {
	return Result{Kind: SUSPEND, Waiting: wc}
}

// Terminate ends the session with the given final state.
func Terminate(state model.SessionState) Result {
	return Result{Kind: TERMINATE, FinalState: state}
}

func Fail(err error, retryable bool) Result {
	return Result{Kind: FAIL, Err: err, Retryable: retryable}
}

func Failf(nodeId string, format string, args ...any) Result {
	return Fail(model.ValidationError{NodeId: nodeId, Message: fmt.Sprintf(format, args...)}, false)
}

// ExecutionContext carries everything a handler may read for one attempt.
// Session is the interpreter's working copy: variable writes through
// SetVar land on it and are committed with the step.
type ExecutionContext struct {
	Session *model.Session
	Flow    *model.FlowDef
	Node    model.Node
	Message *model.InboundMessage
	Event   string
	Attempt int

	// Resuming is set when the session was suspended at this node and the
	// current event is the resume input.
	Resuming bool

	// EffectDone is set when a completed step record already exists for
	// this (session, node, step). Side-effecting handlers must skip their
	// effect and route using PriorOutput instead.
	EffectDone  bool
	PriorOutput map[string]any

	Scope  map[string]any
	Params map[string]any
}

// SetVar writes a session variable on the working copy.
func (ec *ExecutionContext) SetVar(name string, value any, scope model.VariableScope) {
	if ec.Session.Variables == nil {
		ec.Session.Variables = make(map[string]model.Variable)
	}
	ec.Session.Variables[name] = model.NewVariable(name, value, scope)
}

// Param returns a resolved config value as a string, "" when absent.
func (ec *ExecutionContext) Param(key string) string {
	v, ok := ec.Params[key]
	if !ok || v == nil {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Handler executes one node type. Implementations are stateless and
// reentrant; all per-invocation state lives on the ExecutionContext.
type Handler interface {
	Type() string
	Validate(n model.Node) error
	// Vars declares the variable paths the node type reads and the
	// variable names it writes, given its config. Checked at flow
	// validation time.
	Vars(n model.Node) (reads []string, writes []string)
	Execute(ctx context.Context, ec *ExecutionContext) Result
}

// Sender delivers one outbound message through the channel gateway.
// Wire formats are the gateway's problem; failures are retryable.
type Sender interface {
	Send(ctx context.Context, conversationId string, channel string, content map[string]any) (string, error)
}

// AIProvider produces a completion for the ai node.
type AIProvider interface {
	Complete(ctx context.Context, prompt string, config map[string]any) (string, error)
}

// WebhookCaller performs the webhook node's HTTP call.
type WebhookCaller interface {
	Call(ctx context.Context, method string, url string, headers map[string]string, payload map[string]any) (int, map[string]any, error)
}

// PipelineUpdater moves a contact to a pipeline stage in the CRM.
type PipelineUpdater interface {
	UpdateStage(ctx context.Context, tenantId string, contactId string, pipelineId string, stageId string) error
}

// Dependencies are the external collaborators handlers may call.
type Dependencies struct {
	Sender   Sender
	AI       AIProvider
	Webhook  WebhookCaller
	Pipeline PipelineUpdater
}

// Registry is the open node catalog: type tag to handler. New node types
// register without touching the interpreter.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry returns a registry with all built-in node types.
func NewDefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry()
	r.Register(&triggerHandler{})
	r.Register(&messageHandler{sender: deps.Sender})
	r.Register(&conditionHandler{})
	r.Register(&waitHandler{})
	r.Register(&delayHandler{})
	r.Register(&webhookHandler{caller: deps.Webhook})
	r.Register(&aiHandler{provider: deps.AI})
	r.Register(&scriptHandler{})
	r.Register(&setVariableHandler{})
	r.Register(&pipelineHandler{updater: deps.Pipeline})
	r.Register(&terminateHandler{nodeType: TYPE_END, finalState: model.SESSION_COMPLETED})
	r.Register(&terminateHandler{nodeType: TYPE_BOT_DISABLE, finalState: model.SESSION_ABANDONED})
	return r
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

func (r *Registry) Get(nodeType string) (Handler, bool) {
	h, ok := r.handlers[nodeType]
	return h, ok
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// MaxRetries reads the node's retry bound, falling back to def.
func MaxRetries(n model.Node, def int) int {
	if v, ok := n.Config["maxRetries"]; ok {
		if f, isNum := toInt(v); isNum {
			return f
		}
	}
	return def
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func durationParam(config map[string]any, key string, unit time.Duration) (time.Duration, bool) {
	v, ok := config[key]
	if !ok {
		return 0, false
	}
	n, isNum := toInt(v)
	if !isNum || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// readsFromConfig collects {{...}} references out of a config payload so
// handlers can declare reads without per-field bookkeeping.
func readsFromConfig(config map[string]any) []string {
	var reads []string
	var walk func(v any)
	walk = func(v any) {
		switch tv := v.(type) {
		case map[string]any:
			for _, item := range tv {
				walk(item)
			}
		case []any:
			for _, item := range tv {
				walk(item)
			}
		case string:
			reads = append(reads, eval.References(tv)...)
		}
	}
	walk(config)
	return reads
}
