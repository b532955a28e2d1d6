package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatdeck/flowengine/eval"
	"github.com/chatdeck/flowengine/model"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	calls   int
	lastMsg map[string]any
	err     error
}

func (f *fakeSender) Send(ctx context.Context, conversationId string, channel string, content map[string]any) (string, error) {
	f.calls++
	f.lastMsg = content
	if f.err != nil {
		return "", f.err
	}
	return "ext-1", nil
}

func newContext(n model.Node, msg *model.InboundMessage) *ExecutionContext {
	sess := &model.Session{
		Id:             "s1",
		ConversationId: "conv1",
		Channel:        "whatsapp",
		State:          model.SESSION_ACTIVE,
		Variables: map[string]model.Variable{
			"name": model.NewVariable("name", "Ada", model.SCOPE_SESSION),
		},
	}
	scope := eval.BuildScope(sess, msg)
	return &ExecutionContext{
		Session: sess,
		Node:    n,
		Message: msg,
		Attempt: 1,
		Scope:   scope,
		Params:  eval.ResolveParams(n.Config, scope),
	}
}

func TestMessageHandler(t *testing.T) {
	n := model.Node{Id: "n1", Type: TYPE_MESSAGE, Config: map[string]any{"text": "Hi {{vars.name}}"}}

	t.Run("sends interpolated text", func(t *testing.T) {
		sender := &fakeSender{}
		h := &messageHandler{sender: sender}
		res := h.Execute(context.Background(), newContext(n, nil))
		require.Equal(t, ADVANCE, res.Kind)
		require.Equal(t, 1, sender.calls)
		require.Equal(t, "Hi Ada", sender.lastMsg["text"])
		require.Equal(t, "ext-1", res.Output["externalMessageId"])
	})

	t.Run("skips send when effect already done", func(t *testing.T) {
		sender := &fakeSender{}
		h := &messageHandler{sender: sender}
		ec := newContext(n, nil)
		ec.EffectDone = true
		ec.PriorOutput = map[string]any{"externalMessageId": "ext-0"}
		res := h.Execute(context.Background(), ec)
		require.Equal(t, ADVANCE, res.Kind)
		require.Zero(t, sender.calls, "redelivered step must not send again")
		require.Equal(t, "ext-0", res.Output["externalMessageId"])
	})

	t.Run("gateway error is retryable", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("boom")}
		h := &messageHandler{sender: sender}
		res := h.Execute(context.Background(), newContext(n, nil))
		require.Equal(t, FAIL, res.Kind)
		require.True(t, res.Retryable)
		var svcErr model.ExternalServiceError
		require.ErrorAs(t, res.Err, &svcErr)
	})
}

func TestConditionHandler(t *testing.T) {
	n := model.Node{Id: "n1", Type: TYPE_CONDITION, Config: map[string]any{
		"cases": []any{
			map[string]any{"label": "vip", "variable": "vars.name", "operator": eval.OP_EQUALS, "value": "Ada"},
			map[string]any{"label": "greeting", "expression": `message.text == "hi"`},
		},
	}}
	h := &conditionHandler{}

	t.Run("first matching case wins", func(t *testing.T) {
		res := h.Execute(context.Background(), newContext(n, &model.InboundMessage{Text: "hi"}))
		require.Equal(t, BRANCH, res.Kind)
		require.Equal(t, "vip", res.Branch)
	})

	t.Run("later case matches when earlier misses", func(t *testing.T) {
		ec := newContext(n, &model.InboundMessage{Text: "hi"})
		ec.Scope["vars"].(map[string]any)["name"] = "Bob"
		res := h.Execute(context.Background(), ec)
		require.Equal(t, BRANCH, res.Kind)
		require.Equal(t, "greeting", res.Branch)
	})

	t.Run("no match falls to default", func(t *testing.T) {
		ec := newContext(n, &model.InboundMessage{Text: "bye"})
		ec.Scope["vars"].(map[string]any)["name"] = "Bob"
		res := h.Execute(context.Background(), ec)
		require.Equal(t, BRANCH, res.Kind)
		require.Equal(t, model.EDGE_DEFAULT, res.Branch)
	})

	t.Run("validate rejects empty cases", func(t *testing.T) {
		bad := model.Node{Id: "n2", Type: TYPE_CONDITION, Config: map[string]any{"cases": []any{}}}
		require.Error(t, h.Validate(bad))
	})
}

func TestWaitHandler(t *testing.T) {
	n := model.Node{Id: "n1", Type: TYPE_WAIT, Config: map[string]any{
		"inputType":      "number",
		"saveTo":         "age",
		"timeoutSeconds": 3600,
	}}
	h := &waitHandler{}

	t.Run("suspends with waiting context", func(t *testing.T) {
		res := h.Execute(context.Background(), newContext(n, nil))
		require.Equal(t, SUSPEND, res.Kind)
		require.Equal(t, model.WAIT_INPUT, res.Waiting.Kind)
		require.Equal(t, "number", res.Waiting.InputType)
		require.NotNil(t, res.Waiting.TimeoutAt)
	})

	t.Run("resume with matching input saves and advances", func(t *testing.T) {
		ec := newContext(n, &model.InboundMessage{Text: "34", Type: "text"})
		ec.Resuming = true
		ec.Session.Waiting = &model.WaitingContext{Kind: model.WAIT_INPUT, NodeId: "n1", InputType: "number"}
		res := h.Execute(context.Background(), ec)
		require.Equal(t, ADVANCE, res.Kind)
		require.Equal(t, "34", ec.Session.Variables["age"].Value)
	})

	t.Run("resume with mismatched input re-suspends", func(t *testing.T) {
		ec := newContext(n, &model.InboundMessage{Text: "not a number", Type: "text"})
		ec.Resuming = true
		ec.Session.Waiting = &model.WaitingContext{Kind: model.WAIT_INPUT, NodeId: "n1", InputType: "number"}
		res := h.Execute(context.Background(), ec)
		require.Equal(t, SUSPEND, res.Kind)
	})
}

func TestDelayHandler(t *testing.T) {
	h := &delayHandler{}

	t.Run("suspends with fire time and grace deadline", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_DELAY, Config: map[string]any{"delayMinutes": 30}}
		before := time.Now()
		res := h.Execute(context.Background(), newContext(n, nil))
		require.Equal(t, SUSPEND, res.Kind)
		require.Equal(t, model.WAIT_TIMER, res.Waiting.Kind)
		require.NotNil(t, res.Waiting.FireAt)
		require.WithinDuration(t, before.Add(30*time.Minute), *res.Waiting.FireAt, 5*time.Second)
		require.Equal(t, res.Waiting.FireAt.Add(defaultTimerGrace), *res.Waiting.TimeoutAt)
	})

	t.Run("timer resume advances", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_DELAY, Config: map[string]any{"delaySeconds": 10}}
		ec := newContext(n, nil)
		ec.Resuming = true
		ec.Event = EVENT_TIMER
		ec.Session.Waiting = &model.WaitingContext{Kind: model.WAIT_TIMER, NodeId: "n1"}
		res := h.Execute(context.Background(), ec)
		require.Equal(t, ADVANCE, res.Kind)
	})

	t.Run("message does not cut the delay short", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_DELAY, Config: map[string]any{"delaySeconds": 10}}
		ec := newContext(n, &model.InboundMessage{Text: "hello?"})
		ec.Resuming = true
		ec.Session.Waiting = &model.WaitingContext{Kind: model.WAIT_TIMER, NodeId: "n1"}
		res := h.Execute(context.Background(), ec)
		require.Equal(t, SUSPEND, res.Kind)
	})

	t.Run("validate rejects missing duration", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_DELAY, Config: map[string]any{}}
		require.Error(t, h.Validate(n))
	})
}

func TestSetVariableHandler(t *testing.T) {
	h := &setVariableHandler{}
	n := model.Node{Id: "n1", Type: TYPE_SET_VARIABLE, Config: map[string]any{
		"variables": []any{
			map[string]any{"name": "greeting", "value": "Hi {{vars.name}}"},
			map[string]any{"name": "stage", "value": "qualified", "scope": string(model.SCOPE_FLOW)},
		},
	}}
	ec := newContext(n, nil)
	res := h.Execute(context.Background(), ec)
	require.Equal(t, ADVANCE, res.Kind)
	require.Equal(t, "Hi Ada", ec.Session.Variables["greeting"].Value)
	require.Equal(t, model.SCOPE_FLOW, ec.Session.Variables["stage"].Scope)
}

func TestScriptHandler(t *testing.T) {
	h := &scriptHandler{}

	t.Run("writes back mutated vars", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_SCRIPT, Config: map[string]any{
			"expression": `$.vars.shout = $.vars.name.toUpperCase();`,
		}}
		ec := newContext(n, nil)
		res := h.Execute(context.Background(), ec)
		require.Equal(t, ADVANCE, res.Kind)
		require.Equal(t, "ADA", ec.Session.Variables["shout"].Value)
	})

	t.Run("validate rejects broken script", func(t *testing.T) {
		n := model.Node{Id: "n1", Type: TYPE_SCRIPT, Config: map[string]any{"expression": "this is not js"}}
		require.Error(t, h.Validate(n))
	})
}

func TestTerminateHandler(t *testing.T) {
	h := &terminateHandler{nodeType: TYPE_END, finalState: model.SESSION_COMPLETED}
	res := h.Execute(context.Background(), newContext(model.Node{Id: "end"}, nil))
	require.Equal(t, TERMINATE, res.Kind)
	require.Equal(t, model.SESSION_COMPLETED, res.FinalState)
}
