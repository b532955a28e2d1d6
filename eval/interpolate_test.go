package eval

import (
	"testing"
	"time"

	"github.com/chatdeck/flowengine/model"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]any {
	return map[string]any{
		"vars": map[string]any{
			"name":  "Ada",
			"score": 42.0,
			"tags":  []any{"vip", "beta"},
		},
		"message": map[string]any{
			"text": "hello",
		},
	}
}

func TestInterpolate(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, scope map[string]any){
		"plain string passes through":     testInterpolatePlain,
		"embedded tokens render inline":   testInterpolateEmbedded,
		"single token preserves type":     testInterpolateSingleToken,
		"missing path yields undefined":   testInterpolateMissing,
		"references lists template paths": testReferences,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, testScope())
		})
	}
}

func testInterpolatePlain(t *testing.T, scope map[string]any) {
	require.Equal(t, "no tokens here", Interpolate("no tokens here", scope))
}

func testInterpolateEmbedded(t *testing.T, scope map[string]any) {
	out := Interpolate("Hi {{vars.name}}, you said {{message.text}}", scope)
	require.Equal(t, "Hi Ada, you said hello", out)
}

func testInterpolateSingleToken(t *testing.T, scope map[string]any) {
	out := Interpolate("{{vars.score}}", scope)
	require.Equal(t, 42.0, out)

	out = Interpolate("{{vars.tags}}", scope)
	require.Equal(t, []any{"vip", "beta"}, out)
}

func testInterpolateMissing(t *testing.T, scope map[string]any) {
	require.Equal(t, Undefined, Interpolate("{{vars.missing}}", scope))
	require.Equal(t, "value: undefined", Interpolate("value: {{vars.missing}}", scope))
}

func testReferences(t *testing.T, scope map[string]any) {
	refs := References("Hi {{vars.name}}, score {{ vars.score }}")
	require.Equal(t, []string{"vars.name", "vars.score"}, refs)
	require.Empty(t, References("nothing"))
}

func TestResolveParams(t *testing.T) {
	scope := testScope()
	params := ResolveParams(map[string]any{
		"text":  "Hi {{vars.name}}",
		"limit": 3,
		"nested": map[string]any{
			"score": "{{vars.score}}",
		},
		"list": []any{"{{message.text}}", "static"},
	}, scope)
	require.Equal(t, "Hi Ada", params["text"])
	require.Equal(t, 3, params["limit"])
	require.Equal(t, map[string]any{"score": 42.0}, params["nested"])
	require.Equal(t, []any{"hello", "static"}, params["list"])
}

func TestBuildScope(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	sess := &model.Session{
		Id:        "s1",
		FlowId:    "f1",
		ContactId: "c1",
		Channel:   "whatsapp",
		State:     model.SESSION_ACTIVE,
		Variables: map[string]model.Variable{
			"name": model.NewVariable("name", "Ada", model.SCOPE_SESSION),
			"gone": {Name: "gone", Value: "x", Scope: model.SCOPE_SESSION, ExpiresAt: &expired},
		},
	}
	msg := &model.InboundMessage{MessageId: "m1", Text: "hi", Type: "text", Payload: map[string]any{"lang": "en"}}

	scope := BuildScope(sess, msg)
	vars := scope["vars"].(map[string]any)
	require.Equal(t, "Ada", vars["name"])
	_, hasExpired := vars["gone"]
	require.False(t, hasExpired, "expired variables must not be visible")

	m := scope["message"].(map[string]any)
	require.Equal(t, "hi", m["text"])
	require.Equal(t, "en", m["lang"])

	scope = BuildScope(sess, nil)
	_, hasMessage := scope["message"]
	require.False(t, hasMessage)
}
