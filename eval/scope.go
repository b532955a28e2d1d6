package eval

import (
	"time"

	"github.com/chatdeck/flowengine/model"
)

// Undefined is what an unresolvable {{...}} reference interpolates to.
// Conditions evaluated against a missing path see nil and do not match
// unless the operator explicitly tests for absence.
const Undefined = "undefined"

// BuildScope assembles the lookup environment for interpolation and
// condition evaluation: live session variables under "vars", the
// triggering message under "message", contact and session metadata.
func BuildScope(session *model.Session, msg *model.InboundMessage) map[string]any {
	now := time.Now()
	vars := make(map[string]any)
	for name, v := range session.Variables {
		if v.Live(now) {
			vars[name] = v.Value
		}
	}
	scope := map[string]any{
		"vars": vars,
		"session": map[string]any{
			"id":          session.Id,
			"flowId":      session.FlowId,
			"state":       string(session.State),
			"currentNode": session.CurrentNode,
			"channel":     session.Channel,
		},
		"contact": map[string]any{
			"id": session.ContactId,
		},
	}
	if msg != nil {
		m := map[string]any{
			"id":   msg.MessageId,
			"type": msg.Type,
			"text": msg.Text,
		}
		for k, v := range msg.Payload {
			m[k] = v
		}
		scope["message"] = m
	}
	return scope
}
