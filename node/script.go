package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatdeck/flowengine/model"
	"github.com/dop251/goja"
)

var _ Handler = new(scriptHandler)

// scriptHandler runs a JS snippet over the session variables. The script
// sees `$` bound to {vars: {...}, message: {...}} and whatever it leaves
// in $.vars is written back. Config: "expression".
type scriptHandler struct{}

func (h *scriptHandler) Type() string {
	return TYPE_SCRIPT
}

func (h *scriptHandler) Validate(n model.Node) error {
	expression, _ := n.Config["expression"].(string)
	if expression == "" {
		return fmt.Errorf("nodeId=%s, script node needs an expression", n.Id)
	}
	if _, err := goja.Compile(n.Id, expression, false); err != nil {
		return fmt.Errorf("nodeId=%s, script does not compile: %v", n.Id, err)
	}
	return nil
}

func (h *scriptHandler) Vars(n model.Node) ([]string, []string) {
	// Script reads and writes are dynamic; declared as the whole vars map.
	return []string{"vars"}, nil
}

func (h *scriptHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	expression, _ := ec.Node.Config["expression"].(string)
	data, err := json.Marshal(map[string]any{
		"vars":    ec.Scope["vars"],
		"message": ec.Scope["message"],
	})
	if err != nil {
		return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: err.Error()}, false)
	}
	vm := goja.New()
	script := fmt.Sprintf("var $ = %s;\n%s\n$", data, expression)
	value, err := vm.RunScript(fmt.Sprintf("%s_%s.js", ec.Session.FlowId, ec.Node.Id), script)
	if err != nil {
		return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: fmt.Sprintf("script error: %v", err)}, false)
	}
	exported, ok := value.Export().(map[string]any)
	if !ok {
		return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: "script must leave $ an object"}, false)
	}
	vars, _ := exported["vars"].(map[string]any)
	for name, v := range vars {
		ec.SetVar(name, v, model.SCOPE_SESSION)
	}
	return Advance(map[string]any{"vars": vars})
}
