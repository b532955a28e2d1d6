package node

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(setVariableHandler)

// setVariableHandler writes session variables. Config: "variables":
// [{name, value, scope}], values interpolated against the session scope.
type setVariableHandler struct{}

func (h *setVariableHandler) Type() string {
	return TYPE_SET_VARIABLE
}

func (h *setVariableHandler) Validate(n model.Node) error {
	assignments, err := parseAssignments(n.Config)
	if err != nil {
		return fmt.Errorf("nodeId=%s, %v", n.Id, err)
	}
	if len(assignments) == 0 {
		return fmt.Errorf("nodeId=%s, set_variable node needs variables", n.Id)
	}
	return nil
}

func (h *setVariableHandler) Vars(n model.Node) ([]string, []string) {
	var writes []string
	assignments, _ := parseAssignments(n.Config)
	for _, a := range assignments {
		writes = append(writes, a.name)
	}
	return readsFromConfig(n.Config), writes
}

func (h *setVariableHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	resolved, _ := ec.Params["variables"].([]any)
	output := make(map[string]any)
	for _, item := range resolved {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			return Failf(ec.Node.Id, "variable assignment without a name")
		}
		scope := model.SCOPE_SESSION
		if s, ok := m["scope"].(string); ok && s != "" {
			scope = model.VariableScope(s)
		}
		ec.SetVar(name, m["value"], scope)
		output[name] = m["value"]
	}
	return Advance(output)
}

type assignment struct {
	name string
}

func parseAssignments(config map[string]any) ([]assignment, error) {
	raw, ok := config["variables"].([]any)
	if !ok {
		return nil, fmt.Errorf("set_variable node needs a variables list")
	}
	var out []assignment
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("variable %d is not an object", i)
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("variable %d has no name", i)
		}
		out = append(out, assignment{name: name})
	}
	return out, nil
}
