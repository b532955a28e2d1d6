package node

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/eval"
	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(conditionHandler)

// conditionHandler evaluates its cases in declared order; the first
// matching case selects the edge with that label, the default edge
// matches last. Case config mirrors eval.Condition plus a "label".
type conditionHandler struct{}

func (h *conditionHandler) Type() string {
	return TYPE_CONDITION
}

func (h *conditionHandler) Validate(n model.Node) error {
	cases, err := parseCases(n)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("nodeId=%s, condition node needs at least one case", n.Id)
	}
	return nil
}

func (h *conditionHandler) Vars(n model.Node) ([]string, []string) {
	var reads []string
	cases, _ := parseCases(n)
	for _, c := range cases {
		if c.cond.Variable != "" {
			reads = append(reads, c.cond.Variable)
		}
	}
	return reads, nil
}

func (h *conditionHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	cases, err := parseCases(ec.Node)
	if err != nil {
		return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: err.Error()}, false)
	}
	for _, c := range cases {
		matched, err := eval.Evaluate(c.cond, ec.Scope)
		if err != nil {
			return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: err.Error()}, false)
		}
		if matched {
			return BranchTo(c.label, map[string]any{"matched": c.label})
		}
	}
	return BranchTo(model.EDGE_DEFAULT, map[string]any{"matched": model.EDGE_DEFAULT})
}

type conditionCase struct {
	label string
	cond  eval.Condition
}

func parseCases(n model.Node) ([]conditionCase, error) {
	raw, ok := n.Config["cases"].([]any)
	if !ok {
		return nil, fmt.Errorf("nodeId=%s, condition node needs a cases list", n.Id)
	}
	var cases []conditionCase
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("nodeId=%s, case %d is not an object", n.Id, i)
		}
		label, _ := m["label"].(string)
		if label == "" {
			return nil, fmt.Errorf("nodeId=%s, case %d has no label", n.Id, i)
		}
		c := eval.Condition{}
		c.Variable, _ = m["variable"].(string)
		c.Operator, _ = m["operator"].(string)
		c.Value = m["value"]
		c.Expression, _ = m["expression"].(string)
		if c.Expression == "" && c.Operator == "" {
			return nil, fmt.Errorf("nodeId=%s, case %q has neither operator nor expression", n.Id, label)
		}
		cases = append(cases, conditionCase{label: label, cond: c})
	}
	return cases, nil
}
