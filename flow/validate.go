package flow

import (
	"fmt"
	"strings"

	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
)

// Validate checks a flow definition against the node catalog before it
// can be activated: unique node ids, a real entry node, edge endpoints
// that exist, known node types, per-handler config validation, and that
// every variable a node reads is written somewhere upstream-or-anywhere
// in the flow, declared on the flow, or comes from the message/contact.
func Validate(def *model.FlowDef, registry *node.Registry) error {
	if def.EntryNode == "" {
		return fmt.Errorf("flow %s has no entry node", def.Id)
	}
	nodeIds := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if nodeIds[n.Id] {
			return fmt.Errorf("node id %s is duplicate", n.Id)
		}
		nodeIds[n.Id] = true
	}
	if !nodeIds[def.EntryNode] {
		return fmt.Errorf("entry node %s not present in flow %s", def.EntryNode, def.Id)
	}
	for _, e := range def.Edges {
		if !nodeIds[e.Source] {
			return fmt.Errorf("edge source %s not present in flow %s", e.Source, def.Id)
		}
		if !nodeIds[e.Target] {
			return fmt.Errorf("edge target %s not present in flow %s", e.Target, def.Id)
		}
	}
	written := make(map[string]bool)
	for _, declared := range def.DeclaredVars {
		written[declared] = true
	}
	handlers := make(map[string]node.Handler, len(def.Nodes))
	for _, n := range def.Nodes {
		h, ok := registry.Get(n.Type)
		if !ok {
			return fmt.Errorf("node %s has unknown type %q", n.Id, n.Type)
		}
		if err := h.Validate(n); err != nil {
			return err
		}
		handlers[n.Id] = h
		_, writes := h.Vars(n)
		for _, w := range writes {
			written[w] = true
		}
	}
	for _, n := range def.Nodes {
		reads, _ := handlers[n.Id].Vars(n)
		for _, r := range reads {
			if name, isVar := strings.CutPrefix(r, "vars."); isVar {
				root := strings.SplitN(name, ".", 2)[0]
				if !written[root] {
					return fmt.Errorf("node %s reads variable %q which nothing writes or declares", n.Id, root)
				}
			}
		}
	}
	return nil
}
