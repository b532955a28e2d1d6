package model

import "time"

type FlowStatus string

const FLOW_STATUS_DRAFT FlowStatus = "draft"
const FLOW_STATUS_ACTIVE FlowStatus = "active"
const FLOW_STATUS_INACTIVE FlowStatus = "inactive"
const FLOW_STATUS_ARCHIVED FlowStatus = "archived"

// Node is one vertex of a flow graph. Config is the node's schemaless
// configuration payload; its shape is owned by the node type's handler.
type Node struct {
	Id     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects Source to Target. Label selects the edge when the source
// node branches; the empty label (or "default") is the default edge.
// Edge order in the definition is the evaluation order.
type Edge struct {
	Source string `json:"source"`
	Label  string `json:"label,omitempty"`
	Target string `json:"target"`
}

const EDGE_DEFAULT = "default"

func (e Edge) IsDefault() bool {
	return e.Label == "" || e.Label == EDGE_DEFAULT
}

type TriggerMatchType string

const TRIGGER_MATCH_ANY TriggerMatchType = "any"
const TRIGGER_MATCH_EXACT TriggerMatchType = "exact"
const TRIGGER_MATCH_CONTAINS TriggerMatchType = "contains"
const TRIGGER_MATCH_REGEX TriggerMatchType = "regex"

// TriggerCondition decides whether an inbound message with no open
// session starts this flow.
type TriggerCondition struct {
	Channel   string           `json:"channel,omitempty"`
	MatchType TriggerMatchType `json:"matchType"`
	Keyword   string           `json:"keyword,omitempty"`
}

// FlowDef is one immutable version of a tenant's automation graph. A
// running session pins FlowId+Version for its whole lifetime.
type FlowDef struct {
	Id           string           `json:"id"`
	TenantId     string           `json:"tenantId"`
	Version      int              `json:"version"`
	Name         string           `json:"name,omitempty"`
	Status       FlowStatus       `json:"status"`
	Priority     int              `json:"priority"`
	ActivatedAt  time.Time        `json:"activatedAt,omitempty"`
	EntryNode    string           `json:"entryNode"`
	Trigger      TriggerCondition `json:"trigger"`
	DeclaredVars []string         `json:"declaredVars,omitempty"`
	Nodes        []Node           `json:"nodes"`
	Edges        []Edge           `json:"edges"`
}

func (f *FlowDef) NodeById(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.Id == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgesFrom returns the outgoing edges of a node in declared order.
func (f *FlowDef) EdgesFrom(nodeId string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == nodeId {
			out = append(out, e)
		}
	}
	return out
}

// EdgeFor returns the target for a branch label, falling back to the
// default edge. Empty target means the node has no successor.
func (f *FlowDef) EdgeFor(nodeId string, label string) string {
	edges := f.EdgesFrom(nodeId)
	if label != "" && label != EDGE_DEFAULT {
		for _, e := range edges {
			if e.Label == label {
				return e.Target
			}
		}
	}
	for _, e := range edges {
		if e.IsDefault() {
			return e.Target
		}
	}
	return ""
}
