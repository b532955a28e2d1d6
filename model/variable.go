package model

import "time"

type VariableScope string

const SCOPE_GLOBAL VariableScope = "global"
const SCOPE_FLOW VariableScope = "flow"
const SCOPE_SESSION VariableScope = "session"
const SCOPE_NODE VariableScope = "node"
const SCOPE_USER VariableScope = "user"

// Variable is a schemaless session value. Value round-trips through JSON,
// so after a reload numbers are float64, objects map[string]any and
// arrays []any regardless of how they were written.
type Variable struct {
	Name      string        `json:"name"`
	Value     any           `json:"value"`
	Scope     VariableScope `json:"scope"`
	Encrypted bool          `json:"encrypted,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

func NewVariable(name string, value any, scope VariableScope) Variable {
	return Variable{Name: name, Value: value, Scope: scope}
}

// Live reports whether the variable has not expired at now.
func (v Variable) Live(now time.Time) bool {
	return v.ExpiresAt == nil || now.Before(*v.ExpiresAt)
}
