package model

import "time"

type StepState string

const STEP_RUNNING StepState = "running"
const STEP_COMPLETED StepState = "completed"
const STEP_FAILED StepState = "failed"
const STEP_SKIPPED StepState = "skipped"
const STEP_WAITING StepState = "waiting"
const STEP_TIMEOUT StepState = "timeout"

// StepRecord is the durable log entry for one node execution attempt.
// It is appended in running state before the node's side effect runs and
// updated afterwards; its existence in completed state is what prevents a
// side effect from firing twice under redelivery.
type StepRecord struct {
	Id         string         `json:"id"`
	SessionId  string         `json:"sessionId"`
	NodeId     string         `json:"nodeId"`
	NodeType   string         `json:"nodeType"`
	Seq        int            `json:"seq"`
	Attempt    int            `json:"attempt"`
	State      StepState      `json:"state"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}
