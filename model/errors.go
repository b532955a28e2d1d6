package model

import "fmt"

// ValidationError: malformed node config or unresolvable required
// variable. Fails the step, never retried.
type ValidationError struct {
	NodeId  string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error at node %s: %s", e.NodeId, e.Message)
}

// ExternalServiceError: channel send, webhook or AI call failed.
// Retryable up to the node's configured max-retry count.
type ExternalServiceError struct {
	Service string
	Message string
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s error: %s", e.Service, e.Message)
}

// TimeoutError: node execution or waiting deadline exceeded.
type TimeoutError struct {
	NodeId  string
	Message string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timeout at node %s: %s", e.NodeId, e.Message)
}

// ConcurrencyError: session lock could not be acquired within the bounded
// wait. Session state is untouched; the caller should redeliver later.
type ConcurrencyError struct {
	SessionId string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("could not acquire lock for session %s", e.SessionId)
}

// GraphIntegrityError: cursor references a node absent from the pinned
// flow version. Fails the session permanently.
type GraphIntegrityError struct {
	FlowId  string
	Version int
	NodeId  string
}

func (e GraphIntegrityError) Error() string {
	return fmt.Sprintf("node %s not present in flow %s version %d", e.NodeId, e.FlowId, e.Version)
}

// BudgetExceededError: the interpreter loop hit the max-steps or
// wall-clock guard within a single invocation.
type BudgetExceededError struct {
	SessionId string
	Steps     int
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("execution budget exceeded for session %s after %d steps", e.SessionId, e.Steps)
}
