package model

import "time"

// InboundMessage is one message received from a channel, as handed to the
// engine by the webhook layer. MessageId is the channel-assigned id used
// for duplicate-delivery detection.
type InboundMessage struct {
	MessageId      string         `json:"messageId"`
	TenantId       string         `json:"tenantId"`
	ConversationId string         `json:"conversationId"`
	ContactId      string         `json:"contactId"`
	Channel        string         `json:"channel"`
	Type           string         `json:"type"`
	Text           string         `json:"text,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReceivedAt     time.Time      `json:"receivedAt"`
}

// StartFlowRequest is an explicit API trigger bypassing trigger matching.
type StartFlowRequest struct {
	TenantId       string         `json:"tenantId"`
	FlowId         string         `json:"flowId"`
	ConversationId string         `json:"conversationId"`
	ContactId      string         `json:"contactId"`
	Channel        string         `json:"channel"`
	EntryNode      string         `json:"entryNode,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
}

type OutcomeStatus string

const OUTCOME_COMPLETED OutcomeStatus = "completed"
const OUTCOME_SUSPENDED OutcomeStatus = "suspended"
const OUTCOME_FAILED OutcomeStatus = "failed"
const OUTCOME_IGNORED OutcomeStatus = "ignored"

// Outcome is the definite result the calling webhook/API layer receives
// for one event. The engine never lets an error escape past it.
type Outcome struct {
	SessionId string        `json:"sessionId,omitempty"`
	Status    OutcomeStatus `json:"status"`
	State     SessionState  `json:"state,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}
