package model

import "time"

type FollowUpState string

const FOLLOWUP_SCHEDULED FollowUpState = "scheduled"
const FOLLOWUP_SENT FollowUpState = "sent"
const FOLLOWUP_FAILED FollowUpState = "failed"
const FOLLOWUP_CANCELLED FollowUpState = "cancelled"
const FOLLOWUP_EXPIRED FollowUpState = "expired"

type FollowUpKind string

// FOLLOWUP_RESUME injects a synthetic timer event into the execution
// scheduler; FOLLOWUP_MESSAGE sends a deferred outbound message directly.
const FOLLOWUP_RESUME FollowUpKind = "resume"
const FOLLOWUP_MESSAGE FollowUpKind = "message"

type FollowUp struct {
	Id             string         `json:"id"`
	TenantId       string         `json:"tenantId"`
	SessionId      string         `json:"sessionId"`
	ConversationId string         `json:"conversationId"`
	NodeId         string         `json:"nodeId"`
	Channel        string         `json:"channel"`
	Kind           FollowUpKind   `json:"kind"`
	Content        map[string]any `json:"content,omitempty"`
	FireAt         time.Time      `json:"fireAt"`
	State          FollowUpState  `json:"state"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"lastError,omitempty"`
}
