package model

import (
	"time"
)

type SessionState string

const SESSION_ACTIVE SessionState = "active"
const SESSION_WAITING SessionState = "waiting"
const SESSION_PAUSED SessionState = "paused"
const SESSION_COMPLETED SessionState = "completed"
const SESSION_FAILED SessionState = "failed"
const SESSION_ABANDONED SessionState = "abandoned"
const SESSION_TIMEOUT SessionState = "timeout"

// Terminal reports whether no further transitions are permitted from s.
func (s SessionState) Terminal() bool {
	switch s {
	case SESSION_COMPLETED, SESSION_FAILED, SESSION_ABANDONED, SESSION_TIMEOUT:
		return true
	}
	return false
}

type WaitKind string

const WAIT_INPUT WaitKind = "input"
const WAIT_TIMER WaitKind = "timer"
const WAIT_EVENT WaitKind = "event"

// WaitingContext describes what would resume a waiting session. FireAt
// is when the execution scheduler should inject a timer resume; TimeoutAt
// is the hard deadline past which the session times out instead of
// resuming.
type WaitingContext struct {
	Kind       WaitKind   `json:"kind"`
	NodeId     string     `json:"nodeId"`
	InputType  string     `json:"inputType,omitempty"`
	Validation string     `json:"validation,omitempty"`
	Event      string     `json:"event,omitempty"`
	FireAt     *time.Time `json:"fireAt,omitempty"`
	TimeoutAt  *time.Time `json:"timeoutAt,omitempty"`
}

// Session is the execution state of one flow bound to one conversation.
// The interpreter replaces it wholesale on every commit; callers must not
// mutate a session they did not load under the session lock.
type Session struct {
	Id             string              `json:"id"`
	TenantId       string              `json:"tenantId"`
	FlowId         string              `json:"flowId"`
	FlowVersion    int                 `json:"flowVersion"`
	ConversationId string              `json:"conversationId"`
	ContactId      string              `json:"contactId"`
	Channel        string              `json:"channel"`
	State          SessionState        `json:"state"`
	CurrentNode    string              `json:"currentNode"`
	PreviousNode   string              `json:"previousNode"`
	TriggerNode    string              `json:"triggerNode"`
	Path           []string            `json:"path"`
	Variables      map[string]Variable `json:"variables"`
	Waiting        *WaitingContext     `json:"waiting,omitempty"`
	LastMessageId  string              `json:"lastMessageId,omitempty"`

	StartedAt        time.Time  `json:"startedAt"`
	LastActivityAt   time.Time  `json:"lastActivityAt"`
	PausedAt         *time.Time `json:"pausedAt,omitempty"`
	ResumedAt        *time.Time `json:"resumedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	NodeExecutions   int        `json:"nodeExecutions"`
	UserInteractions int        `json:"userInteractions"`
	ErrorCount       int        `json:"errorCount"`
	LastError        string     `json:"lastError,omitempty"`
}

// Expired reports whether the session's inactivity deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Clone returns a deep copy. The interpreter works on a copy and commits
// it, so a failed run never leaves a half-updated session behind.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Path = append([]string(nil), s.Path...)
	cp.Variables = make(map[string]Variable, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	if s.Waiting != nil {
		w := *s.Waiting
		cp.Waiting = &w
	}
	return &cp
}
