package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/chatdeck/flowengine/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

// DuplicateSessionError signals that an open session already exists for
// the (flow, conversation) pair. At most one open session per pair.
type DuplicateSessionError struct {
	FlowId         string
	ConversationId string
}

func (e DuplicateSessionError) Error() string {
	return fmt.Sprintf("open session already exists for flow %s conversation %s", e.FlowId, e.ConversationId)
}

type SessionDao interface {
	// Create persists a new session and registers it in the open-session
	// index; fails with DuplicateSessionError if the invariant would break.
	Create(ctx context.Context, s *model.Session) error
	// Save replaces the session row wholesale and maintains the open
	// index (terminal sessions are removed from it).
	Save(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, tenantId string, sessionId string) (*model.Session, error)
	FindOpen(ctx context.Context, tenantId string, flowId string, conversationId string) (*model.Session, error)
	FindOpenByConversation(ctx context.Context, tenantId string, conversationId string) ([]*model.Session, error)
}

type StepDao interface {
	Append(ctx context.Context, rec *model.StepRecord) error
	Update(ctx context.Context, rec *model.StepRecord) error
	// List returns all records of a session ordered by (Seq, Attempt).
	List(ctx context.Context, sessionId string) ([]*model.StepRecord, error)
	// Find returns the attempts for one logical step, ordered by Attempt.
	Find(ctx context.Context, sessionId string, nodeId string, seq int) ([]*model.StepRecord, error)
}

type FollowUpQueue interface {
	Schedule(ctx context.Context, fu *model.FollowUp) error
	// Reschedule pushes an existing follow-up to a new fire time.
	Reschedule(ctx context.Context, fu *model.FollowUp, delay time.Duration) error
	Cancel(ctx context.Context, id string) error
	CancelForSession(ctx context.Context, sessionId string) error
	// PopDue atomically claims follow-ups due at now; a claimed follow-up
	// is delivered at most once per claim.
	PopDue(ctx context.Context, now time.Time, limit int) ([]*model.FollowUp, error)
	Update(ctx context.Context, fu *model.FollowUp) error
}

type FlowDefDao interface {
	Save(ctx context.Context, def *model.FlowDef) error
	Get(ctx context.Context, flowId string, version int) (*model.FlowDef, error)
	// Active returns the latest active version of each flow for a tenant.
	Active(ctx context.Context, tenantId string) ([]*model.FlowDef, error)
}

// Locker provides the per-conversation exclusive lock held across one
// whole interpreter invocation. Implementations: in-process striped
// locks (single logical engine process) or redis leases (multi-process).
type Locker interface {
	// Acquire blocks up to wait for the lock on key and returns the
	// release function, or a model.ConcurrencyError on timeout.
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}

type Storage interface {
	Sessions() SessionDao
	Steps() StepDao
	FollowUps() FollowUpQueue
	FlowDefs() FlowDefDao
}
