package engine

import (
	"context"
	"errors"
	"time"

	"github.com/chatdeck/flowengine/analytics"
	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/flow"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/google/uuid"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Ignore reasons the caller may branch on. The follow-up scheduler
// requeues a fire answered with ReasonPaused instead of dropping it.
const ReasonPaused = "session paused"
const ReasonDuplicate = "duplicate message"
const ReasonNoFlow = "no matching flow"
const ReasonExpired = "session expired"
const ReasonStaleTimer = "stale timer"
const ReasonTerminal = "session already terminal"

// TimerNotifier lets the scheduler nudge the follow-up poller when a
// newly scheduled resume is due before the next poll tick.
type TimerNotifier interface {
	Notify(fireAt time.Time)
}

// Scheduler is the single entry point for everything that can move a
// session: inbound messages, timer fires, explicit starts and the
// pause/resume/abandon controls. Every path locks the conversation
// before touching state, so one conversation executes strictly
// serially.
type Scheduler struct {
	storage  persistence.Storage
	flows    flow.Source
	interp   *Interpreter
	locks    persistence.Locker
	conf     config.EngineConfig
	dedup    *c.Cache
	notifier TimerNotifier
	now      func() time.Time
}

func NewScheduler(storage persistence.Storage, flows flow.Source, interp *Interpreter, locks persistence.Locker, conf config.EngineConfig) *Scheduler {
	return &Scheduler{
		storage: storage,
		flows:   flows,
		interp:  interp,
		locks:   locks,
		conf:    conf.WithDefaults(),
		dedup:   c.New(24*time.Hour, 10*time.Minute),
		now:     time.Now,
	}
}

func (s *Scheduler) SetTimerNotifier(n TimerNotifier) {
	s.notifier = n
}

// The lock key is conversation scoped, not session scoped, so message
// routing, session creation and timer fires for one conversation all
// serialize on the same lock.
func lockKey(tenantId string, conversationId string) string {
	return tenantId + ":" + conversationId
}

func dedupKey(msg *model.InboundMessage) string {
	return msg.TenantId + ":" + msg.MessageId
}

func (s *Scheduler) lockWait() time.Duration {
	return time.Duration(s.conf.LockWaitSeconds) * time.Second
}

// OnMessage routes one inbound message: resume the conversation's open
// session if there is one, otherwise run trigger matching and possibly
// start a new session.
func (s *Scheduler) OnMessage(ctx context.Context, msg *model.InboundMessage) (*model.Outcome, error) {
	if msg.MessageId != "" {
		if _, seen := s.dedup.Get(dedupKey(msg)); seen {
			return &model.Outcome{Status: model.OUTCOME_IGNORED, Reason: ReasonDuplicate}, nil
		}
	}
	release, err := s.locks.Acquire(ctx, lockKey(msg.TenantId, msg.ConversationId), s.lockWait())
	if err != nil {
		return nil, err
	}
	defer release()

	open, err := s.storage.Sessions().FindOpenByConversation(ctx, msg.TenantId, msg.ConversationId)
	if err != nil {
		return nil, err
	}
	var outcome *model.Outcome
	if len(open) == 0 {
		outcome, err = s.startFromTrigger(ctx, msg)
	} else {
		outcome, err = s.routeToSession(ctx, open[0], msg)
	}
	if err != nil {
		return nil, err
	}
	if msg.MessageId != "" {
		s.dedup.Set(dedupKey(msg), struct{}{}, c.DefaultExpiration)
	}
	s.afterRun(ctx, msg.TenantId, outcome)
	return outcome, nil
}

func (s *Scheduler) startFromTrigger(ctx context.Context, msg *model.InboundMessage) (*model.Outcome, error) {
	defs, err := s.flows.ActiveFlows(ctx, msg.TenantId, msg.Channel)
	if err != nil {
		return nil, err
	}
	def := flow.MatchTrigger(defs, msg)
	if def == nil {
		return &model.Outcome{Status: model.OUTCOME_IGNORED, Reason: ReasonNoFlow}, nil
	}
	sess := s.newSession(def, msg)
	if err := s.storage.Sessions().Create(ctx, sess); err != nil {
		var dup persistence.DuplicateSessionError
		if errors.As(err, &dup) {
			return &model.Outcome{Status: model.OUTCOME_IGNORED, Reason: err.Error()}, nil
		}
		return nil, err
	}
	logger.Info("session started",
		zap.String("sessionId", sess.Id),
		zap.String("flowId", def.Id),
		zap.Int("flowVersion", def.Version),
		zap.String("conversationId", msg.ConversationId))
	return s.interp.Run(ctx, sess, def, msg, ""), nil
}

func (s *Scheduler) newSession(def *model.FlowDef, msg *model.InboundMessage) *model.Session {
	now := s.now()
	expires := now.Add(time.Duration(s.conf.SessionTTLHours) * time.Hour)
	return &model.Session{
		Id:               uuid.New().String(),
		TenantId:         def.TenantId,
		FlowId:           def.Id,
		FlowVersion:      def.Version,
		ConversationId:   msg.ConversationId,
		ContactId:        msg.ContactId,
		Channel:          msg.Channel,
		State:            model.SESSION_ACTIVE,
		CurrentNode:      def.EntryNode,
		TriggerNode:      def.EntryNode,
		Variables:        map[string]model.Variable{},
		LastMessageId:    msg.MessageId,
		StartedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        &expires,
		UserInteractions: 1,
	}
}

func (s *Scheduler) routeToSession(ctx context.Context, sess *model.Session, msg *model.InboundMessage) (*model.Outcome, error) {
	now := s.now()
	if sess.Expired(now) {
		return s.expire(ctx, sess, ReasonExpired)
	}
	if msg.MessageId != "" && sess.LastMessageId == msg.MessageId {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonDuplicate}, nil
	}
	if sess.State == model.SESSION_PAUSED {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonPaused}, nil
	}
	if sess.State == model.SESSION_WAITING && sess.Waiting != nil &&
		sess.Waiting.TimeoutAt != nil && now.After(*sess.Waiting.TimeoutAt) {
		return s.expire(ctx, sess, "waiting deadline exceeded")
	}
	def, err := s.flows.GetFlowVersion(ctx, sess.FlowId, sess.FlowVersion)
	if err != nil {
		return nil, err
	}
	sess.LastMessageId = msg.MessageId
	sess.UserInteractions++
	return s.interp.Run(ctx, sess, def, msg, ""), nil
}

// OnTimerFire injects a timer resume for a suspended session. A fire
// past the waiting deadline times the session out instead of resuming
// it; a fire that no longer matches the waiting node is dropped.
func (s *Scheduler) OnTimerFire(ctx context.Context, tenantId string, sessionId string, nodeId string) (*model.Outcome, error) {
	sess, err := s.storage.Sessions().Get(ctx, tenantId, sessionId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return &model.Outcome{SessionId: sessionId, Status: model.OUTCOME_IGNORED, Reason: err.Error()}, nil
		}
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, lockKey(tenantId, sess.ConversationId), s.lockWait())
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the lock: the pre-lock read may be stale.
	sess, err = s.storage.Sessions().Get(ctx, tenantId, sessionId)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if sess.State.Terminal() {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonTerminal}, nil
	}
	if sess.State == model.SESSION_PAUSED {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonPaused}, nil
	}
	if sess.Expired(now) {
		return s.expire(ctx, sess, ReasonExpired)
	}
	if sess.State != model.SESSION_WAITING || sess.Waiting == nil || sess.Waiting.NodeId != nodeId {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonStaleTimer}, nil
	}
	if sess.Waiting.TimeoutAt != nil && !now.Before(*sess.Waiting.TimeoutAt) {
		return s.expire(ctx, sess, "timer fired after deadline")
	}
	def, err := s.flows.GetFlowVersion(ctx, sess.FlowId, sess.FlowVersion)
	if err != nil {
		return nil, err
	}
	outcome := s.interp.Run(ctx, sess, def, nil, node.EVENT_TIMER)
	s.afterRun(ctx, tenantId, outcome)
	return outcome, nil
}

// StartFlow starts a session from an explicit API request, bypassing
// trigger matching.
func (s *Scheduler) StartFlow(ctx context.Context, req *model.StartFlowRequest) (*model.Outcome, error) {
	defs, err := s.flows.ActiveFlows(ctx, req.TenantId, "")
	if err != nil {
		return nil, err
	}
	var def *model.FlowDef
	for _, d := range defs {
		if d.Id == req.FlowId {
			def = d
			break
		}
	}
	if def == nil {
		return &model.Outcome{Status: model.OUTCOME_FAILED, Reason: "flow not active: " + req.FlowId}, nil
	}
	entry := req.EntryNode
	if entry == "" {
		entry = def.EntryNode
	}
	if _, ok := def.NodeById(entry); !ok {
		return &model.Outcome{Status: model.OUTCOME_FAILED, Reason: "entry node not in flow: " + entry}, nil
	}

	release, err := s.locks.Acquire(ctx, lockKey(req.TenantId, req.ConversationId), s.lockWait())
	if err != nil {
		return nil, err
	}
	defer release()

	if existing, err := s.storage.Sessions().FindOpen(ctx, req.TenantId, req.FlowId, req.ConversationId); err == nil && existing != nil {
		return &model.Outcome{SessionId: existing.Id, Status: model.OUTCOME_IGNORED, State: existing.State, Reason: "open session exists"}, nil
	}
	now := s.now()
	expires := now.Add(time.Duration(s.conf.SessionTTLHours) * time.Hour)
	sess := &model.Session{
		Id:             uuid.New().String(),
		TenantId:       req.TenantId,
		FlowId:         def.Id,
		FlowVersion:    def.Version,
		ConversationId: req.ConversationId,
		ContactId:      req.ContactId,
		Channel:        req.Channel,
		State:          model.SESSION_ACTIVE,
		CurrentNode:    entry,
		TriggerNode:    entry,
		Variables:      map[string]model.Variable{},
		StartedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      &expires,
	}
	for name, value := range req.Input {
		sess.Variables[name] = model.NewVariable(name, value, model.SCOPE_SESSION)
	}
	if err := s.storage.Sessions().Create(ctx, sess); err != nil {
		var dup persistence.DuplicateSessionError
		if errors.As(err, &dup) {
			return &model.Outcome{Status: model.OUTCOME_IGNORED, Reason: err.Error()}, nil
		}
		return nil, err
	}
	outcome := s.interp.Run(ctx, sess, def, nil, "")
	s.afterRun(ctx, req.TenantId, outcome)
	return outcome, nil
}

// Pause freezes a session. Timers keep elapsing while paused; fires
// arriving meanwhile are requeued by the follow-up scheduler.
func (s *Scheduler) Pause(ctx context.Context, tenantId string, sessionId string) (*model.Outcome, error) {
	sess, release, err := s.lockAndLoad(ctx, tenantId, sessionId)
	if err != nil {
		return nil, err
	}
	defer release()
	if sess.State.Terminal() {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonTerminal}, nil
	}
	if sess.State == model.SESSION_PAUSED {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: "already paused"}, nil
	}
	working := sess.Clone()
	if err := Transition(working, model.SESSION_PAUSED, s.now()); err != nil {
		return nil, err
	}
	if err := s.storage.Sessions().Save(ctx, working); err != nil {
		return nil, err
	}
	return &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_SUSPENDED, State: working.State}, nil
}

// Resume lifts a pause. A session paused while waiting goes back to
// waiting with its resume follow-up rescheduled; otherwise execution
// continues from the cursor immediately.
func (s *Scheduler) Resume(ctx context.Context, tenantId string, sessionId string) (*model.Outcome, error) {
	sess, release, err := s.lockAndLoad(ctx, tenantId, sessionId)
	if err != nil {
		return nil, err
	}
	defer release()
	if sess.State != model.SESSION_PAUSED {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: "session not paused"}, nil
	}
	now := s.now()
	if sess.Expired(now) {
		return s.expire(ctx, sess, ReasonExpired)
	}
	working := sess.Clone()
	if working.Waiting != nil {
		if err := Transition(working, model.SESSION_WAITING, now); err != nil {
			return nil, err
		}
		if err := s.storage.Sessions().Save(ctx, working); err != nil {
			return nil, err
		}
		outcome := &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_SUSPENDED, State: working.State, Reason: string(working.Waiting.Kind)}
		s.afterRun(ctx, tenantId, outcome)
		return outcome, nil
	}
	if err := Transition(working, model.SESSION_ACTIVE, now); err != nil {
		return nil, err
	}
	def, err := s.flows.GetFlowVersion(ctx, working.FlowId, working.FlowVersion)
	if err != nil {
		return nil, err
	}
	outcome := s.interp.Run(ctx, working, def, nil, "")
	s.afterRun(ctx, tenantId, outcome)
	return outcome, nil
}

// Abandon terminates a session from the outside and cancels its pending
// follow-ups.
func (s *Scheduler) Abandon(ctx context.Context, tenantId string, sessionId string) (*model.Outcome, error) {
	sess, release, err := s.lockAndLoad(ctx, tenantId, sessionId)
	if err != nil {
		return nil, err
	}
	defer release()
	if sess.State.Terminal() {
		return &model.Outcome{SessionId: sess.Id, Status: model.OUTCOME_IGNORED, State: sess.State, Reason: ReasonTerminal}, nil
	}
	working := sess.Clone()
	working.Waiting = nil
	if err := Transition(working, model.SESSION_ABANDONED, s.now()); err != nil {
		return nil, err
	}
	if err := s.storage.Sessions().Save(ctx, working); err != nil {
		return nil, err
	}
	if err := s.storage.FollowUps().CancelForSession(ctx, working.Id); err != nil {
		logger.Error("could not cancel follow-ups", zap.String("sessionId", working.Id), zap.Error(err))
	}
	analytics.RecordSessionEnd(working.FlowId, working.Id, string(working.State), working.NodeExecutions)
	return &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_COMPLETED, State: working.State}, nil
}

func (s *Scheduler) lockAndLoad(ctx context.Context, tenantId string, sessionId string) (*model.Session, func(), error) {
	sess, err := s.storage.Sessions().Get(ctx, tenantId, sessionId)
	if err != nil {
		return nil, nil, err
	}
	release, err := s.locks.Acquire(ctx, lockKey(tenantId, sess.ConversationId), s.lockWait())
	if err != nil {
		return nil, nil, err
	}
	sess, err = s.storage.Sessions().Get(ctx, tenantId, sessionId)
	if err != nil {
		release()
		return nil, nil, err
	}
	return sess, release, nil
}

// expire times a session out: terminal state, waiting step marked timed
// out, pending follow-ups cancelled.
func (s *Scheduler) expire(ctx context.Context, sess *model.Session, reason string) (*model.Outcome, error) {
	working := sess.Clone()
	now := s.now()
	if working.Waiting != nil {
		s.markWaitingStepTimeout(ctx, working, now)
	}
	working.Waiting = nil
	working.LastError = reason
	if err := Transition(working, model.SESSION_TIMEOUT, now); err != nil {
		return nil, err
	}
	if err := s.storage.Sessions().Save(ctx, working); err != nil {
		return nil, err
	}
	if err := s.storage.FollowUps().CancelForSession(ctx, working.Id); err != nil {
		logger.Error("could not cancel follow-ups", zap.String("sessionId", working.Id), zap.Error(err))
	}
	analytics.RecordSessionEnd(working.FlowId, working.Id, string(working.State), working.NodeExecutions)
	logger.Info("session timed out", zap.String("sessionId", working.Id), zap.String("reason", reason))
	return &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_FAILED, State: working.State, Reason: reason}, nil
}

func (s *Scheduler) markWaitingStepTimeout(ctx context.Context, sess *model.Session, now time.Time) {
	recs, err := s.storage.Steps().Find(ctx, sess.Id, sess.Waiting.NodeId, sess.NodeExecutions+1)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if rec.State != model.STEP_WAITING {
			continue
		}
		rec.State = model.STEP_TIMEOUT
		rec.FinishedAt = &now
		if err := s.storage.Steps().Update(ctx, rec); err != nil {
			logger.Error("could not mark waiting step timed out", zap.String("stepId", rec.Id), zap.Error(err))
		}
	}
}

// afterRun schedules the resume follow-up for a freshly suspended
// session. Timer waits fire at their scheduled time; input waits with a
// deadline get a fire at the deadline so the timeout is enforced even
// if the contact never replies.
func (s *Scheduler) afterRun(ctx context.Context, tenantId string, outcome *model.Outcome) {
	if outcome == nil || outcome.Status != model.OUTCOME_SUSPENDED || outcome.SessionId == "" {
		return
	}
	sess, err := s.storage.Sessions().Get(ctx, tenantId, outcome.SessionId)
	if err != nil || sess.Waiting == nil {
		return
	}
	var fireAt time.Time
	switch {
	case sess.Waiting.FireAt != nil:
		fireAt = *sess.Waiting.FireAt
	case sess.Waiting.TimeoutAt != nil:
		fireAt = *sess.Waiting.TimeoutAt
	default:
		// Indefinite input wait: nothing to schedule.
		return
	}
	fu := &model.FollowUp{
		Id:             uuid.New().String(),
		TenantId:       sess.TenantId,
		SessionId:      sess.Id,
		ConversationId: sess.ConversationId,
		NodeId:         sess.Waiting.NodeId,
		Channel:        sess.Channel,
		Kind:           model.FOLLOWUP_RESUME,
		FireAt:         fireAt,
	}
	if err := s.storage.FollowUps().Schedule(ctx, fu); err != nil {
		logger.Error("could not schedule resume follow-up", zap.String("sessionId", sess.Id), zap.Error(err))
		return
	}
	if s.notifier != nil {
		s.notifier.Notify(fireAt)
	}
}
