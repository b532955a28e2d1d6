package engine

import (
	"context"
	"testing"
	"time"

	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/stretchr/testify/require"
)

func inbound(id, conv, text string) *model.InboundMessage {
	return &model.InboundMessage{
		MessageId:      id,
		TenantId:       "t1",
		ConversationId: conv,
		ContactId:      "c1",
		Channel:        "whatsapp",
		Type:           "text",
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

func TestSchedulerStartsAndCompletesFlow(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, linearFlow())

	outcome, err := f.sched.OnMessage(context.Background(), inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, outcome.Status)
	require.Equal(t, 1, f.sender.calls)

	stored, err := f.storage.Sessions().Get(context.Background(), "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, stored.State)
	require.Equal(t, "m1", stored.LastMessageId)
	require.Equal(t, 1, stored.UserInteractions)
}

func TestSchedulerBranchesOnCondition(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, branchFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "yes please"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, outcome.Status)
	require.Equal(t, 2, f.sender.calls)
	require.Equal(t, "Hi", f.sender.messages[0]["text"])
	require.Equal(t, "Great", f.sender.messages[1]["text"])

	stored, err := f.storage.Sessions().Get(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, stored.State)
	require.Equal(t, []string{"start", "hi", "route", "great", "done"}, stored.Path)

	// A non-matching reply takes the default edge.
	other, err := f.sched.OnMessage(ctx, inbound("m2", "conv2", "nah"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, other.Status)
	require.Equal(t, "OK", f.sender.messages[3]["text"])

	routed, err := f.storage.Sessions().Get(ctx, "t1", other.SessionId)
	require.NoError(t, err)
	require.Equal(t, []string{"start", "hi", "route", "ok", "done"}, routed.Path)
}

func TestSchedulerIgnoresUnmatchedMessage(t *testing.T) {
	def := linearFlow()
	def.Trigger = model.TriggerCondition{MatchType: model.TRIGGER_MATCH_EXACT, Keyword: "start"}
	f := newFixture(t, config.EngineConfig{}, def)

	outcome, err := f.sched.OnMessage(context.Background(), inbound("m1", "conv1", "something else"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, outcome.Status)
	require.Equal(t, ReasonNoFlow, outcome.Reason)
	require.Zero(t, f.sender.calls)
}

func TestSchedulerDropsDuplicateDelivery(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, linearFlow())

	first, err := f.sched.OnMessage(context.Background(), inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, first.Status)

	second, err := f.sched.OnMessage(context.Background(), inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, second.Status)
	require.Equal(t, ReasonDuplicate, second.Reason)
	require.Equal(t, 1, f.sender.calls, "duplicate delivery must not repeat effects")
}

func TestSchedulerWaitRoundTrip(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, waitFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)
	require.Equal(t, model.SESSION_WAITING, outcome.State)

	// A reply that fails number validation re-suspends without advancing.
	mid, err := f.sched.OnMessage(ctx, inbound("m2", "conv1", "dunno"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, mid.Status)

	done, err := f.sched.OnMessage(ctx, inbound("m3", "conv1", "34"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, done.Status)
	require.Equal(t, outcome.SessionId, done.SessionId, "reply must route to the open session, not start a new one")

	require.Equal(t, 2, f.sender.calls)
	require.Equal(t, "you are 34", f.sender.messages[1]["text"])

	stored, err := f.storage.Sessions().Get(ctx, "t1", done.SessionId)
	require.NoError(t, err)
	require.Equal(t, []string{"start", "ask", "answer", "echo", "done"}, stored.Path)
	require.Equal(t, stored.NodeExecutions, len(stored.Path))
	require.Equal(t, 3, stored.UserInteractions)
	require.Nil(t, stored.Waiting)
}

func TestSchedulerTimerResume(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, delayFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)

	// Suspension scheduled a resume follow-up at the timer's fire time.
	due, err := f.storage.FollowUps().PopDue(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, model.FOLLOWUP_RESUME, due[0].Kind)
	require.Equal(t, "hold", due[0].NodeId)

	// A contact message does not cut the timer short.
	during, err := f.sched.OnMessage(ctx, inbound("m2", "conv1", "hello?"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, during.Status)
	require.Zero(t, f.sender.calls)

	fired, err := f.sched.OnTimerFire(ctx, "t1", outcome.SessionId, "hold")
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, fired.Status)
	require.Equal(t, 1, f.sender.calls)
}

func TestSchedulerLateTimerTimesOut(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, delayFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)

	// Push the waiting deadline into the past, as if the fire was delayed
	// beyond the grace window.
	sess, err := f.storage.Sessions().Get(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	sess.Waiting.TimeoutAt = &past
	require.NoError(t, f.storage.Sessions().Save(ctx, sess))

	fired, err := f.sched.OnTimerFire(ctx, "t1", outcome.SessionId, "hold")
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_FAILED, fired.Status)
	require.Equal(t, model.SESSION_TIMEOUT, fired.State)
	require.Zero(t, f.sender.calls, "a timed out session must not execute the next node")

	recs, err := f.storage.Steps().Find(ctx, outcome.SessionId, "hold", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.STEP_TIMEOUT, recs[0].State)
}

func TestSchedulerStaleTimerIgnored(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, delayFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)

	fired, err := f.sched.OnTimerFire(ctx, "t1", outcome.SessionId, "some-old-node")
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, fired.Status)
	require.Equal(t, ReasonStaleTimer, fired.Reason)
}

func TestSchedulerSessionExpiry(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, waitFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)

	sess, err := f.storage.Sessions().Get(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	sess.ExpiresAt = &past
	require.NoError(t, f.storage.Sessions().Save(ctx, sess))

	late, err := f.sched.OnMessage(ctx, inbound("m2", "conv1", "34"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_FAILED, late.Status)
	require.Equal(t, model.SESSION_TIMEOUT, late.State)

	// The conversation is free again: the next message starts fresh.
	fresh, err := f.sched.OnMessage(ctx, inbound("m3", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, fresh.Status)
	require.NotEqual(t, outcome.SessionId, fresh.SessionId)
}

func TestSchedulerStartFlowEnforcesSingleOpenSession(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, waitFlow())
	ctx := context.Background()
	req := &model.StartFlowRequest{
		TenantId:       "t1",
		FlowId:         "survey",
		ConversationId: "conv1",
		ContactId:      "c1",
		Channel:        "whatsapp",
		Input:          map[string]any{"source": "campaign-7"},
	}

	first, err := f.sched.StartFlow(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, first.Status)

	sess, err := f.storage.Sessions().Get(ctx, "t1", first.SessionId)
	require.NoError(t, err)
	require.Equal(t, "campaign-7", sess.Variables["source"].Value)

	second, err := f.sched.StartFlow(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, second.Status)
	require.Equal(t, first.SessionId, second.SessionId)
}

func TestSchedulerStartFlowUnknownFlow(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, waitFlow())
	outcome, err := f.sched.StartFlow(context.Background(), &model.StartFlowRequest{
		TenantId: "t1", FlowId: "nope", ConversationId: "conv1",
	})
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_FAILED, outcome.Status)
}

func TestSchedulerPauseResume(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, waitFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)

	paused, err := f.sched.Pause(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_PAUSED, paused.State)

	// Messages to a paused session are acknowledged but ignored.
	ignored, err := f.sched.OnMessage(ctx, inbound("m2", "conv1", "34"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, ignored.Status)
	require.Equal(t, ReasonPaused, ignored.Reason)

	// Timer fires against a paused session report ReasonPaused so the
	// follow-up scheduler requeues them.
	fired, err := f.sched.OnTimerFire(ctx, "t1", outcome.SessionId, "answer")
	require.NoError(t, err)
	require.Equal(t, ReasonPaused, fired.Reason)

	resumed, err := f.sched.Resume(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_WAITING, resumed.State)

	done, err := f.sched.OnMessage(ctx, inbound("m3", "conv1", "34"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, done.Status)
}

func TestSchedulerAbandon(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, delayFlow())
	ctx := context.Background()

	outcome, err := f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_SUSPENDED, outcome.Status)

	abandoned, err := f.sched.Abandon(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_ABANDONED, abandoned.State)

	// The pending resume follow-up is cancelled with the session.
	due, err := f.storage.FollowUps().PopDue(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	again, err := f.sched.Abandon(ctx, "t1", outcome.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_IGNORED, again.Status)
}

func TestSchedulerLockContention(t *testing.T) {
	f := newFixture(t, config.EngineConfig{LockWaitSeconds: 1}, linearFlow())
	ctx := context.Background()

	release, err := f.locker.Acquire(ctx, lockKey("t1", "conv1"), time.Second)
	require.NoError(t, err)
	defer release()

	_, err = f.sched.OnMessage(ctx, inbound("m1", "conv1", "hi"))
	var busy model.ConcurrencyError
	require.ErrorAs(t, err, &busy)

	// The held lock only serializes its own conversation.
	other, err := f.sched.OnMessage(ctx, inbound("m2", "conv2", "hi"))
	require.NoError(t, err)
	require.Equal(t, model.OUTCOME_COMPLETED, other.Status)
}

func TestSchedulerSessionNotFound(t *testing.T) {
	f := newFixture(t, config.EngineConfig{}, linearFlow())
	_, err := f.sched.Pause(context.Background(), "t1", "ghost")
	var nf persistence.NotFoundError
	require.ErrorAs(t, err, &nf)
}
