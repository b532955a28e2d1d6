package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/flow"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	calls    int
	messages []map[string]any
	err      error
}

func (f *recordingSender) Send(ctx context.Context, conversationId string, channel string, content map[string]any) (string, error) {
	f.calls++
	f.messages = append(f.messages, content)
	if f.err != nil {
		return "", f.err
	}
	return "ext-1", nil
}

type fixture struct {
	storage *memory.Storage
	sender  *recordingSender
	locker  *KeyedMutex
	interp  *Interpreter
	sched   *Scheduler
}

func newFixture(t *testing.T, conf config.EngineConfig, defs ...*model.FlowDef) *fixture {
	t.Helper()
	storage := memory.NewStorage()
	sender := &recordingSender{}
	registry := node.NewDefaultRegistry(node.Dependencies{Sender: sender})
	locker := NewKeyedMutex()
	interp := NewInterpreter(storage, registry, conf)
	sched := NewScheduler(storage, flow.NewDaoSource(storage.FlowDefs()), interp, locker, conf)
	for _, def := range defs {
		require.NoError(t, storage.FlowDefs().Save(context.Background(), def))
	}
	return &fixture{storage: storage, sender: sender, locker: locker, interp: interp, sched: sched}
}

func flowSkeleton(id string, nodes []model.Node, edges []model.Edge) *model.FlowDef {
	return &model.FlowDef{
		Id:          id,
		TenantId:    "t1",
		Version:     1,
		Status:      model.FLOW_STATUS_ACTIVE,
		ActivatedAt: time.Now(),
		EntryNode:   nodes[0].Id,
		Trigger:     model.TriggerCondition{MatchType: model.TRIGGER_MATCH_ANY},
		Nodes:       nodes,
		Edges:       edges,
	}
}

func linearFlow() *model.FlowDef {
	return flowSkeleton("linear",
		[]model.Node{
			{Id: "start", Type: node.TYPE_TRIGGER},
			{Id: "greet", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "welcome"}},
			{Id: "done", Type: node.TYPE_END},
		},
		[]model.Edge{
			{Source: "start", Target: "greet"},
			{Source: "greet", Target: "done"},
		})
}

func waitFlow() *model.FlowDef {
	return flowSkeleton("survey",
		[]model.Node{
			{Id: "start", Type: node.TYPE_TRIGGER},
			{Id: "ask", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "how old are you?"}},
			{Id: "answer", Type: node.TYPE_WAIT, Config: map[string]any{"inputType": "number", "saveTo": "age"}},
			{Id: "echo", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "you are {{vars.age}}"}},
			{Id: "done", Type: node.TYPE_END},
		},
		[]model.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "answer"},
			{Source: "answer", Target: "echo"},
			{Source: "echo", Target: "done"},
		})
}

func branchFlow() *model.FlowDef {
	return flowSkeleton("feedback",
		[]model.Node{
			{Id: "start", Type: node.TYPE_TRIGGER},
			{Id: "hi", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "Hi"}},
			{Id: "route", Type: node.TYPE_CONDITION, Config: map[string]any{
				"cases": []any{
					map[string]any{"label": "positive", "variable": "message.text", "operator": "contains", "value": "yes"},
				},
			}},
			{Id: "great", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "Great"}},
			{Id: "ok", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "OK"}},
			{Id: "done", Type: node.TYPE_END},
		},
		[]model.Edge{
			{Source: "start", Target: "hi"},
			{Source: "hi", Target: "route"},
			{Source: "route", Label: "positive", Target: "great"},
			{Source: "route", Label: "default", Target: "ok"},
			{Source: "great", Target: "done"},
			{Source: "ok", Target: "done"},
		})
}

func delayFlow() *model.FlowDef {
	return flowSkeleton("reminder",
		[]model.Node{
			{Id: "start", Type: node.TYPE_TRIGGER},
			{Id: "hold", Type: node.TYPE_DELAY, Config: map[string]any{"delaySeconds": 60}},
			{Id: "nudge", Type: node.TYPE_MESSAGE, Config: map[string]any{"text": "still there?"}},
			{Id: "done", Type: node.TYPE_END},
		},
		[]model.Edge{
			{Source: "start", Target: "hold"},
			{Source: "hold", Target: "nudge"},
			{Source: "nudge", Target: "done"},
		})
}

func (f *fixture) createSession(t *testing.T, def *model.FlowDef, conv string) *model.Session {
	t.Helper()
	now := time.Now()
	expires := now.Add(72 * time.Hour)
	sess := &model.Session{
		Id:             uuid.New().String(),
		TenantId:       def.TenantId,
		FlowId:         def.Id,
		FlowVersion:    def.Version,
		ConversationId: conv,
		ContactId:      "c1",
		Channel:        "whatsapp",
		State:          model.SESSION_ACTIVE,
		CurrentNode:    def.EntryNode,
		TriggerNode:    def.EntryNode,
		Variables:      map[string]model.Variable{},
		StartedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      &expires,
	}
	require.NoError(t, f.storage.Sessions().Create(context.Background(), sess))
	return sess
}

func TestInterpreterLinearRun(t *testing.T) {
	def := linearFlow()
	f := newFixture(t, config.EngineConfig{}, def)
	sess := f.createSession(t, def, "conv1")

	outcome := f.interp.Run(context.Background(), sess, def, &model.InboundMessage{Text: "hi"}, "")
	require.Equal(t, model.OUTCOME_COMPLETED, outcome.Status)
	require.Equal(t, model.SESSION_COMPLETED, outcome.State)
	require.Equal(t, 1, f.sender.calls)

	stored, err := f.storage.Sessions().Get(context.Background(), "t1", sess.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, stored.State)
	require.Equal(t, []string{"start", "greet", "done"}, stored.Path)
	require.Equal(t, len(stored.Path), stored.NodeExecutions)
	require.NotNil(t, stored.CompletedAt)

	steps, err := f.storage.Steps().List(context.Background(), sess.Id)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, rec := range steps {
		require.Equal(t, model.STEP_COMPLETED, rec.State)
		require.Equal(t, i+1, rec.Seq)
		require.Equal(t, 1, rec.Attempt)
	}
}

func TestInterpreterRetriesThenFails(t *testing.T) {
	def := linearFlow()
	def.Nodes[1].Config["maxRetries"] = 2
	f := newFixture(t, config.EngineConfig{}, def)
	f.sender.err = errors.New("gateway down")
	sess := f.createSession(t, def, "conv1")

	outcome := f.interp.Run(context.Background(), sess, def, nil, "")
	require.Equal(t, model.OUTCOME_FAILED, outcome.Status)
	require.Equal(t, model.SESSION_FAILED, outcome.State)
	require.Contains(t, outcome.Reason, "channel-gateway")

	// One attempt plus maxRetries, each with its own record.
	require.Equal(t, 3, f.sender.calls)
	recs, err := f.storage.Steps().Find(context.Background(), sess.Id, "greet", 2)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, model.STEP_FAILED, rec.State)
		require.Equal(t, i+1, rec.Attempt)
		require.NotEmpty(t, rec.Error)
	}

	stored, err := f.storage.Sessions().Get(context.Background(), "t1", sess.Id)
	require.NoError(t, err)
	require.Equal(t, 3, stored.ErrorCount)
}

func TestInterpreterSkipsDoneEffectOnRedelivery(t *testing.T) {
	def := linearFlow()
	f := newFixture(t, config.EngineConfig{}, def)
	sess := f.createSession(t, def, "conv1")

	// Simulate a crash after the send was recorded but before the cursor
	// moved: the session still points before "greet" with a completed
	// record for it.
	sess.CurrentNode = "greet"
	sess.Path = []string{"start"}
	sess.NodeExecutions = 1
	require.NoError(t, f.storage.Sessions().Save(context.Background(), sess))
	finished := time.Now()
	require.NoError(t, f.storage.Steps().Append(context.Background(), &model.StepRecord{
		Id: "rec1", SessionId: sess.Id, NodeId: "greet", NodeType: node.TYPE_MESSAGE,
		Seq: 2, Attempt: 1, State: model.STEP_COMPLETED,
		Output:     map[string]any{"externalMessageId": "ext-prior"},
		StartedAt:  finished,
		FinishedAt: &finished,
	}))

	outcome := f.interp.Run(context.Background(), sess, def, nil, "")
	require.Equal(t, model.OUTCOME_COMPLETED, outcome.Status)
	require.Zero(t, f.sender.calls, "completed effect must not be repeated")

	recs, err := f.storage.Steps().Find(context.Background(), sess.Id, "greet", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "ext-prior", recs[1].Output["externalMessageId"])
}

func TestInterpreterStepBudget(t *testing.T) {
	def := flowSkeleton("loop",
		[]model.Node{
			{Id: "spin", Type: node.TYPE_SET_VARIABLE, Config: map[string]any{
				"variables": []any{map[string]any{"name": "x", "value": "y"}},
			}},
		},
		[]model.Edge{{Source: "spin", Target: "spin"}})
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 5}, def)
	sess := f.createSession(t, def, "conv1")

	outcome := f.interp.Run(context.Background(), sess, def, nil, "")
	require.Equal(t, model.OUTCOME_FAILED, outcome.Status)
	require.Contains(t, outcome.Reason, "budget exceeded")

	stored, err := f.storage.Sessions().Get(context.Background(), "t1", sess.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_FAILED, stored.State)
	require.Equal(t, 5, stored.NodeExecutions)
}

func TestInterpreterUnknownNodeFailsSession(t *testing.T) {
	def := linearFlow()
	f := newFixture(t, config.EngineConfig{}, def)
	sess := f.createSession(t, def, "conv1")
	sess.CurrentNode = "ghost"
	require.NoError(t, f.storage.Sessions().Save(context.Background(), sess))

	outcome := f.interp.Run(context.Background(), sess, def, nil, "")
	require.Equal(t, model.OUTCOME_FAILED, outcome.Status)
	require.Contains(t, outcome.Reason, "not present in flow")
}

func TestTransitionTable(t *testing.T) {
	now := time.Now()

	t.Run("terminal states are final", func(t *testing.T) {
		s := &model.Session{State: model.SESSION_COMPLETED}
		require.Error(t, Transition(s, model.SESSION_ACTIVE, now))
		require.Error(t, Transition(s, model.SESSION_FAILED, now))
	})

	t.Run("pause and resume stamp timestamps", func(t *testing.T) {
		s := &model.Session{State: model.SESSION_WAITING}
		require.NoError(t, Transition(s, model.SESSION_PAUSED, now))
		require.NotNil(t, s.PausedAt)
		require.NoError(t, Transition(s, model.SESSION_WAITING, now))
		require.NotNil(t, s.ResumedAt)
	})

	t.Run("paused cannot complete directly", func(t *testing.T) {
		s := &model.Session{State: model.SESSION_PAUSED}
		require.Error(t, Transition(s, model.SESSION_COMPLETED, now))
	})

	t.Run("completion stamps CompletedAt", func(t *testing.T) {
		s := &model.Session{State: model.SESSION_ACTIVE}
		require.NoError(t, Transition(s, model.SESSION_COMPLETED, now))
		require.NotNil(t, s.CompletedAt)
	})
}
