package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chatdeck/flowengine/analytics"
	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/eval"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Interpreter drives one session from its cursor until the flow
// suspends, terminates or fails. It owns step records and the session
// cursor; node handlers never touch either. The caller must hold the
// conversation lock for the whole invocation.
type Interpreter struct {
	storage  persistence.Storage
	registry *node.Registry
	conf     config.EngineConfig
	now      func() time.Time
}

func NewInterpreter(storage persistence.Storage, registry *node.Registry, conf config.EngineConfig) *Interpreter {
	return &Interpreter{
		storage:  storage,
		registry: registry,
		conf:     conf.WithDefaults(),
		now:      time.Now,
	}
}

// Run executes nodes starting at the session cursor. msg is the
// triggering message (nil for timer and API events); event is "" or
// node.EVENT_TIMER. Run works on a deep copy and commits it after every
// step, so the stored session is always a consistent step boundary; the
// caller reloads the session if it needs the post-run state.
func (it *Interpreter) Run(ctx context.Context, sess *model.Session, def *model.FlowDef, msg *model.InboundMessage, event string) *model.Outcome {
	working := sess.Clone()
	start := it.now()
	resuming := false
	if working.State == model.SESSION_WAITING {
		resuming = true
		if err := Transition(working, model.SESSION_ACTIVE, start); err != nil {
			return it.fail(ctx, working, err)
		}
	}
	deadline := start.Add(time.Duration(it.conf.WallBudgetSeconds) * time.Second)
	steps := 0
	for {
		steps++
		if steps > it.conf.MaxStepsPerRun || it.now().After(deadline) {
			return it.fail(ctx, working, model.BudgetExceededError{SessionId: working.Id, Steps: steps - 1})
		}
		nd, ok := def.NodeById(working.CurrentNode)
		if !ok {
			return it.fail(ctx, working, model.GraphIntegrityError{FlowId: def.Id, Version: def.Version, NodeId: working.CurrentNode})
		}
		handler, ok := it.registry.Get(nd.Type)
		if !ok {
			return it.fail(ctx, working, model.ValidationError{NodeId: nd.Id, Message: fmt.Sprintf("unknown node type %s", nd.Type)})
		}

		res, err := it.executeStep(ctx, working, def, nd, handler, msg, event, resuming)
		if err != nil {
			return it.fail(ctx, working, err)
		}

		switch res.Kind {
		case node.SUSPEND:
			working.Waiting = res.Waiting
			if err := Transition(working, model.SESSION_WAITING, it.now()); err != nil {
				return it.fail(ctx, working, err)
			}
			if err := it.storage.Sessions().Save(ctx, working); err != nil {
				return it.fail(ctx, working, err)
			}
			return &model.Outcome{
				SessionId: working.Id,
				Status:    model.OUTCOME_SUSPENDED,
				State:     working.State,
				Reason:    string(res.Waiting.Kind),
			}

		case node.FAIL:
			// Retries are exhausted inside executeStep.
			return it.fail(ctx, working, res.Err)

		case node.TERMINATE:
			it.completeNode(working, nd)
			if err := Transition(working, res.FinalState, it.now()); err != nil {
				return it.fail(ctx, working, err)
			}
			if err := it.storage.Sessions().Save(ctx, working); err != nil {
				return it.fail(ctx, working, err)
			}
			analytics.RecordSessionEnd(working.FlowId, working.Id, string(working.State), working.NodeExecutions)
			return &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_COMPLETED, State: working.State}

		default: // ADVANCE, BRANCH
			it.completeNode(working, nd)
			var next string
			switch {
			case res.Kind == node.BRANCH:
				next = def.EdgeFor(nd.Id, res.Branch)
			case res.NextNode != "":
				next = res.NextNode
			default:
				next = def.EdgeFor(nd.Id, model.EDGE_DEFAULT)
			}
			if next == "" {
				// Graph end without an explicit end node.
				if err := Transition(working, model.SESSION_COMPLETED, it.now()); err != nil {
					return it.fail(ctx, working, err)
				}
				if err := it.storage.Sessions().Save(ctx, working); err != nil {
					return it.fail(ctx, working, err)
				}
				analytics.RecordSessionEnd(working.FlowId, working.Id, string(working.State), working.NodeExecutions)
				return &model.Outcome{SessionId: working.Id, Status: model.OUTCOME_COMPLETED, State: working.State}
			}
			working.CurrentNode = next
			if err := it.storage.Sessions().Save(ctx, working); err != nil {
				return it.fail(ctx, working, err)
			}
			resuming = false
		}
	}
}

// executeStep runs one logical step including its retry loop, producing
// one step record per attempt. A prior completed record for the same
// (node, seq) marks the side effect done, so a redelivered event routes
// without repeating it; a prior waiting record is resumed in place.
func (it *Interpreter) executeStep(ctx context.Context, working *model.Session, def *model.FlowDef, nd model.Node, handler node.Handler, msg *model.InboundMessage, event string, resuming bool) (node.Result, error) {
	seq := working.NodeExecutions + 1
	prior, err := it.storage.Steps().Find(ctx, working.Id, nd.Id, seq)
	if err != nil {
		return node.Result{}, err
	}
	effectDone := false
	var priorOutput map[string]any
	var waitingRec *model.StepRecord
	lastAttempt := 0
	for _, p := range prior {
		if p.Attempt > lastAttempt {
			lastAttempt = p.Attempt
		}
		switch p.State {
		case model.STEP_COMPLETED:
			effectDone = true
			priorOutput = p.Output
		case model.STEP_WAITING, model.STEP_RUNNING:
			waitingRec = p
		}
	}
	maxRetries := node.MaxRetries(nd, it.conf.DefaultMaxRetries)

	for {
		scope := eval.BuildScope(working, msg)
		params := eval.ResolveParams(nd.Config, scope)

		rec := waitingRec
		waitingRec = nil
		if rec != nil {
			rec.State = model.STEP_RUNNING
			rec.Error = ""
			rec.Input = params
			if err := it.storage.Steps().Update(ctx, rec); err != nil {
				return node.Result{}, err
			}
		} else {
			lastAttempt++
			rec = &model.StepRecord{
				Id:        uuid.New().String(),
				SessionId: working.Id,
				NodeId:    nd.Id,
				NodeType:  nd.Type,
				Seq:       seq,
				Attempt:   lastAttempt,
				State:     model.STEP_RUNNING,
				Input:     params,
				StartedAt: it.now(),
			}
			if err := it.storage.Steps().Append(ctx, rec); err != nil {
				return node.Result{}, err
			}
		}

		ec := &node.ExecutionContext{
			Session:     working,
			Flow:        def,
			Node:        nd,
			Message:     msg,
			Event:       event,
			Attempt:     rec.Attempt,
			Resuming:    resuming,
			EffectDone:  effectDone,
			PriorOutput: priorOutput,
			Scope:       scope,
			Params:      params,
		}
		nodeCtx, cancel := context.WithTimeout(ctx, time.Duration(it.conf.NodeTimeoutSeconds)*time.Second)
		res := handler.Execute(nodeCtx, ec)
		cancel()
		finished := it.now()

		switch res.Kind {
		case node.SUSPEND:
			rec.State = model.STEP_WAITING
			if err := it.storage.Steps().Update(ctx, rec); err != nil {
				return node.Result{}, err
			}
			return res, nil

		case node.FAIL:
			rec.State = model.STEP_FAILED
			rec.Error = res.Err.Error()
			rec.FinishedAt = &finished
			if err := it.storage.Steps().Update(ctx, rec); err != nil {
				return node.Result{}, err
			}
			working.ErrorCount++
			working.LastError = res.Err.Error()
			analytics.RecordStepFailure(working.FlowId, working.Id, nd.Id, nd.Type, res.Err.Error())
			logger.Warn("node attempt failed",
				zap.String("sessionId", working.Id),
				zap.String("nodeId", nd.Id),
				zap.Int("attempt", rec.Attempt),
				zap.Bool("retryable", res.Retryable),
				zap.Error(res.Err))
			if res.Retryable && rec.Attempt <= maxRetries {
				continue
			}
			return res, nil

		default: // ADVANCE, BRANCH, TERMINATE
			rec.State = model.STEP_COMPLETED
			rec.Output = res.Output
			rec.FinishedAt = &finished
			if err := it.storage.Steps().Update(ctx, rec); err != nil {
				return node.Result{}, err
			}
			analytics.RecordStepSuccess(working.FlowId, working.Id, nd.Id, nd.Type, res.Output)
			return res, nil
		}
	}
}

// completeNode advances the session bookkeeping past a finished node.
// Seq numbering depends on NodeExecutions counting every completed node,
// loop revisits included.
func (it *Interpreter) completeNode(working *model.Session, nd model.Node) {
	working.Path = append(working.Path, nd.Id)
	working.NodeExecutions++
	working.PreviousNode = nd.Id
	working.Waiting = nil
	working.LastActivityAt = it.now()
}

// fail moves the session to failed and persists it. Storage errors at
// this point are logged and swallowed: the outcome already carries the
// root cause.
func (it *Interpreter) fail(ctx context.Context, working *model.Session, cause error) *model.Outcome {
	now := it.now()
	working.LastError = cause.Error()
	working.Waiting = nil
	if err := Transition(working, model.SESSION_FAILED, now); err != nil {
		logger.Error("could not transition session to failed", zap.String("sessionId", working.Id), zap.Error(err))
	}
	if err := it.storage.Sessions().Save(ctx, working); err != nil {
		logger.Error("could not persist failed session", zap.String("sessionId", working.Id), zap.Error(err))
	}
	analytics.RecordSessionEnd(working.FlowId, working.Id, string(working.State), working.NodeExecutions)
	logger.Error("session failed",
		zap.String("sessionId", working.Id),
		zap.String("nodeId", working.CurrentNode),
		zap.Error(cause))
	return &model.Outcome{
		SessionId: working.Id,
		Status:    model.OUTCOME_FAILED,
		State:     working.State,
		Reason:    cause.Error(),
	}
}
