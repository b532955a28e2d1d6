package node

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(triggerHandler)
var _ Handler = new(terminateHandler)
var _ Handler = new(pipelineHandler)

// triggerHandler is the flow entry point. It records the trigger input
// and advances; trigger matching itself happens in the execution
// scheduler before a session exists.
type triggerHandler struct{}

func (h *triggerHandler) Type() string {
	return TYPE_TRIGGER
}

func (h *triggerHandler) Validate(n model.Node) error {
	return nil
}

func (h *triggerHandler) Vars(n model.Node) ([]string, []string) {
	return nil, nil
}

func (h *triggerHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	var output map[string]any
	if ec.Message != nil {
		output = map[string]any{"messageId": ec.Message.MessageId, "text": ec.Message.Text}
	}
	return Advance(output)
}

// terminateHandler ends the session: TYPE_END with completed,
// TYPE_BOT_DISABLE with abandoned (the bot steps out of the
// conversation without marking the flow successful).
type terminateHandler struct {
	nodeType   string
	finalState model.SessionState
}

func (h *terminateHandler) Type() string {
	return h.nodeType
}

func (h *terminateHandler) Validate(n model.Node) error {
	return nil
}

func (h *terminateHandler) Vars(n model.Node) ([]string, []string) {
	return nil, nil
}

func (h *terminateHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	return Terminate(h.finalState)
}

// pipelineHandler moves the contact to a CRM pipeline stage. Config:
// "pipelineId", "stageId" (both interpolated). Idempotent via the step
// record check.
type pipelineHandler struct {
	updater PipelineUpdater
}

func (h *pipelineHandler) Type() string {
	return TYPE_PIPELINE
}

func (h *pipelineHandler) Validate(n model.Node) error {
	pipelineId, _ := n.Config["pipelineId"].(string)
	stageId, _ := n.Config["stageId"].(string)
	if pipelineId == "" || stageId == "" {
		return fmt.Errorf("nodeId=%s, pipeline node needs pipelineId and stageId", n.Id)
	}
	return nil
}

func (h *pipelineHandler) Vars(n model.Node) ([]string, []string) {
	return readsFromConfig(n.Config), nil
}

func (h *pipelineHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if ec.EffectDone {
		return Advance(ec.PriorOutput)
	}
	pipelineId := ec.Param("pipelineId")
	stageId := ec.Param("stageId")
	err := h.updater.UpdateStage(ctx, ec.Session.TenantId, ec.Session.ContactId, pipelineId, stageId)
	if err != nil {
		return Fail(model.ExternalServiceError{Service: "pipeline", Message: err.Error()}, true)
	}
	return Advance(map[string]any{"pipelineId": pipelineId, "stageId": stageId})
}
