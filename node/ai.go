package node

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(aiHandler)

// aiHandler asks the AI provider for a completion. Config: "prompt"
// (interpolated), "saveTo" (variable receiving the completion),
// remaining keys are passed through as provider options. A completion
// charges the tenant's AI credential, so the effect is guarded by the
// step record check the same way a send is.
type aiHandler struct {
	provider AIProvider
}

func (h *aiHandler) Type() string {
	return TYPE_AI
}

func (h *aiHandler) Validate(n model.Node) error {
	prompt, _ := n.Config["prompt"].(string)
	if prompt == "" {
		return fmt.Errorf("nodeId=%s, ai node needs a prompt", n.Id)
	}
	return nil
}

func (h *aiHandler) Vars(n model.Node) ([]string, []string) {
	var writes []string
	if saveTo, ok := n.Config["saveTo"].(string); ok && saveTo != "" {
		writes = append(writes, saveTo)
	}
	return readsFromConfig(n.Config), writes
}

func (h *aiHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	saveTo := ec.Param("saveTo")
	if ec.EffectDone {
		if saveTo != "" && ec.PriorOutput != nil {
			ec.SetVar(saveTo, ec.PriorOutput["completion"], model.SCOPE_SESSION)
		}
		return Advance(ec.PriorOutput)
	}
	options := make(map[string]any)
	for k, v := range ec.Params {
		if k != "prompt" && k != "saveTo" {
			options[k] = v
		}
	}
	completion, err := h.provider.Complete(ctx, ec.Param("prompt"), options)
	if err != nil {
		return Fail(model.ExternalServiceError{Service: "ai-provider", Message: err.Error()}, true)
	}
	if saveTo != "" {
		ec.SetVar(saveTo, completion, model.SCOPE_SESSION)
	}
	return Advance(map[string]any{"completion": completion})
}
