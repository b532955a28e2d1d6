package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(webhookHandler)

// webhookHandler calls an external HTTP endpoint. Config: "url"
// (interpolated), "method", "headers", "body", "saveTo" (variable
// receiving the response body). Idempotent under redelivery via the step
// record check.
type webhookHandler struct {
	caller WebhookCaller
}

func (h *webhookHandler) Type() string {
	return TYPE_WEBHOOK
}

func (h *webhookHandler) Validate(n model.Node) error {
	url, _ := n.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("nodeId=%s, webhook node needs a url", n.Id)
	}
	return nil
}

func (h *webhookHandler) Vars(n model.Node) ([]string, []string) {
	var writes []string
	if saveTo, ok := n.Config["saveTo"].(string); ok && saveTo != "" {
		writes = append(writes, saveTo)
	}
	return readsFromConfig(n.Config), writes
}

func (h *webhookHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	saveTo := ec.Param("saveTo")
	if ec.EffectDone {
		if saveTo != "" && ec.PriorOutput != nil {
			ec.SetVar(saveTo, ec.PriorOutput["body"], model.SCOPE_SESSION)
		}
		return Advance(ec.PriorOutput)
	}
	method := strings.ToUpper(ec.Param("method"))
	if method == "" {
		method = "POST"
	}
	headers := make(map[string]string)
	if raw, ok := ec.Params["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	body, _ := ec.Params["body"].(map[string]any)
	status, respBody, err := h.caller.Call(ctx, method, ec.Param("url"), headers, body)
	if err != nil {
		return Fail(model.ExternalServiceError{Service: "webhook", Message: err.Error()}, true)
	}
	if status >= 500 {
		return Fail(model.ExternalServiceError{Service: "webhook", Message: fmt.Sprintf("status %d", status)}, true)
	}
	output := map[string]any{"status": status, "body": respBody}
	if saveTo != "" {
		ec.SetVar(saveTo, respBody, model.SCOPE_SESSION)
	}
	return Advance(output)
}
