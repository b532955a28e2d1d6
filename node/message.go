package node

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"go.uber.org/zap"
)

var _ Handler = new(messageHandler)

// messageHandler sends one outbound message through the channel gateway.
// Config: "text" (interpolated) or "content" (arbitrary payload map).
type messageHandler struct {
	sender Sender
}

func (h *messageHandler) Type() string {
	return TYPE_MESSAGE
}

func (h *messageHandler) Validate(n model.Node) error {
	_, hasText := n.Config["text"]
	_, hasContent := n.Config["content"]
	if !hasText && !hasContent {
		return fmt.Errorf("nodeId=%s, message node needs text or content", n.Id)
	}
	return nil
}

func (h *messageHandler) Vars(n model.Node) ([]string, []string) {
	return readsFromConfig(n.Config), nil
}

func (h *messageHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if ec.EffectDone {
		logger.Debug("message already sent for step, skipping send",
			zap.String("session", ec.Session.Id), zap.String("node", ec.Node.Id))
		return Advance(ec.PriorOutput)
	}
	content, _ := ec.Params["content"].(map[string]any)
	if content == nil {
		content = map[string]any{"type": "text", "text": ec.Param("text")}
	}
	externalId, err := h.sender.Send(ctx, ec.Session.ConversationId, ec.Session.Channel, content)
	if err != nil {
		return Fail(model.ExternalServiceError{Service: "channel-gateway", Message: err.Error()}, true)
	}
	return Advance(map[string]any{"externalMessageId": externalId})
}
