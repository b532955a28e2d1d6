package node

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(waitHandler)

// waitHandler suspends the session until the contact replies. Config:
// "inputType" (text/number/email/any), "validation" (regex over the
// text), "saveTo" (variable receiving the reply), "timeoutHours" or
// "timeoutSeconds" (waiting deadline; the session times out past it).
type waitHandler struct{}

func (h *waitHandler) Type() string {
	return TYPE_WAIT
}

func (h *waitHandler) Validate(n model.Node) error {
	if pattern, ok := n.Config["validation"].(string); ok && pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("nodeId=%s, invalid validation pattern: %v", n.Id, err)
		}
	}
	return nil
}

func (h *waitHandler) Vars(n model.Node) ([]string, []string) {
	if saveTo, ok := n.Config["saveTo"].(string); ok && saveTo != "" {
		return nil, []string{saveTo}
	}
	return nil, nil
}

func (h *waitHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if !ec.Resuming {
		wc := &model.WaitingContext{
			Kind:       model.WAIT_INPUT,
			NodeId:     ec.Node.Id,
			InputType:  ec.Param("inputType"),
			Validation: ec.Param("validation"),
		}
		if timeout, ok := waitTimeout(ec.Node.Config); ok {
			at := time.Now().Add(timeout)
			wc.TimeoutAt = &at
		}
		return Suspend(wc)
	}
	if ec.Message == nil {
		// Timer fire against an input wait: the deadline check happens in
		// the scheduler, so a fire landing here is stale.
		return Suspend(ec.Session.Waiting)
	}
	if !inputMatches(ec.Session.Waiting, ec.Message) {
		return Suspend(ec.Session.Waiting)
	}
	if saveTo := ec.Param("saveTo"); saveTo != "" {
		ec.SetVar(saveTo, ec.Message.Text, model.SCOPE_SESSION)
	}
	return Advance(map[string]any{"input": ec.Message.Text})
}

func waitTimeout(config map[string]any) (time.Duration, bool) {
	if d, ok := durationParam(config, "timeoutSeconds", time.Second); ok {
		return d, true
	}
	if d, ok := durationParam(config, "timeoutHours", time.Hour); ok {
		return d, true
	}
	return 0, false
}

// inputMatches applies the waiting context's expected input type and
// validation rule to a candidate resume message.
func inputMatches(wc *model.WaitingContext, msg *model.InboundMessage) bool {
	if wc == nil {
		return true
	}
	switch wc.InputType {
	case "", "any":
	case "number":
		if !regexp.MustCompile(`^-?\d+(\.\d+)?$`).MatchString(msg.Text) {
			return false
		}
	case "email":
		if !regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`).MatchString(msg.Text) {
			return false
		}
	default:
		if msg.Type != wc.InputType && wc.InputType != "text" {
			return false
		}
	}
	if wc.Validation != "" {
		re, err := regexp.Compile(wc.Validation)
		if err != nil || !re.MatchString(msg.Text) {
			return false
		}
	}
	return true
}
