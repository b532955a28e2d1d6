package node

import (
	"context"
	"fmt"
	"time"

	"github.com/chatdeck/flowengine/model"
)

var _ Handler = new(delayHandler)

// Grace window past the scheduled fire time during which a late timer
// still resumes the session instead of timing it out.
const defaultTimerGrace = time.Hour

// delayHandler parks the session on a timer. Config: "delaySeconds",
// "delayMinutes" or "delayHours" (relative), or "until" (RFC3339
// absolute), optional "graceSeconds".
type delayHandler struct{}

func (h *delayHandler) Type() string {
	return TYPE_DELAY
}

func (h *delayHandler) Validate(n model.Node) error {
	if _, err := resolveFireAt(n.Config, time.Now()); err != nil {
		return fmt.Errorf("nodeId=%s, %v", n.Id, err)
	}
	return nil
}

func (h *delayHandler) Vars(n model.Node) ([]string, []string) {
	return nil, nil
}

func (h *delayHandler) Execute(ctx context.Context, ec *ExecutionContext) Result {
	if ec.Resuming {
		if ec.Event != EVENT_TIMER {
			// A contact message does not cut a delay short.
			return Suspend(ec.Session.Waiting)
		}
		return Advance(nil)
	}
	now := time.Now()
	fireAt, err := resolveFireAt(ec.Node.Config, now)
	if err != nil {
		return Fail(model.ValidationError{NodeId: ec.Node.Id, Message: err.Error()}, false)
	}
	grace := defaultTimerGrace
	if g, ok := durationParam(ec.Node.Config, "graceSeconds", time.Second); ok {
		grace = g
	}
	deadline := fireAt.Add(grace)
	return Suspend(&model.WaitingContext{
		Kind:      model.WAIT_TIMER,
		NodeId:    ec.Node.Id,
		FireAt:    &fireAt,
		TimeoutAt: &deadline,
	})
}

func resolveFireAt(config map[string]any, now time.Time) (time.Time, error) {
	if until, ok := config["until"].(string); ok && until != "" {
		at, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid until datetime %q", until)
		}
		return at, nil
	}
	if d, ok := durationParam(config, "delaySeconds", time.Second); ok {
		return now.Add(d), nil
	}
	if d, ok := durationParam(config, "delayMinutes", time.Minute); ok {
		return now.Add(d), nil
	}
	if d, ok := durationParam(config, "delayHours", time.Hour); ok {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("delay node needs delaySeconds, delayMinutes, delayHours or until")
}

// FireAt recomputes the scheduled fire time for a suspended timer node.
// The execution scheduler uses it to enqueue the follow-up resume.
func FireAt(n model.Node, now time.Time) (time.Time, bool) {
	at, err := resolveFireAt(n.Config, now)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
