package flow

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chatdeck/flowengine/model"
)

// MatchTrigger picks the flow an unclaimed inbound message should start.
// Candidates are sorted by priority desc, then activation time desc,
// then id, so matching is deterministic when several triggers fire.
func MatchTrigger(flows []*model.FlowDef, msg *model.InboundMessage) *model.FlowDef {
	candidates := append([]*model.FlowDef(nil), flows...)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].ActivatedAt.Equal(candidates[j].ActivatedAt) {
			return candidates[i].ActivatedAt.After(candidates[j].ActivatedAt)
		}
		return candidates[i].Id < candidates[j].Id
	})
	for _, f := range candidates {
		if f.Status != model.FLOW_STATUS_ACTIVE {
			continue
		}
		if triggerMatches(f.Trigger, msg) {
			return f
		}
	}
	return nil
}

func triggerMatches(t model.TriggerCondition, msg *model.InboundMessage) bool {
	if t.Channel != "" && t.Channel != msg.Channel {
		return false
	}
	switch t.MatchType {
	case model.TRIGGER_MATCH_ANY, "":
		return true
	case model.TRIGGER_MATCH_EXACT:
		return strings.EqualFold(strings.TrimSpace(msg.Text), t.Keyword)
	case model.TRIGGER_MATCH_CONTAINS:
		return strings.Contains(strings.ToLower(msg.Text), strings.ToLower(t.Keyword))
	case model.TRIGGER_MATCH_REGEX:
		re, err := regexp.Compile(t.Keyword)
		return err == nil && re.MatchString(msg.Text)
	}
	return false
}
