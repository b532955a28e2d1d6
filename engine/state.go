package engine

import (
	"fmt"
	"time"

	"github.com/chatdeck/flowengine/model"
)

// transitions is the session lifecycle table. Terminal states have no
// entry: nothing leaves them.
var transitions = map[model.SessionState][]model.SessionState{
	model.SESSION_ACTIVE: {
		model.SESSION_WAITING, model.SESSION_PAUSED, model.SESSION_COMPLETED,
		model.SESSION_FAILED, model.SESSION_ABANDONED, model.SESSION_TIMEOUT,
	},
	model.SESSION_WAITING: {
		model.SESSION_ACTIVE, model.SESSION_PAUSED, model.SESSION_COMPLETED,
		model.SESSION_FAILED, model.SESSION_ABANDONED, model.SESSION_TIMEOUT,
	},
	model.SESSION_PAUSED: {
		model.SESSION_ACTIVE, model.SESSION_WAITING,
		model.SESSION_FAILED, model.SESSION_ABANDONED, model.SESSION_TIMEOUT,
	},
}

// Transition moves the session to a new state, enforcing the lifecycle
// table, and stamps the matching timestamps.
func Transition(s *model.Session, to model.SessionState, now time.Time) error {
	if s.State == to {
		return nil
	}
	allowed := false
	for _, t := range transitions[s.State] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal session transition %s -> %s", s.State, to)
	}
	switch to {
	case model.SESSION_PAUSED:
		s.PausedAt = &now
	case model.SESSION_ACTIVE, model.SESSION_WAITING:
		if s.State == model.SESSION_PAUSED {
			s.ResumedAt = &now
		}
	}
	if to.Terminal() {
		s.CompletedAt = &now
	}
	s.State = to
	s.LastActivityAt = now
	return nil
}
