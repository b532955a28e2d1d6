// Package memory is the in-process Storage used by tests and the
// "memory" storage-impl. Durable-storage semantics (wholesale row
// replacement, open-session index, claim-once pops) match the redis
// implementation so the engine behaves identically over either.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
)

type Storage struct {
	sessions  *sessionDao
	steps     *stepDao
	followups *followUpQueue
	flowdefs  *flowDefDao
}

var _ persistence.Storage = new(Storage)

func NewStorage() *Storage {
	return &Storage{
		sessions:  &sessionDao{rows: make(map[string]*model.Session), open: make(map[string]string)},
		steps:     &stepDao{rows: make(map[string][]*model.StepRecord)},
		followups: &followUpQueue{rows: make(map[string]*model.FollowUp)},
		flowdefs:  &flowDefDao{rows: make(map[string]*model.FlowDef)},
	}
}

func (s *Storage) Sessions() persistence.SessionDao     { return s.sessions }
func (s *Storage) Steps() persistence.StepDao           { return s.steps }
func (s *Storage) FollowUps() persistence.FollowUpQueue { return s.followups }
func (s *Storage) FlowDefs() persistence.FlowDefDao     { return s.flowdefs }

type sessionDao struct {
	mu   sync.RWMutex
	rows map[string]*model.Session
	// open indexes open sessions by tenant:flow:conversation.
	open map[string]string
}

func openKey(tenantId, flowId, conversationId string) string {
	return tenantId + ":" + flowId + ":" + conversationId
}

func (d *sessionDao) Create(ctx context.Context, s *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := openKey(s.TenantId, s.FlowId, s.ConversationId)
	if _, exists := d.open[key]; exists {
		return persistence.DuplicateSessionError{FlowId: s.FlowId, ConversationId: s.ConversationId}
	}
	d.rows[s.Id] = s.Clone()
	if !s.State.Terminal() {
		d.open[key] = s.Id
	}
	return nil
}

func (d *sessionDao) Save(ctx context.Context, s *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[s.Id] = s.Clone()
	key := openKey(s.TenantId, s.FlowId, s.ConversationId)
	if s.State.Terminal() {
		if d.open[key] == s.Id {
			delete(d.open, key)
		}
	} else {
		d.open[key] = s.Id
	}
	return nil
}

func (d *sessionDao) Get(ctx context.Context, tenantId string, sessionId string) (*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.rows[sessionId]
	if !ok || s.TenantId != tenantId {
		return nil, persistence.NotFoundError{Kind: "session", Id: sessionId}
	}
	return s.Clone(), nil
}

func (d *sessionDao) FindOpen(ctx context.Context, tenantId string, flowId string, conversationId string) (*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.open[openKey(tenantId, flowId, conversationId)]
	if !ok {
		return nil, nil
	}
	return d.rows[id].Clone(), nil
}

func (d *sessionDao) FindOpenByConversation(ctx context.Context, tenantId string, conversationId string) ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*model.Session
	for _, id := range d.open {
		s := d.rows[id]
		if s.TenantId == tenantId && s.ConversationId == conversationId {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

type stepDao struct {
	mu   sync.RWMutex
	rows map[string][]*model.StepRecord
}

func (d *stepDao) Append(ctx context.Context, rec *model.StepRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *rec
	d.rows[rec.SessionId] = append(d.rows[rec.SessionId], &cp)
	return nil
}

func (d *stepDao) Update(ctx context.Context, rec *model.StepRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.rows[rec.SessionId] {
		if existing.Id == rec.Id {
			cp := *rec
			d.rows[rec.SessionId][i] = &cp
			return nil
		}
	}
	return persistence.NotFoundError{Kind: "step record", Id: rec.Id}
}

func (d *stepDao) List(ctx context.Context, sessionId string) ([]*model.StepRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*model.StepRecord, 0, len(d.rows[sessionId]))
	for _, rec := range d.rows[sessionId] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (d *stepDao) Find(ctx context.Context, sessionId string, nodeId string, seq int) ([]*model.StepRecord, error) {
	all, _ := d.List(ctx, sessionId)
	var out []*model.StepRecord
	for _, rec := range all {
		if rec.NodeId == nodeId && rec.Seq == seq {
			out = append(out, rec)
		}
	}
	return out, nil
}

type followUpQueue struct {
	mu   sync.Mutex
	rows map[string]*model.FollowUp
}

func (q *followUpQueue) Schedule(ctx context.Context, fu *model.FollowUp) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *fu
	cp.State = model.FOLLOWUP_SCHEDULED
	q.rows[fu.Id] = &cp
	return nil
}

func (q *followUpQueue) Reschedule(ctx context.Context, fu *model.FollowUp, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *fu
	cp.FireAt = time.Now().Add(delay)
	cp.State = model.FOLLOWUP_SCHEDULED
	q.rows[fu.Id] = &cp
	return nil
}

func (q *followUpQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fu, ok := q.rows[id]; ok && fu.State == model.FOLLOWUP_SCHEDULED {
		fu.State = model.FOLLOWUP_CANCELLED
	}
	return nil
}

func (q *followUpQueue) CancelForSession(ctx context.Context, sessionId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, fu := range q.rows {
		if fu.SessionId == sessionId && fu.State == model.FOLLOWUP_SCHEDULED {
			fu.State = model.FOLLOWUP_CANCELLED
		}
	}
	return nil
}

func (q *followUpQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*model.FollowUp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*model.FollowUp
	for _, fu := range q.rows {
		if fu.State == model.FOLLOWUP_SCHEDULED && !fu.FireAt.After(now) {
			cp := *fu
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, fu := range due {
		// Claimed: out of the scheduled set until the deliverer updates it.
		q.rows[fu.Id].State = model.FOLLOWUP_SENT
	}
	return due, nil
}

func (q *followUpQueue) Update(ctx context.Context, fu *model.FollowUp) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *fu
	q.rows[fu.Id] = &cp
	return nil
}

type flowDefDao struct {
	mu   sync.RWMutex
	rows map[string]*model.FlowDef
}

func defKey(flowId string, version int) string {
	return flowId + ":" + strconv.Itoa(version)
}

func (d *flowDefDao) Save(ctx context.Context, def *model.FlowDef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *def
	d.rows[defKey(def.Id, def.Version)] = &cp
	return nil
}

func (d *flowDefDao) Get(ctx context.Context, flowId string, version int) (*model.FlowDef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.rows[defKey(flowId, version)]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "flow", Id: defKey(flowId, version)}
	}
	cp := *def
	return &cp, nil
}

func (d *flowDefDao) Active(ctx context.Context, tenantId string) ([]*model.FlowDef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	latest := make(map[string]*model.FlowDef)
	for _, def := range d.rows {
		if def.TenantId != tenantId || def.Status != model.FLOW_STATUS_ACTIVE {
			continue
		}
		if cur, ok := latest[def.Id]; !ok || def.Version > cur.Version {
			latest[def.Id] = def
		}
	}
	var out []*model.FlowDef
	for _, def := range latest {
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}
