package flow

import (
	"context"
	"fmt"

	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	c "github.com/patrickmn/go-cache"
)

// Source provides immutable flow versions and the set of active flows
// eligible for trigger matching.
type Source interface {
	GetFlowVersion(ctx context.Context, flowId string, version int) (*model.FlowDef, error)
	ActiveFlows(ctx context.Context, tenantId string, channel string) ([]*model.FlowDef, error)
}

// CachingSource caches pinned (flowId, version) definitions forever:
// versions are immutable, so a cached graph can never go stale.
// ActiveFlows is passed through uncached since activation state changes.
type CachingSource struct {
	delegate Source
	cache    *c.Cache
}

var _ Source = new(CachingSource)

func NewCachingSource(delegate Source) *CachingSource {
	return &CachingSource{
		delegate: delegate,
		cache:    c.New(c.NoExpiration, 0),
	}
}

func (s *CachingSource) GetFlowVersion(ctx context.Context, flowId string, version int) (*model.FlowDef, error) {
	key := fmt.Sprintf("%s:%d", flowId, version)
	if cached, found := s.cache.Get(key); found {
		return cached.(*model.FlowDef), nil
	}
	def, err := s.delegate.GetFlowVersion(ctx, flowId, version)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, def, c.NoExpiration)
	return def, nil
}

func (s *CachingSource) ActiveFlows(ctx context.Context, tenantId string, channel string) ([]*model.FlowDef, error) {
	return s.delegate.ActiveFlows(ctx, tenantId, channel)
}

// DaoSource serves definitions straight from the definition store. An
// empty channel disables channel filtering; a flow whose trigger names
// no channel is eligible on every channel.
type DaoSource struct {
	dao persistence.FlowDefDao
}

var _ Source = new(DaoSource)

func NewDaoSource(dao persistence.FlowDefDao) *DaoSource {
	return &DaoSource{dao: dao}
}

func (s *DaoSource) GetFlowVersion(ctx context.Context, flowId string, version int) (*model.FlowDef, error) {
	return s.dao.Get(ctx, flowId, version)
}

func (s *DaoSource) ActiveFlows(ctx context.Context, tenantId string, channel string) ([]*model.FlowDef, error) {
	defs, err := s.dao.Active(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		return defs, nil
	}
	var out []*model.FlowDef
	for _, def := range defs {
		if def.Trigger.Channel == "" || def.Trigger.Channel == channel {
			out = append(out, def)
		}
	}
	return out, nil
}
