package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.SessionDao = new(redisSessionDao)

// Sessions live in a hash per tenant; the open-session index is a second
// hash mapping flowId:conversationId to the open session id, written
// with HSETNX on create so the single-open-session invariant holds even
// under concurrent creates.
type redisSessionDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.Session]
}

func (rs *redisSessionDao) sessionKey(tenantId string) string {
	return rs.getNamespaceKey(SESSION_KEY, tenantId)
}

func (rs *redisSessionDao) openKey(tenantId string) string {
	return rs.getNamespaceKey(OPEN_INDEX_KEY, tenantId)
}

func openField(flowId string, conversationId string) string {
	return flowId + ":" + conversationId
}

func (rs *redisSessionDao) Create(ctx context.Context, s *model.Session) error {
	data, err := rs.encoderDecoder.Encode(*s)
	if err != nil {
		return err
	}
	field := openField(s.FlowId, s.ConversationId)
	created, err := rs.redisClient.HSetNX(ctx, rs.openKey(s.TenantId), field, s.Id).Result()
	if err != nil {
		logger.Error("error registering open session", zap.String("sessionId", s.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if !created {
		return persistence.DuplicateSessionError{FlowId: s.FlowId, ConversationId: s.ConversationId}
	}
	if err := rs.redisClient.HSet(ctx, rs.sessionKey(s.TenantId), s.Id, string(data)).Err(); err != nil {
		logger.Error("error saving session", zap.String("sessionId", s.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisSessionDao) Save(ctx context.Context, s *model.Session) error {
	data, err := rs.encoderDecoder.Encode(*s)
	if err != nil {
		return err
	}
	pipe := rs.redisClient.Pipeline()
	pipe.HSet(ctx, rs.sessionKey(s.TenantId), s.Id, string(data))
	if s.State.Terminal() {
		pipe.HDel(ctx, rs.openKey(s.TenantId), openField(s.FlowId, s.ConversationId))
	} else {
		pipe.HSet(ctx, rs.openKey(s.TenantId), openField(s.FlowId, s.ConversationId), s.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving session", zap.String("sessionId", s.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisSessionDao) Get(ctx context.Context, tenantId string, sessionId string) (*model.Session, error) {
	raw, err := rs.redisClient.HGet(ctx, rs.sessionKey(tenantId), sessionId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "session", Id: sessionId}
		}
		logger.Error("error loading session", zap.String("sessionId", sessionId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rs.encoderDecoder.Decode([]byte(raw))
}

func (rs *redisSessionDao) FindOpen(ctx context.Context, tenantId string, flowId string, conversationId string) (*model.Session, error) {
	sessionId, err := rs.redisClient.HGet(ctx, rs.openKey(tenantId), openField(flowId, conversationId)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rs.Get(ctx, tenantId, sessionId)
}

func (rs *redisSessionDao) FindOpenByConversation(ctx context.Context, tenantId string, conversationId string) ([]*model.Session, error) {
	index, err := rs.redisClient.HGetAll(ctx, rs.openKey(tenantId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []*model.Session
	for field, sessionId := range index {
		if !strings.HasSuffix(field, ":"+conversationId) {
			continue
		}
		s, err := rs.Get(ctx, tenantId, sessionId)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	// Most recent session first, matching the memory implementation.
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
