package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.FlowDefDao = new(redisFlowDefDao)

// Flow definitions are immutable per version: a hash of flowId:version
// bodies plus a per-tenant index of the latest active version.
type redisFlowDefDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.FlowDef]
}

func (rf *redisFlowDefDao) defKey() string {
	return rf.getNamespaceKey(FLOWDEF_KEY)
}

func (rf *redisFlowDefDao) activeKey(tenantId string) string {
	return rf.getNamespaceKey(FLOW_ACTIVE_KEY, tenantId)
}

func defField(flowId string, version int) string {
	return flowId + ":" + strconv.Itoa(version)
}

func (rf *redisFlowDefDao) Save(ctx context.Context, def *model.FlowDef) error {
	data, err := rf.encoderDecoder.Encode(*def)
	if err != nil {
		return err
	}
	pipe := rf.redisClient.Pipeline()
	pipe.HSet(ctx, rf.defKey(), defField(def.Id, def.Version), string(data))
	if def.Status == model.FLOW_STATUS_ACTIVE {
		pipe.HSet(ctx, rf.activeKey(def.TenantId), def.Id, strconv.Itoa(def.Version))
	} else {
		pipe.HDel(ctx, rf.activeKey(def.TenantId), def.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving flow definition", zap.String("flowId", def.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlowDefDao) Get(ctx context.Context, flowId string, version int) (*model.FlowDef, error) {
	raw, err := rf.redisClient.HGet(ctx, rf.defKey(), defField(flowId, version)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "flow", Id: defField(flowId, version)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rf.encoderDecoder.Decode([]byte(raw))
}

func (rf *redisFlowDefDao) Active(ctx context.Context, tenantId string) ([]*model.FlowDef, error) {
	index, err := rf.redisClient.HGetAll(ctx, rf.activeKey(tenantId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []*model.FlowDef
	for flowId, versionStr := range index {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			continue
		}
		def, err := rf.Get(ctx, flowId, version)
		if err != nil {
			logger.Error("active index references missing flow", zap.String("flowId", flowId), zap.Error(err))
			continue
		}
		out = append(out, def)
	}
	return out, nil
}
