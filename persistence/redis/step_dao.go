package redis

import (
	"context"
	"sort"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
	"go.uber.org/zap"
)

var _ persistence.StepDao = new(redisStepDao)

// Step records live in a hash per session keyed by record id; ordering
// is reconstructed from (Seq, Attempt) on read. Audit volume per session
// is small, so whole-hash reads are fine.
type redisStepDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.StepRecord]
}

func (rs *redisStepDao) stepsKey(sessionId string) string {
	return rs.getNamespaceKey(STEPS_KEY, sessionId)
}

func (rs *redisStepDao) Append(ctx context.Context, rec *model.StepRecord) error {
	return rs.write(ctx, rec)
}

func (rs *redisStepDao) Update(ctx context.Context, rec *model.StepRecord) error {
	return rs.write(ctx, rec)
}

func (rs *redisStepDao) write(ctx context.Context, rec *model.StepRecord) error {
	data, err := rs.encoderDecoder.Encode(*rec)
	if err != nil {
		return err
	}
	if err := rs.redisClient.HSet(ctx, rs.stepsKey(rec.SessionId), rec.Id, string(data)).Err(); err != nil {
		logger.Error("error saving step record", zap.String("sessionId", rec.SessionId), zap.String("nodeId", rec.NodeId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisStepDao) List(ctx context.Context, sessionId string) ([]*model.StepRecord, error) {
	raw, err := rs.redisClient.HVals(ctx, rs.stepsKey(sessionId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]*model.StepRecord, 0, len(raw))
	for _, item := range raw {
		rec, err := rs.encoderDecoder.Decode([]byte(item))
		if err != nil {
			logger.Error("can not decode step record", zap.String("sessionId", sessionId), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (rs *redisStepDao) Find(ctx context.Context, sessionId string, nodeId string, seq int) ([]*model.StepRecord, error) {
	all, err := rs.List(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	var out []*model.StepRecord
	for _, rec := range all {
		if rec.NodeId == nodeId && rec.Seq == seq {
			out = append(out, rec)
		}
	}
	return out, nil
}
