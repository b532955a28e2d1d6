package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.FollowUpQueue = new(redisFollowUpQueue)

// Follow-ups are a ZSET of ids scored by fire time plus a hash of bodies.
// PopDue claims with a Lua script that reads up to limit due members and
// removes exactly those, so a follow-up is delivered at most once per
// claim even with several pollers and members beyond the limit stay
// queued for the next poll.
type redisFollowUpQueue struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.FollowUp]
}

var popDueScript = rd.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
	redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

func (rq *redisFollowUpQueue) delayKey() string {
	return rq.getNamespaceKey(FOLLOWUP_DELAY_KEY)
}

func (rq *redisFollowUpQueue) bodyKey() string {
	return rq.getNamespaceKey(FOLLOWUP_KEY)
}

func (rq *redisFollowUpQueue) sessionKey(sessionId string) string {
	return rq.getNamespaceKey(FOLLOWUP_SESSION_KEY, sessionId)
}

func (rq *redisFollowUpQueue) Schedule(ctx context.Context, fu *model.FollowUp) error {
	fu.State = model.FOLLOWUP_SCHEDULED
	data, err := rq.encoderDecoder.Encode(*fu)
	if err != nil {
		return err
	}
	pipe := rq.redisClient.Pipeline()
	pipe.HSet(ctx, rq.bodyKey(), fu.Id, string(data))
	pipe.ZAdd(ctx, rq.delayKey(), rd.Z{Score: float64(fu.FireAt.UnixMilli()), Member: fu.Id})
	pipe.SAdd(ctx, rq.sessionKey(fu.SessionId), fu.Id)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error scheduling follow-up", zap.String("id", fu.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisFollowUpQueue) Reschedule(ctx context.Context, fu *model.FollowUp, delay time.Duration) error {
	fu.FireAt = time.Now().Add(delay)
	return rq.Schedule(ctx, fu)
}

func (rq *redisFollowUpQueue) Cancel(ctx context.Context, id string) error {
	raw, err := rq.redisClient.HGet(ctx, rq.bodyKey(), id).Result()
	if err != nil {
		if err == rd.Nil {
			return nil
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	fu, err := rq.encoderDecoder.Decode([]byte(raw))
	if err != nil {
		return err
	}
	fu.State = model.FOLLOWUP_CANCELLED
	data, _ := rq.encoderDecoder.Encode(*fu)
	pipe := rq.redisClient.Pipeline()
	pipe.ZRem(ctx, rq.delayKey(), id)
	pipe.HSet(ctx, rq.bodyKey(), id, string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisFollowUpQueue) CancelForSession(ctx context.Context, sessionId string) error {
	ids, err := rq.redisClient.SMembers(ctx, rq.sessionKey(sessionId)).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	for _, id := range ids {
		if err := rq.Cancel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (rq *redisFollowUpQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*model.FollowUp, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := popDueScript.Run(ctx, rq.redisClient, []string{rq.delayKey()}, max, limit).StringSlice()
	if err != nil {
		logger.Error("error while popping follow-up queue", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []*model.FollowUp
	for _, id := range ids {
		raw, err := rq.redisClient.HGet(ctx, rq.bodyKey(), id).Result()
		if err != nil {
			continue
		}
		fu, err := rq.encoderDecoder.Decode([]byte(raw))
		if err != nil {
			logger.Error("can not decode follow-up", zap.String("id", id), zap.Error(err))
			continue
		}
		if fu.State != model.FOLLOWUP_SCHEDULED {
			continue
		}
		out = append(out, fu)
	}
	return out, nil
}

func (rq *redisFollowUpQueue) Update(ctx context.Context, fu *model.FollowUp) error {
	data, err := rq.encoderDecoder.Encode(*fu)
	if err != nil {
		return err
	}
	if err := rq.redisClient.HSet(ctx, rq.bodyKey(), fu.Id, string(data)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
