package redis

import (
	"context"
	"time"

	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/google/uuid"
)

var _ persistence.Locker = new(Locker)

// Locker implements the conversation lock as a redis lease (SET NX PX)
// for deployments running more than one engine process. The lease TTL
// caps how long a crashed holder can block a conversation.
type Locker struct {
	baseDao
	leaseTTL time.Duration
}

const lockPollInterval = 50 * time.Millisecond

var releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

func NewLocker(conf config.RedisStorageConfig, leaseTTL time.Duration) *Locker {
	return &Locker{baseDao: *newBaseDao(conf), leaseTTL: leaseTTL}
}

func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	lockKey := l.getNamespaceKey(LOCK_KEY, key)
	token := uuid.New().String()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.redisClient.SetNX(ctx, lockKey, token, l.leaseTTL).Result()
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		if ok {
			release := func() {
				l.redisClient.Eval(context.Background(), releaseScript, []string{lockKey}, token)
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, model.ConcurrencyError{SessionId: key}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
