package redis

import (
	"fmt"
	"strings"

	"github.com/chatdeck/flowengine/config"
	rd "github.com/go-redis/redis/v9"
)

const SESSION_KEY string = "SESSION"
const OPEN_INDEX_KEY string = "OPEN"
const STEPS_KEY string = "STEPS"
const FOLLOWUP_KEY string = "FOLLOWUP"
const FOLLOWUP_DELAY_KEY string = "FOLLOWUP_DELAY"
const FOLLOWUP_SESSION_KEY string = "FOLLOWUP_SESSION"
const FLOWDEF_KEY string = "FLOWDEF"
const FLOW_ACTIVE_KEY string = "FLOWS_ACTIVE"
const LOCK_KEY string = "LOCK"

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func newBaseDao(conf config.RedisStorageConfig) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	return &baseDao{
		redisClient: redisClient,
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}
