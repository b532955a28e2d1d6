package config

import "github.com/chatdeck/flowengine/analytics"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	RedisConfig RedisStorageConfig
	StorageType StorageType
	HttpPort    int
	Engine      EngineConfig
	Gateway     GatewayConfig
	AI          AIConfig
	FollowUp    FollowUpConfig
	Analytics   analytics.DataCollectorConfig
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

// EngineConfig bounds a single interpreter invocation. Zero values are
// replaced by the defaults below.
type EngineConfig struct {
	MaxStepsPerRun     int
	WallBudgetSeconds  int
	NodeTimeoutSeconds int
	LockWaitSeconds    int
	DefaultMaxRetries  int
	SessionTTLHours    int
}

const DEFAULT_MAX_STEPS_PER_RUN = 100
const DEFAULT_WALL_BUDGET_SECONDS = 60
const DEFAULT_NODE_TIMEOUT_SECONDS = 30
const DEFAULT_LOCK_WAIT_SECONDS = 10
const DEFAULT_MAX_RETRIES = 2
const DEFAULT_SESSION_TTL_HOURS = 72

func (c EngineConfig) WithDefaults() EngineConfig {
	if c.MaxStepsPerRun == 0 {
		c.MaxStepsPerRun = DEFAULT_MAX_STEPS_PER_RUN
	}
	if c.WallBudgetSeconds == 0 {
		c.WallBudgetSeconds = DEFAULT_WALL_BUDGET_SECONDS
	}
	if c.NodeTimeoutSeconds == 0 {
		c.NodeTimeoutSeconds = DEFAULT_NODE_TIMEOUT_SECONDS
	}
	if c.LockWaitSeconds == 0 {
		c.LockWaitSeconds = DEFAULT_LOCK_WAIT_SECONDS
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = DEFAULT_MAX_RETRIES
	}
	if c.SessionTTLHours == 0 {
		c.SessionTTLHours = DEFAULT_SESSION_TTL_HOURS
	}
	return c
}

// GatewayConfig points at the channel gateway that owns the actual
// WhatsApp/Messenger/etc wire protocols.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
}

type AIConfig struct {
	CompletionURL string
	APIKey        string
	Model         string
}

type FollowUpConfig struct {
	PollIntervalSeconds int
	WorkerCapacity      int
	MaxDeliveryRetries  int
}
