package redis

import (
	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
)

type Storage struct {
	sessions  *redisSessionDao
	steps     *redisStepDao
	followups *redisFollowUpQueue
	flowdefs  *redisFlowDefDao
}

var _ persistence.Storage = new(Storage)

func NewStorage(conf config.RedisStorageConfig) *Storage {
	base := newBaseDao(conf)
	return &Storage{
		sessions: &redisSessionDao{
			baseDao:        *base,
			encoderDecoder: util.NewJsonEncoderDecoder[model.Session](),
		},
		steps: &redisStepDao{
			baseDao:        *base,
			encoderDecoder: util.NewJsonEncoderDecoder[model.StepRecord](),
		},
		followups: &redisFollowUpQueue{
			baseDao:        *base,
			encoderDecoder: util.NewJsonEncoderDecoder[model.FollowUp](),
		},
		flowdefs: &redisFlowDefDao{
			baseDao:        *base,
			encoderDecoder: util.NewJsonEncoderDecoder[model.FlowDef](),
		},
	}
}

func (s *Storage) Sessions() persistence.SessionDao     { return s.sessions }
func (s *Storage) Steps() persistence.StepDao           { return s.steps }
func (s *Storage) FollowUps() persistence.FollowUpQueue { return s.followups }
func (s *Storage) FlowDefs() persistence.FlowDefDao     { return s.flowdefs }
