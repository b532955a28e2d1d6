package followup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/engine"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/util"
	"go.uber.org/zap"
)

const DEFAULT_POLL_INTERVAL_SECONDS = 1
const DEFAULT_WORKER_CAPACITY = 100
const DEFAULT_MAX_DELIVERY_RETRIES = 3

// Delay before retrying a fire that hit a paused session or a held
// conversation lock.
const requeueDelay = 60 * time.Second
const deliveryTimeout = time.Minute

// Resumer injects a timer fire into the execution scheduler.
type Resumer interface {
	OnTimerFire(ctx context.Context, tenantId string, sessionId string, nodeId string) (*model.Outcome, error)
}

// Scheduler delivers due follow-ups. The durable queue is the source of
// truth; a tick worker polls it and hands claims to a delivery worker.
// The timing wheel only sharpens latency for fires due between polls,
// so a missed wheel timer is never a lost follow-up.
type Scheduler struct {
	storage persistence.Storage
	resumer Resumer
	sender  node.Sender
	conf    config.FollowUpConfig

	wheel    *timingwheel.TimingWheel
	poller   *util.TickWorker
	worker   *util.Worker[*model.FollowUp]
	stop     chan struct{}
	stopOnce sync.Once
}

var _ engine.TimerNotifier = new(Scheduler)

func NewScheduler(storage persistence.Storage, resumer Resumer, sender node.Sender, conf config.FollowUpConfig, wg *sync.WaitGroup) *Scheduler {
	if conf.PollIntervalSeconds == 0 {
		conf.PollIntervalSeconds = DEFAULT_POLL_INTERVAL_SECONDS
	}
	if conf.WorkerCapacity == 0 {
		conf.WorkerCapacity = DEFAULT_WORKER_CAPACITY
	}
	if conf.MaxDeliveryRetries == 0 {
		conf.MaxDeliveryRetries = DEFAULT_MAX_DELIVERY_RETRIES
	}
	s := &Scheduler{
		storage: storage,
		resumer: resumer,
		sender:  sender,
		conf:    conf,
		wheel:   timingwheel.NewTimingWheel(100*time.Millisecond, 100),
		stop:    make(chan struct{}),
	}
	s.worker = util.NewWorker[*model.FollowUp]("followup-delivery", wg, s.deliver, conf.WorkerCapacity)
	s.poller = util.NewTickWorker("followup-poller", time.Duration(conf.PollIntervalSeconds)*time.Second, s.poll, wg)
	return s
}

func (s *Scheduler) Start() {
	s.wheel.Start()
	s.worker.Start()
	s.poller.Start()
}

func (s *Scheduler) Stop() {
	// Armed wheel timers may still fire poll after this; the stop channel
	// keeps them from claiming work or blocking on the stopped worker.
	s.stopOnce.Do(func() { close(s.stop) })
	s.poller.Stop()
	s.worker.Stop()
	s.wheel.Stop()
}

// Notify arms a wheel timer so a fire due before the next poll tick is
// picked up on time.
func (s *Scheduler) Notify(fireAt time.Time) {
	delay := time.Until(fireAt)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	s.wheel.AfterFunc(delay, s.poll)
}

func (s *Scheduler) poll() {
	select {
	case <-s.stop:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	due, err := s.storage.FollowUps().PopDue(ctx, time.Now(), s.conf.WorkerCapacity)
	if err != nil {
		logger.Error("error polling follow-up queue", zap.Error(err))
		return
	}
	for _, fu := range due {
		select {
		case s.worker.Sender() <- fu:
		case <-s.stop:
			// Claimed but undeliverable during shutdown; put it back.
			if err := s.storage.FollowUps().Reschedule(ctx, fu, 0); err != nil {
				logger.Error("could not requeue follow-up on shutdown", zap.String("id", fu.Id), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) deliver(fu *model.FollowUp) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	fu.Attempts++
	switch fu.Kind {
	case model.FOLLOWUP_RESUME:
		return s.deliverResume(ctx, fu)
	case model.FOLLOWUP_MESSAGE:
		return s.deliverMessage(ctx, fu)
	}
	logger.Warn("dropping follow-up of unknown kind", zap.String("id", fu.Id), zap.String("kind", string(fu.Kind)))
	return nil
}

func (s *Scheduler) deliverResume(ctx context.Context, fu *model.FollowUp) error {
	outcome, err := s.resumer.OnTimerFire(ctx, fu.TenantId, fu.SessionId, fu.NodeId)
	if err != nil {
		var busy model.ConcurrencyError
		if errors.As(err, &busy) {
			// Conversation lock held elsewhere; the session is live, try later.
			fu.Attempts--
			return s.storage.FollowUps().Reschedule(ctx, fu, requeueDelay)
		}
		return s.recordFailure(ctx, fu, err)
	}
	if outcome.Status == model.OUTCOME_IGNORED && outcome.Reason == engine.ReasonPaused {
		// Paused sessions keep their timers elapsing; requeue the fire.
		fu.Attempts--
		return s.storage.FollowUps().Reschedule(ctx, fu, requeueDelay)
	}
	logger.Info("timer fire delivered",
		zap.String("sessionId", fu.SessionId),
		zap.String("nodeId", fu.NodeId),
		zap.String("status", string(outcome.Status)))
	fu.State = model.FOLLOWUP_SENT
	return s.storage.FollowUps().Update(ctx, fu)
}

func (s *Scheduler) deliverMessage(ctx context.Context, fu *model.FollowUp) error {
	if _, err := s.sender.Send(ctx, fu.ConversationId, fu.Channel, fu.Content); err != nil {
		return s.recordFailure(ctx, fu, err)
	}
	fu.State = model.FOLLOWUP_SENT
	return s.storage.FollowUps().Update(ctx, fu)
}

func (s *Scheduler) recordFailure(ctx context.Context, fu *model.FollowUp, cause error) error {
	fu.LastError = cause.Error()
	if fu.Attempts >= s.conf.MaxDeliveryRetries {
		logger.Error("follow-up delivery failed permanently",
			zap.String("id", fu.Id),
			zap.Int("attempts", fu.Attempts),
			zap.Error(cause))
		fu.State = model.FOLLOWUP_FAILED
		return s.storage.FollowUps().Update(ctx, fu)
	}
	delay := time.Duration(fu.Attempts) * 30 * time.Second
	return s.storage.FollowUps().Reschedule(ctx, fu, delay)
}
