package agent

import (
	"sync"
	"time"

	"github.com/chatdeck/flowengine/analytics"
	"github.com/chatdeck/flowengine/config"
	"github.com/chatdeck/flowengine/engine"
	"github.com/chatdeck/flowengine/flow"
	"github.com/chatdeck/flowengine/followup"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/chatdeck/flowengine/persistence/memory"
	rds "github.com/chatdeck/flowengine/persistence/redis"
	"github.com/chatdeck/flowengine/rest"
)

// Agent wires storage, node registry, engine, follow-up scheduler and
// http server into one runnable process.
type Agent struct {
	Config config.Config

	storage      persistence.Storage
	locker       persistence.Locker
	registry     *node.Registry
	scheduler    *engine.Scheduler
	followup     *followup.Scheduler
	httpServer   *rest.Server
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupAnalytics,
		a.setupStorage,
		a.setupRegistry,
		a.setupEngine,
		a.setupFollowUpScheduler,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupAnalytics() error {
	return analytics.InitDataCollector(a.Config.Analytics)
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = rds.NewStorage(a.Config.RedisConfig)
		// The lease outlives the wall budget so a crashed holder cannot
		// block a conversation forever, and a live one is never preempted.
		leaseTTL := 2 * time.Duration(a.Config.Engine.WithDefaults().WallBudgetSeconds) * time.Second
		a.locker = rds.NewLocker(a.Config.RedisConfig, leaseTTL)
	default:
		a.storage = memory.NewStorage()
		a.locker = engine.NewKeyedMutex()
	}
	return nil
}

func (a *Agent) setupRegistry() error {
	deps := node.Dependencies{
		Sender:   node.NewGatewaySender(a.Config.Gateway),
		AI:       node.NewCompletionProvider(a.Config.AI),
		Webhook:  node.NewRestyWebhookCaller(),
		Pipeline: node.NewGatewayPipelineUpdater(a.Config.Gateway),
	}
	a.registry = node.NewDefaultRegistry(deps)
	return nil
}

func (a *Agent) setupEngine() error {
	flows := flow.NewCachingSource(flow.NewDaoSource(a.storage.FlowDefs()))
	interp := engine.NewInterpreter(a.storage, a.registry, a.Config.Engine)
	a.scheduler = engine.NewScheduler(a.storage, flows, interp, a.locker, a.Config.Engine)
	return nil
}

func (a *Agent) setupFollowUpScheduler() error {
	sender := node.NewGatewaySender(a.Config.Gateway)
	a.followup = followup.NewScheduler(a.storage, a.scheduler, sender, a.Config.FollowUp, &a.wg)
	a.scheduler.SetTimerNotifier(a.followup)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.scheduler, a.storage, a.registry)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	a.followup.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
			panic(err)
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.followup.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
