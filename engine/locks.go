package engine

import (
	"context"
	"sync"
	"time"

	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/spaolacci/murmur3"
)

var _ persistence.Locker = new(KeyedMutex)

const lockStripes = 64

// KeyedMutex is the in-process conversation lock for single-process
// deployments. Keys hash onto a fixed set of stripes; each stripe keeps
// one semaphore per live key, created on first use and dropped when the
// last waiter leaves.
type KeyedMutex struct {
	stripes [lockStripes]lockStripe
}

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	km := &KeyedMutex{}
	for i := range km.stripes {
		km.stripes[i].locks = make(map[string]*keyLock)
	}
	return km
}

func (km *KeyedMutex) stripe(key string) *lockStripe {
	return &km.stripes[murmur3.Sum32([]byte(key))%lockStripes]
}

func (km *KeyedMutex) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	st := km.stripe(key)
	st.mu.Lock()
	kl, ok := st.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		st.locks[key] = kl
	}
	kl.refs++
	st.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case kl.sem <- struct{}{}:
		release := func() {
			<-kl.sem
			km.unref(st, key, kl)
		}
		return release, nil
	case <-timer.C:
		km.unref(st, key, kl)
		return nil, model.ConcurrencyError{SessionId: key}
	case <-ctx.Done():
		km.unref(st, key, kl)
		return nil, ctx.Err()
	}
}

func (km *KeyedMutex) unref(st *lockStripe, key string, kl *keyLock) {
	st.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(st.locks, key)
	}
	st.mu.Unlock()
}
