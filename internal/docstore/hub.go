package docstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"farm-marketplace/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const defaultRestartDelay = 500 * time.Millisecond

// Feed relays changed paths between processes sharing one backend.
type Feed interface {
	Publish(ctx context.Context, path string) error
	// Listen blocks, calling fn for every path published by any process,
	// until ctx is done.
	Listen(ctx context.Context, fn func(path string)) error
}

type loadFunc func(ctx context.Context) (Snapshot, error)

type subscription struct {
	id     uint64
	path   string
	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	// set while fn runs on the delivery goroutine
	inCallback atomic.Bool
}

// Hub is the subscription table shared by the store backends. Listeners are
// registered per collection path and woken when anything at, above or below
// that path changes.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	feed   Feed
	logger *zap.Logger

	listening    atomic.Bool
	restartDelay time.Duration
}

type HubOption func(*Hub)

// WithFeed routes change notifications through a cross-process feed
func WithFeed(feed Feed) HubOption {
	return func(h *Hub) {
		h.feed = feed
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:         make(map[string]map[uint64]*subscription),
		logger:       util.GetLogger(),
		restartDelay: defaultRestartDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run forwards feed notifications to local subscribers until ctx is done,
// restarting the feed listener with backoff whenever it stops. Without a
// feed it returns immediately.
func (h *Hub) Run(ctx context.Context) error {
	if h.feed == nil {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.restartDelay
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	for {
		started := time.Now()
		h.listening.Store(true)
		err := h.feed.Listen(ctx, h.Changed)
		h.listening.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// a listener that ran for a while starts the backoff over
		if time.Since(started) > b.MaxInterval {
			retry.Reset()
		}
		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			return ctx.Err()
		}
		h.logger.Warn("Change feed listener stopped, restarting",
			zap.Duration("retryIn", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Publish announces a change at path. With a running feed listener the
// local subscribers are woken through the feed; while no listener runs, or
// when the feed is unreachable, they are woken directly so this process
// stays consistent.
func (h *Hub) Publish(ctx context.Context, path string) {
	if h.feed == nil {
		h.Changed(path)
		return
	}

	if err := h.feed.Publish(ctx, path); err != nil {
		h.logger.Warn("Change feed publish failed, notifying locally",
			zap.String("path", path),
			zap.Error(err))
		h.Changed(path)
		return
	}
	if !h.listening.Load() {
		h.Changed(path)
	}
}

// Changed wakes every subscriber whose collection is related to path
func (h *Hub) Changed(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subPath, byID := range h.subs {
		if !isWithin(path, subPath) && !isWithin(subPath, path) {
			continue
		}
		for _, sub := range byID {
			select {
			case sub.notify <- struct{}{}:
			default:
				// a wakeup is already pending; it will read the latest state
			}
		}
	}
}

// Subscribers returns the number of registered listeners
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, byID := range h.subs {
		n += len(byID)
	}
	return n
}

func (h *Hub) subscribe(ctx context.Context, collection string, load loadFunc, fn func(Snapshot)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.register(collection, cancel)

	// registered before the first load so no change between load and
	// delivery is lost; at worst the same snapshot is delivered twice
	snap, err := load(subCtx)
	if err != nil {
		h.unregister(sub)
		cancel()
		return nil, err
	}
	fn(snap)

	go h.deliver(subCtx, sub, load, fn)

	// The returned func waits for an in-flight delivery to finish. Called
	// from inside fn it cannot wait on itself, so it returns at once and the
	// delivery goroutine exits when fn does.
	var once sync.Once
	return func() {
		once.Do(func() {
			h.unregister(sub)
			sub.cancel()
		})
		if sub.inCallback.Load() {
			return
		}
		<-sub.done
	}, nil
}

func (h *Hub) deliver(ctx context.Context, sub *subscription, load loadFunc, fn func(Snapshot)) {
	defer close(sub.done)
	defer h.unregister(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
			snap, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Error("Failed to load snapshot for subscriber",
					zap.String("path", sub.path),
					zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sub.inCallback.Store(true)
			fn(snap)
			sub.inCallback.Store(false)
		}
	}
}

func (h *Hub) register(path string, cancel context.CancelFunc) *subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscription{
		id:     h.nextID,
		path:   path,
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if h.subs[path] == nil {
		h.subs[path] = make(map[uint64]*subscription)
	}
	h.subs[path][sub.id] = sub
	util.ActiveSubscriptions.Inc()
	return sub
}

func (h *Hub) unregister(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.subs[sub.path]
	if !ok {
		return
	}
	if _, ok := byID[sub.id]; !ok {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(h.subs, sub.path)
	}
	util.ActiveSubscriptions.Dec()
}
