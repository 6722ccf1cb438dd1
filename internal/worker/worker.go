package worker

import (
	"context"
	"sync"
	"time"

	"farm-marketplace/internal/broker"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"go.uber.org/zap"
)

// Reconciler repairs buyer copies that fell behind their seller copy
type Reconciler interface {
	Sweep(ctx context.Context) (int, error)
	HandleMirrorFailed(ctx context.Context, event *models.MirrorFailedEvent) error
}

// MirrorWorker drives buyer copy repair from two sources: MirrorFailed events
// on the order topic, and a periodic sweep of the mirror pending index that
// catches orders whose event was lost.
type MirrorWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	reconciler   Reconciler
	interval     time.Duration
	logger       *zap.Logger

	wg sync.WaitGroup
}

// NewMirrorWorker creates a new mirror worker. consumer may be nil, in which
// case only the sweep runs.
func NewMirrorWorker(consumer *broker.Consumer, reconciler Reconciler, interval time.Duration) *MirrorWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnMirrorFailed(reconciler.HandleMirrorFailed)

	return &MirrorWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		reconciler:   reconciler,
		interval:     interval,
		logger:       util.GetLogger(),
	}
}

// Start runs the worker until ctx is cancelled
func (w *MirrorWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting mirror worker", zap.Duration("sweep_interval", w.interval))

	if w.interval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweepLoop(ctx)
		}()
	}

	if w.consumer == nil {
		<-ctx.Done()
		w.wg.Wait()
		return nil
	}

	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	w.wg.Wait()
	return err
}

// Stop closes the consumer
func (w *MirrorWorker) Stop() error {
	w.logger.Info("Stopping mirror worker")
	if w.consumer == nil {
		return nil
	}
	return w.consumer.Close()
}

func (w *MirrorWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repaired, err := w.reconciler.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Mirror sweep failed", zap.Error(err))
				continue
			}
			if repaired > 0 {
				w.logger.Info("Mirror sweep repaired orders", zap.Int("repaired", repaired))
			}
		}
	}
}
