package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	reconcileLockTTL = 30 * time.Second
	// rounds of copy-and-verify before giving up on a seller copy that
	// keeps changing underneath the reconciler
	reconcileRounds = 3
)

// Locker is a distributed mutex keyed by name
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Reconciler repairs buyer copies that fell behind their seller copy. Orders
// to repair are found through the mirrorPending flag and its index entry.
type Reconciler struct {
	store           docstore.Store
	locker          Locker
	initialInterval time.Duration
	maxElapsed      time.Duration
	logger          *zap.Logger
}

type ReconcilerOption func(*Reconciler)

// WithRetry sets the backoff used for each buyer copy write
func WithRetry(initialInterval, maxElapsed time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.initialInterval = initialInterval
		r.maxElapsed = maxElapsed
	}
}

// NewReconciler creates a reconciler. A nil locker disables locking, which
// is only safe with a single instance.
func NewReconciler(store docstore.Store, locker Locker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:           store,
		locker:          locker,
		initialInterval: 200 * time.Millisecond,
		maxElapsed:      20 * time.Second,
		logger:          util.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile copies the seller copy of an order over its buyer copy and
// clears the pending flag. Orders that are not flagged are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, sellerID, orderID string) (err error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile")
	defer func() { util.EndSpan(span, err) }()

	if r.locker != nil {
		lockKey := "mirror:" + orderID
		token, ok, err := r.locker.AcquireLock(ctx, lockKey, reconcileLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire reconcile lock: %w", err)
		}
		if !ok {
			return ErrLockHeld
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
				r.logger.Warn("Failed to release reconcile lock", zap.String("order_id", orderID), zap.Error(err))
			}
		}()
	}

	sellerPath := models.SellerOrderPath(sellerID, orderID)
	for round := 0; round < reconcileRounds; round++ {
		var order models.Order
		if err := r.store.Get(ctx, sellerPath, &order); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				r.logger.Warn("Seller copy gone, dropping mirror entry", zap.String("order_id", orderID))
				return r.dropEntry(ctx, orderID)
			}
			return fmt.Errorf("failed to load seller copy: %w", err)
		}
		if !order.MirrorPending {
			return r.dropEntry(ctx, orderID)
		}

		mirror := order
		mirror.MirrorPending = false
		buyerPath := models.BuyerOrderPath(order.OrganizationID, order.ID)
		if err := r.retry(ctx, func() error {
			return r.store.Write(ctx, buyerPath, &mirror)
		}); err != nil {
			util.MirrorReconcileFailedTotal.Inc()
			r.logger.Error("Giving up on buyer copy repair",
				zap.String("order_id", orderID),
				zap.String("organization_id", order.OrganizationID),
				zap.Error(err))
			return fmt.Errorf("failed to write buyer copy: %w", err)
		}

		// a status change that raced with the copy must not be lost
		moved, err := r.changedSince(ctx, sellerPath, &order)
		if err != nil {
			return err
		}
		if moved {
			continue
		}

		if err := r.store.Update(ctx, sellerPath, map[string]any{"mirrorPending": false}); err != nil {
			return fmt.Errorf("failed to clear mirror flag: %w", err)
		}
		if err := r.dropEntry(ctx, orderID); err != nil {
			return err
		}

		// A status update that still saw the flag only touched the seller
		// copy. Checked after the entry is gone so that either this re-read
		// sees it or its own index write lands after the drop.
		moved, err = r.changedSince(ctx, sellerPath, &order)
		if err != nil {
			return err
		}
		if moved {
			if err := r.reflag(ctx, sellerPath, &order); err != nil {
				return err
			}
			continue
		}

		util.MirrorReconciledTotal.Inc()
		r.logger.Info("Buyer copy reconciled",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)))
		return nil
	}

	return fmt.Errorf("seller copy of %s kept changing during reconcile", orderID)
}

// Sweep reconciles every indexed order and returns how many were repaired
func (r *Reconciler) Sweep(ctx context.Context) (_ int, err error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Sweep")
	defer func() { util.EndSpan(span, err) }()

	snap, err := r.store.List(ctx, models.MirrorPendingPath)
	if err != nil {
		return 0, fmt.Errorf("failed to list mirror pending orders: %w", err)
	}

	repaired, remaining := 0, 0
	for key := range snap {
		var entry models.MirrorPendingEntry
		if err := snap.Decode(key, &entry); err != nil || entry.SellerID == "" {
			r.logger.Warn("Skipping malformed mirror entry", zap.String("key", key))
			remaining++
			continue
		}
		if entry.OrderID == "" {
			entry.OrderID = key
		}

		err := r.Reconcile(ctx, entry.SellerID, entry.OrderID)
		switch {
		case err == nil:
			repaired++
		case errors.Is(err, ErrLockHeld):
			remaining++
		default:
			remaining++
			r.logger.Warn("Reconcile failed during sweep", zap.String("order_id", entry.OrderID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
	}

	util.MirrorPendingOrders.Set(float64(remaining))
	return repaired, nil
}

// HandleMirrorFailed reconciles the order named by a MirrorFailed event
func (r *Reconciler) HandleMirrorFailed(ctx context.Context, event *models.MirrorFailedEvent) error {
	err := r.Reconcile(ctx, event.FarmerID, event.OrderID)
	if errors.Is(err, ErrLockHeld) {
		r.logger.Info("Reconcile already running elsewhere", zap.String("order_id", event.OrderID))
		return nil
	}
	return err
}

func (r *Reconciler) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = r.maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// changedSince reports whether the seller copy moved past the one copied
func (r *Reconciler) changedSince(ctx context.Context, sellerPath string, copied *models.Order) (bool, error) {
	var after models.Order
	if err := r.store.Get(ctx, sellerPath, &after); err != nil {
		return false, fmt.Errorf("failed to re-read seller copy: %w", err)
	}
	return after.Status != copied.Status || !after.UpdatedAt.Equal(copied.UpdatedAt), nil
}

func (r *Reconciler) reflag(ctx context.Context, sellerPath string, order *models.Order) error {
	if err := r.store.Update(ctx, sellerPath, map[string]any{"mirrorPending": true}); err != nil {
		return fmt.Errorf("failed to re-flag seller copy: %w", err)
	}
	entry := mirrorEntry(order, "seller copy changed during reconcile", time.Now().UTC())
	if err := r.store.Write(ctx, models.MirrorPendingEntryPath(order.ID), entry); err != nil {
		return fmt.Errorf("failed to re-index mirror entry: %w", err)
	}
	return nil
}

func (r *Reconciler) dropEntry(ctx context.Context, orderID string) error {
	if err := r.store.Remove(ctx, models.MirrorPendingEntryPath(orderID)); err != nil {
		return fmt.Errorf("failed to remove mirror entry: %w", err)
	}
	return nil
}
