package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// placeUnmirrored creates an order whose buyer copy write failed
func placeUnmirrored(t *testing.T, svc *OrderService, store *flakyStore) (*MirrorError, PlaceOrderInput) {
	t.Helper()

	store.failOn("buyers/")
	defer store.heal()

	in := fakeInput()
	_, err := svc.PlaceOrder(context.Background(), in)
	var mirrorErr *MirrorError
	require.ErrorAs(t, err, &mirrorErr)
	return mirrorErr, in
}

func TestReconcileRepairsBuyerCopy(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)

	// the farmer keeps working while the buyer copy is missing
	_, err := svc.UpdateStatus(ctx, in.Seller, mirrorErr.OrderID, models.OrderStatusConfirmed)
	require.NoError(t, err)

	locker := &memoryLocker{}
	rec := NewReconciler(store, locker, WithRetry(time.Millisecond, 50*time.Millisecond))
	require.NoError(t, rec.Reconcile(ctx, in.Seller.ID, mirrorErr.OrderID))

	sellerCopy := readOrder(t, store, models.SellerOrderPath(in.Seller.ID, mirrorErr.OrderID))
	buyerCopy := readOrder(t, store, models.BuyerOrderPath(in.Buyer.ID, mirrorErr.OrderID))

	assert.False(t, sellerCopy.MirrorPending)
	assert.Equal(t, models.OrderStatusConfirmed, buyerCopy.Status)
	if diff := cmp.Diff(sellerCopy, buyerCopy); diff != "" {
		t.Errorf("copies differ after reconcile (-seller +buyer):\n%s", diff)
	}

	var entry models.MirrorPendingEntry
	assert.ErrorIs(t, store.Get(ctx, models.MirrorPendingEntryPath(mirrorErr.OrderID), &entry), docstore.ErrNotFound)
	assert.Empty(t, locker.held, "lock must be released")

	// once repaired, status updates mirror normally again
	res, err := svc.UpdateStatus(ctx, in.Seller, mirrorErr.OrderID, models.OrderStatusInTransit)
	require.NoError(t, err)
	assert.True(t, res.Mirrored)
}

func TestReconcileKeepsStatusChangedWhileClearingFlag(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)
	sellerPath := models.SellerOrderPath(in.Seller.ID, mirrorErr.OrderID)

	// the farmer confirms right before the reconciler clears the flag
	var (
		once   sync.Once
		racing *TransitionResult
	)
	store.onUpdate(func(path string, fields map[string]any) {
		if path != sellerPath || fields["mirrorPending"] != false {
			return
		}
		once.Do(func() {
			res, err := svc.UpdateStatus(ctx, in.Seller, mirrorErr.OrderID, models.OrderStatusConfirmed)
			require.NoError(t, err)
			racing = res
		})
	})

	rec := NewReconciler(store, &memoryLocker{}, WithRetry(time.Millisecond, 50*time.Millisecond))
	err := rec.Reconcile(ctx, in.Seller.ID, mirrorErr.OrderID)
	store.onUpdate(nil)
	require.NotNil(t, racing)
	assert.False(t, racing.Mirrored)

	if err != nil {
		// whatever reconcile left behind, the order stays indexed for a sweep
		_, err := rec.Sweep(ctx)
		require.NoError(t, err)
	}

	sellerCopy := readOrder(t, store, sellerPath)
	buyerCopy := readOrder(t, store, models.BuyerOrderPath(in.Buyer.ID, mirrorErr.OrderID))
	assert.Equal(t, models.OrderStatusConfirmed, sellerCopy.Status)
	assert.Equal(t, models.OrderStatusConfirmed, buyerCopy.Status)
	assert.False(t, sellerCopy.MirrorPending)

	var entry models.MirrorPendingEntry
	assert.ErrorIs(t, store.Get(ctx, models.MirrorPendingEntryPath(mirrorErr.OrderID), &entry), docstore.ErrNotFound)
}

func TestStatusChangeOnPendingOrderReindexesIt(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)
	entryPath := models.MirrorPendingEntryPath(mirrorErr.OrderID)

	// a reconcile dropped the entry but has not yet seen the flag again
	require.NoError(t, store.Remove(ctx, entryPath))

	res, err := svc.UpdateStatus(ctx, in.Seller, mirrorErr.OrderID, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.False(t, res.Mirrored)

	var entry models.MirrorPendingEntry
	require.NoError(t, store.Get(ctx, entryPath, &entry))
	assert.Equal(t, in.Seller.ID, entry.SellerID)
	assert.True(t, readOrder(t, store, models.SellerOrderPath(in.Seller.ID, mirrorErr.OrderID)).MirrorPending)

	rec := NewReconciler(store, &memoryLocker{}, WithRetry(time.Millisecond, 50*time.Millisecond))
	repaired, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, models.OrderStatusConfirmed,
		readOrder(t, store, models.BuyerOrderPath(in.Buyer.ID, mirrorErr.OrderID)).Status)
}

func TestReconcileGivesUpWhileBuyerStoreIsDown(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)

	store.failOn("buyers/")
	rec := NewReconciler(store, &memoryLocker{}, WithRetry(time.Millisecond, 20*time.Millisecond))

	err := rec.Reconcile(ctx, in.Seller.ID, mirrorErr.OrderID)
	require.ErrorIs(t, err, errStoreDown)

	assert.True(t, readOrder(t, store, models.SellerOrderPath(in.Seller.ID, mirrorErr.OrderID)).MirrorPending)
	var entry models.MirrorPendingEntry
	assert.NoError(t, store.Get(ctx, models.MirrorPendingEntryPath(mirrorErr.OrderID), &entry))
}

func TestReconcileSkipsWhenLockHeld(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)

	locker := &memoryLocker{}
	_, ok, err := locker.AcquireLock(ctx, "mirror:"+mirrorErr.OrderID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := NewReconciler(store, locker)
	assert.ErrorIs(t, rec.Reconcile(ctx, in.Seller.ID, mirrorErr.OrderID), ErrLockHeld)

	event := &models.MirrorFailedEvent{OrderID: mirrorErr.OrderID, FarmerID: in.Seller.ID}
	assert.NoError(t, rec.HandleMirrorFailed(ctx, event), "a concurrent repair is not a handler failure")
	assert.True(t, readOrder(t, store, models.SellerOrderPath(in.Seller.ID, mirrorErr.OrderID)).MirrorPending)
}

func TestReconcileDropsStaleEntries(t *testing.T) {
	store := newFlakyStore()
	ctx := context.Background()
	rec := NewReconciler(store, nil)

	// healthy order with a leftover index entry
	svc := NewOrderService(store, nil)
	order, err := svc.PlaceOrder(ctx, fakeInput())
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, models.MirrorPendingEntryPath(order.ID), models.MirrorPendingEntry{
		OrderID:  order.ID,
		SellerID: order.FarmerID,
		BuyerID:  order.OrganizationID,
	}))

	// entry whose seller copy no longer exists
	require.NoError(t, store.Write(ctx, models.MirrorPendingEntryPath("gone"), models.MirrorPendingEntry{
		OrderID:  "gone",
		SellerID: "farm-x",
	}))

	require.NoError(t, rec.Reconcile(ctx, order.FarmerID, order.ID))
	require.NoError(t, rec.Reconcile(ctx, "farm-x", "gone"))

	snap, err := store.List(ctx, models.MirrorPendingPath)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestSweepRepairsEveryIndexedOrder(t *testing.T) {
	svc, store, _ := newTestOrderService()
	ctx := context.Background()

	const n = 5
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		mirrorErr, _ := placeUnmirrored(t, svc, store)
		ids = append(ids, mirrorErr.OrderID)
	}
	require.NoError(t, store.Write(ctx, models.MirrorPendingEntryPath("junk"), map[string]any{"reason": "no seller"}))

	rec := NewReconciler(store, &memoryLocker{}, WithRetry(time.Millisecond, 20*time.Millisecond))
	repaired, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, repaired)

	snap, err := store.List(ctx, models.MirrorPendingPath)
	require.NoError(t, err)
	assert.Len(t, snap, 1, "only the malformed entry is left")
	for _, id := range ids {
		assert.NotContains(t, snap, id)
	}
}

func TestHandleMirrorFailedReconciles(t *testing.T) {
	svc, store, pub := newTestOrderService()
	ctx := context.Background()
	mirrorErr, in := placeUnmirrored(t, svc, store)

	require.Len(t, pub.failed, 1)
	rec := NewReconciler(store, &memoryLocker{})
	require.NoError(t, rec.HandleMirrorFailed(ctx, pub.failed[0]))

	buyerCopy := readOrder(t, store, models.BuyerOrderPath(in.Buyer.ID, mirrorErr.OrderID))
	assert.Equal(t, mirrorErr.OrderID, buyerCopy.ID)
	assert.False(t, buyerCopy.MirrorPending)
}
