package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, orders ...models.Order) docstore.Snapshot {
	t.Helper()

	snap := make(docstore.Snapshot, len(orders))
	for _, o := range orders {
		b, err := json.Marshal(o)
		require.NoError(t, err)
		snap[o.ID] = b
	}
	return snap
}

func testOrder(id, farmer, org string, status models.OrderStatus, total int64, at time.Time) models.Order {
	return models.Order{
		ID:               id,
		ProductName:      "Carrots " + id,
		Quantity:         1,
		PricePerUnit:     decimal.NewFromInt(total),
		TotalAmount:      decimal.NewFromInt(total),
		FarmerID:         farmer,
		FarmerName:       "Farm " + farmer,
		OrganizationID:   org,
		OrganizationName: "Org " + org,
		Status:           status,
		RequestDate:      at,
	}
}

func TestOrderViewApplyReplacesContents(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	view := NewOrderView(models.RoleFarmer)

	first := snapshotOf(t,
		testOrder("a", "f1", "o1", models.OrderStatusPending, 10, base),
		testOrder("b", "f1", "o2", models.OrderStatusPending, 20, base),
	)
	view.Apply(first)
	view.Apply(first)
	assert.Equal(t, 2, view.Len(), "replaying a snapshot must not duplicate entries")

	view.Apply(snapshotOf(t, testOrder("b", "f1", "o2", models.OrderStatusConfirmed, 20, base)))
	require.Equal(t, 1, view.Len())
	assert.Equal(t, models.OrderStatusConfirmed, view.Orders(OrderFilter{})[0].Status)
}

func TestOrderViewSkipsMalformedEntries(t *testing.T) {
	view := NewOrderView(models.RoleOrganization)
	snap := snapshotOf(t, testOrder("a", "f1", "o1", models.OrderStatusPending, 10, time.Now()))
	snap["broken"] = json.RawMessage(`"not an order"`)
	snap["noid"] = json.RawMessage(`{"status":"pending"}`)

	view.Apply(snap)
	assert.Equal(t, 2, view.Len())

	ids := make([]string, 0, 2)
	for _, o := range view.Orders(OrderFilter{}) {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []string{"a", "noid"}, ids)
}

func TestOrderViewOrdersSortAndFilter(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	view := NewOrderView(models.RoleFarmer)
	view.Apply(snapshotOf(t,
		testOrder("1", "f1", "school", models.OrderStatusPending, 10, base),
		testOrder("2", "f1", "hospital", models.OrderStatusConfirmed, 10, base.Add(time.Hour)),
		testOrder("3", "f1", "school", models.OrderStatusPending, 10, base.Add(2*time.Hour)),
		testOrder("4", "f1", "canteen", models.OrderStatusDelivered, 10, base.Add(time.Hour)),
	))

	ids := func(orders []models.Order) []string {
		out := make([]string, 0, len(orders))
		for _, o := range orders {
			out = append(out, o.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter OrderFilter
		want   []string
	}{
		{name: "all newest first", filter: OrderFilter{}, want: []string{"3", "4", "2", "1"}},
		{name: "by status", filter: OrderFilter{Status: models.OrderStatusPending}, want: []string{"3", "1"}},
		{name: "search counterparty", filter: OrderFilter{Search: "SCHOOL"}, want: []string{"3", "1"}},
		{name: "search product", filter: OrderFilter{Search: "carrots 2"}, want: []string{"2"}},
		{name: "status and search", filter: OrderFilter{Status: models.OrderStatusDelivered, Search: "school"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(view.Orders(tt.filter)))
		})
	}
}

func TestOrderViewStats(t *testing.T) {
	now := time.Now()
	orders := []models.Order{
		testOrder("1", "f1", "o1", models.OrderStatusPending, 100, now),
		testOrder("2", "f2", "o1", models.OrderStatusDelivered, 50, now),
		testOrder("3", "f2", "o1", models.OrderStatusRejected, 25, now),
	}
	orders[1].MirrorPending = true

	buyerView := NewOrderView(models.RoleOrganization)
	buyerView.Apply(snapshotOf(t, orders...))
	stats := buyerView.Stats()

	assert.Equal(t, 3, stats.TotalOrders)
	assert.True(t, decimal.NewFromInt(175).Equal(stats.TotalRevenue))
	assert.True(t, decimal.RequireFromString("58.33").Equal(stats.AverageOrderValue), "avg = %s", stats.AverageOrderValue)
	assert.Equal(t, 1, stats.ActiveOrders)
	assert.Equal(t, 2, stats.UniqueCounterparties, "an organization counts distinct farmers")
	assert.Equal(t, 1, stats.MirrorPending)
	assert.Equal(t, 1, stats.ByStatus[models.OrderStatusDelivered])
	assert.Equal(t, 0, stats.ByStatus[models.OrderStatusInTransit])
	assert.Len(t, stats.ByStatus, len(models.OrderStatuses()))

	sellerView := NewOrderView(models.RoleFarmer)
	sellerView.Apply(snapshotOf(t, orders...))
	assert.Equal(t, 1, sellerView.Stats().UniqueCounterparties, "a farmer counts distinct organizations")

	empty := NewOrderView(models.RoleFarmer).Stats()
	assert.Zero(t, empty.TotalOrders)
	assert.True(t, empty.AverageOrderValue.IsZero())
}

func TestWatchOrdersFollowsBothSides(t *testing.T) {
	svc, _, _ := newTestOrderService()
	ctx := context.Background()

	in := fakeInput()
	farmer := models.Identity{UserID: in.Seller.ID, DisplayName: in.Seller.Name, Role: models.RoleFarmer}
	org := models.Identity{UserID: in.Buyer.ID, DisplayName: in.Buyer.Name, Role: models.RoleOrganization}

	var farmerLen, orgLen atomic.Int64
	var orgStatus atomic.Value
	orgStatus.Store(models.OrderStatus(""))

	stopFarmer, err := svc.WatchOrders(ctx, farmer, func(v *OrderView) {
		farmerLen.Store(int64(v.Len()))
	})
	require.NoError(t, err)
	defer stopFarmer()

	stopOrg, err := svc.WatchOrders(ctx, org, func(v *OrderView) {
		orgLen.Store(int64(v.Len()))
		if orders := v.Orders(OrderFilter{}); len(orders) > 0 {
			orgStatus.Store(orders[0].Status)
		}
	})
	require.NoError(t, err)
	defer stopOrg()

	order, err := svc.PlaceOrder(ctx, in)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return farmerLen.Load() == 1 && orgLen.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.UpdateStatus(ctx, in.Seller, order.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return orgStatus.Load().(models.OrderStatus) == models.OrderStatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.WatchOrders(ctx, models.Identity{}, func(*OrderView) {})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
