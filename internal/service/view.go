package service

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderFilter narrows Orders; zero values match everything
type OrderFilter struct {
	Status models.OrderStatus
	Search string
}

// OrderStats are the dashboard figures for one side of the order book
type OrderStats struct {
	TotalOrders          int                        `json:"totalOrders"`
	TotalRevenue         decimal.Decimal            `json:"totalRevenue"`
	ActiveOrders         int                        `json:"activeOrders"`
	UniqueCounterparties int                        `json:"uniqueCounterparties"`
	AverageOrderValue    decimal.Decimal            `json:"averageOrderValue"`
	ByStatus             map[models.OrderStatus]int `json:"byStatus"`
	MirrorPending        int                        `json:"mirrorPending"`
}

// OrderView is a materialized order list fed by collection snapshots. Apply
// replaces the contents by key, so replaying a snapshot is harmless.
type OrderView struct {
	mu     sync.RWMutex
	owner  models.Role
	orders map[string]models.Order
	logger *zap.Logger
}

// NewOrderView creates an empty view for the given side. The owner role
// decides who counts as the counterparty in Stats.
func NewOrderView(owner models.Role) *OrderView {
	return &OrderView{
		owner:  owner,
		orders: make(map[string]models.Order),
		logger: util.GetLogger(),
	}
}

// Apply replaces the view with the snapshot. Entries that do not decode as
// orders are skipped.
func (v *OrderView) Apply(snap docstore.Snapshot) {
	next := make(map[string]models.Order, len(snap))
	for key, raw := range snap {
		var o models.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			v.logger.Warn("Skipping malformed order", zap.String("key", key), zap.Error(err))
			continue
		}
		if o.ID == "" {
			o.ID = key
		}
		next[key] = o
	}

	v.mu.Lock()
	v.orders = next
	v.mu.Unlock()
}

func (v *OrderView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.orders)
}

// Orders returns matching orders, newest request first
func (v *OrderView) Orders(filter OrderFilter) []models.Order {
	v.mu.RLock()
	all := lo.Values(v.orders)
	v.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := lo.Filter(all, func(o models.Order, _ int) bool {
		if filter.Status != "" && o.Status != filter.Status {
			return false
		}
		if search == "" {
			return true
		}
		return strings.Contains(strings.ToLower(o.OrganizationName), search) ||
			strings.Contains(strings.ToLower(o.FarmerName), search) ||
			strings.Contains(strings.ToLower(o.ProductName), search)
	})

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestDate.Equal(out[j].RequestDate) {
			return out[i].RequestDate.After(out[j].RequestDate)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Stats computes dashboard analytics over every order in the view
func (v *OrderView) Stats() OrderStats {
	v.mu.RLock()
	all := lo.Values(v.orders)
	v.mu.RUnlock()

	stats := OrderStats{
		TotalOrders:       len(all),
		TotalRevenue:      decimal.Zero,
		AverageOrderValue: decimal.Zero,
		ByStatus:          make(map[models.OrderStatus]int),
	}
	for _, st := range models.OrderStatuses() {
		stats.ByStatus[st] = 0
	}

	for _, o := range all {
		stats.TotalRevenue = stats.TotalRevenue.Add(o.TotalAmount)
		stats.ByStatus[o.Status]++
		if o.Status.Active() {
			stats.ActiveOrders++
		}
		if o.MirrorPending {
			stats.MirrorPending++
		}
	}

	stats.UniqueCounterparties = len(lo.Uniq(lo.Map(all, func(o models.Order, _ int) string {
		if v.owner == models.RoleOrganization {
			return o.FarmerID
		}
		return o.OrganizationID
	})))

	if len(all) > 0 {
		stats.AverageOrderValue = stats.TotalRevenue.
			Div(decimal.NewFromInt(int64(len(all)))).
			Round(2)
	}
	return stats
}
