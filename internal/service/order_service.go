package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

// EventPublisher publishes order lifecycle events
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishMirrorFailed(ctx context.Context, event *models.MirrorFailedEvent) error
}

// IdempotencyStore remembers which order a client request key produced
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key, orderPath string, ttl time.Duration) error
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (nopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}

func (nopPublisher) PublishMirrorFailed(context.Context, *models.MirrorFailedEvent) error {
	return nil
}

// OrderService creates orders as two mirrored copies, one under the seller
// and one under the buyer, and moves them through the status machine
type OrderService struct {
	store          docstore.Store
	idempotency    IdempotencyStore
	eventPublisher EventPublisher
	strict         bool
	now            func() time.Time
	logger         *zap.Logger
}

type OrderOption func(*OrderService)

// WithStrictTransitions rejects status changes the state machine does not allow
func WithStrictTransitions(strict bool) OrderOption {
	return func(s *OrderService) {
		s.strict = strict
	}
}

func WithIdempotency(store IdempotencyStore) OrderOption {
	return func(s *OrderService) {
		s.idempotency = store
	}
}

func WithClock(now func() time.Time) OrderOption {
	return func(s *OrderService) {
		s.now = now
	}
}

// NewOrderService creates a new order service. A nil publisher drops events.
func NewOrderService(store docstore.Store, eventPublisher EventPublisher, opts ...OrderOption) *OrderService {
	if eventPublisher == nil {
		eventPublisher = nopPublisher{}
	}
	s := &OrderService{
		store:          store,
		eventPublisher: eventPublisher,
		strict:         true,
		now:            time.Now,
		logger:         util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProductLine is the priced product an order is placed against
type ProductLine struct {
	ID    string
	Name  string
	Unit  string
	Price decimal.Decimal
}

// PlaceOrderInput carries everything needed to mint one order
type PlaceOrderInput struct {
	Buyer        models.Party
	Seller       models.Party
	Product      ProductLine
	Quantity     int
	DeliveryDate *time.Time
	Notes        string
	Source       models.OrderSource
}

func (in *PlaceOrderInput) validate() error {
	if strings.TrimSpace(in.Buyer.ID) == "" {
		return ErrUnauthenticated
	}
	if in.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if strings.TrimSpace(in.Seller.ID) == "" {
		return validationError("farmerId is required")
	}
	if strings.TrimSpace(in.Product.ID) == "" {
		return validationError("productId is required")
	}
	if strings.TrimSpace(in.Product.Name) == "" {
		return validationError("productName is required")
	}
	if in.Product.Price.IsNegative() {
		return validationError("pricePerUnit must not be negative")
	}
	return nil
}

// PlaceOrder writes the seller copy under a freshly allocated id, then the
// buyer copy under the same id. The writes are independent: if the buyer copy
// fails the seller copy stays, is flagged mirrorPending and a *MirrorError is
// returned.
func (s *OrderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (_ *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer func() { util.EndSpan(span, err) }()

	if err := in.validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	orderID, err := s.store.Create(ctx, models.SellerOrdersPath(in.Seller.ID))
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("allocate_id").Inc()
		return nil, fmt.Errorf("failed to allocate order id: %w", err)
	}

	source := in.Source
	if source == "" {
		source = models.OrderSourceRequest
	}
	now := s.now().UTC()

	order := &models.Order{
		ID:               orderID,
		ProductID:        in.Product.ID,
		ProductName:      in.Product.Name,
		Quantity:         in.Quantity,
		PricePerUnit:     in.Product.Price,
		TotalAmount:      in.Product.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
		Unit:             in.Product.Unit,
		OrganizationID:   in.Buyer.ID,
		OrganizationName: in.Buyer.Name,
		FarmerID:         in.Seller.ID,
		FarmerName:       in.Seller.Name,
		Status:           models.OrderStatusPending,
		Source:           source,
		RequestDate:      now,
		DeliveryDate:     in.DeliveryDate,
		Notes:            strings.TrimSpace(in.Notes),
		UpdatedAt:        now,
	}

	if err := s.store.Write(ctx, models.SellerOrderPath(order.FarmerID, order.ID), order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("seller_write").Inc()
		s.logger.Error("Failed to write seller copy",
			zap.String("order_id", order.ID),
			zap.String("farmer_id", order.FarmerID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to write seller copy: %w", err)
	}
	util.OrdersCreatedTotal.WithLabelValues(string(source)).Inc()

	if err := s.store.Write(ctx, models.BuyerOrderPath(order.OrganizationID, order.ID), order); err != nil {
		s.flagMirrorPending(ctx, order, models.MirrorOpCreate, err)
		return nil, &MirrorError{
			OrderID:  order.ID,
			SellerID: order.FarmerID,
			BuyerID:  order.OrganizationID,
			Err:      err,
		}
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("farmer_id", order.FarmerID),
		zap.String("organization_id", order.OrganizationID),
		zap.String("total", order.TotalAmount.String()))

	event := &models.OrderCreatedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderCreated),
		OrderID:        order.ID,
		ProductID:      order.ProductID,
		FarmerID:       order.FarmerID,
		OrganizationID: order.OrganizationID,
		Quantity:       order.Quantity,
		TotalAmount:    order.TotalAmount,
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// CreateOrderRequest represents a buyer's request against a catalog product
type CreateOrderRequest struct {
	ProductID      string     `json:"productId" binding:"required"`
	Quantity       int        `json:"quantity"`
	DeliveryDate   *time.Time `json:"deliveryDate,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// CreateOrder resolves the product from the catalog and places the order.
// A repeated IdempotencyKey returns the order the first request produced.
func (s *OrderService) CreateOrder(ctx context.Context, buyer models.Party, req *CreateOrderRequest) (*models.Order, error) {
	return s.createOrder(ctx, buyer, req, models.OrderSourceRequest)
}

func (s *OrderService) createOrder(ctx context.Context, buyer models.Party, req *CreateOrderRequest, source models.OrderSource) (_ *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(buyer.ID) == "" {
		return nil, ErrUnauthenticated
	}
	if req.Quantity <= 0 {
		util.OrdersFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, ErrInvalidQuantity
	}

	if existing := s.lookupIdempotent(ctx, req.IdempotencyKey); existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", existing.ID))
		return existing, nil
	}

	var product models.Product
	if err := s.store.Get(ctx, models.ProductPath(req.ProductID), &product); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if !product.IsActive {
		util.OrdersFailedTotal.WithLabelValues("product_inactive").Inc()
		return nil, ErrProductInactive
	}

	order, err := s.PlaceOrder(ctx, PlaceOrderInput{
		Buyer:  buyer,
		Seller: models.Party{ID: product.FarmerID, Name: product.FarmerName},
		Product: ProductLine{
			ID:    product.ID,
			Name:  product.Name,
			Unit:  product.Unit,
			Price: product.Price,
		},
		Quantity:     req.Quantity,
		DeliveryDate: req.DeliveryDate,
		Notes:        req.Notes,
		Source:       source,
	})

	var mirrorErr *MirrorError
	switch {
	case err == nil:
		s.rememberIdempotent(ctx, req.IdempotencyKey, models.SellerOrderPath(order.FarmerID, order.ID))
	case errors.As(err, &mirrorErr):
		// the seller copy exists; a retry must not create a second order
		s.rememberIdempotent(ctx, req.IdempotencyKey, models.SellerOrderPath(mirrorErr.SellerID, mirrorErr.OrderID))
	}
	return order, err
}

func (s *OrderService) lookupIdempotent(ctx context.Context, key string) *models.Order {
	if key == "" || s.idempotency == nil {
		return nil
	}
	path, found, err := s.idempotency.GetIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	var order models.Order
	if err := s.store.Get(ctx, path, &order); err != nil {
		s.logger.Warn("Idempotent order not readable",
			zap.String("idempotency_key", key),
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	return &order
}

func (s *OrderService) rememberIdempotent(ctx context.Context, key, orderPath string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.SetIdempotencyKey(ctx, key, orderPath, idempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.String("idempotency_key", key), zap.Error(err))
	}
}

// BulkOrderItem is one cart line of a bulk order
type BulkOrderItem struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity"`
}

// BulkOrderRequest is a multi-line cart checkout
type BulkOrderRequest struct {
	Items          []BulkOrderItem `json:"items" binding:"required,min=1,dive"`
	DeliveryDate   *time.Time      `json:"deliveryDate,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// BulkLineResult is the outcome of one cart line
type BulkLineResult struct {
	ProductID string        `json:"productId"`
	Order     *models.Order `json:"order,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// BulkOrderResult summarizes a bulk checkout
type BulkOrderResult struct {
	Lines       []BulkLineResult `json:"lines"`
	Created     int              `json:"created"`
	Failed      int              `json:"failed"`
	TotalAmount decimal.Decimal  `json:"totalAmount"`
}

// PlaceBulkOrder creates one single-line order per cart line. A failed line
// does not stop the others.
func (s *OrderService) PlaceBulkOrder(ctx context.Context, buyer models.Party, req *BulkOrderRequest) (_ *BulkOrderResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceBulkOrder")
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(buyer.ID) == "" {
		return nil, ErrUnauthenticated
	}
	if len(req.Items) == 0 {
		return nil, validationError("at least one item is required")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, validationError("items[%d].productId is required", i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("items[%d]: %w", i, ErrInvalidQuantity)
		}
	}

	result := &BulkOrderResult{Lines: make([]BulkLineResult, 0, len(req.Items))}
	for i, item := range req.Items {
		lineReq := &CreateOrderRequest{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			DeliveryDate: req.DeliveryDate,
			Notes:        req.Notes,
		}
		if req.IdempotencyKey != "" {
			lineReq.IdempotencyKey = fmt.Sprintf("%s:%d", req.IdempotencyKey, i)
		}

		line := BulkLineResult{ProductID: item.ProductID}
		order, err := s.createOrder(ctx, buyer, lineReq, models.OrderSourceBulk)
		if err != nil {
			line.Error = err.Error()
		} else {
			line.Order = order
		}
		result.Lines = append(result.Lines, line)
	}

	created := lo.Filter(result.Lines, func(l BulkLineResult, _ int) bool { return l.Order != nil })
	result.Created = len(created)
	result.Failed = len(result.Lines) - result.Created
	result.TotalAmount = lo.Reduce(created, func(sum decimal.Decimal, l BulkLineResult, _ int) decimal.Decimal {
		return sum.Add(l.Order.TotalAmount)
	}, decimal.Zero)

	s.logger.Info("Bulk order placed",
		zap.String("organization_id", buyer.ID),
		zap.Int("created", result.Created),
		zap.Int("failed", result.Failed))
	return result, nil
}

// TransitionResult reports a status change. The seller copy is always
// updated when it is returned; Mirrored tells whether the buyer copy was too.
type TransitionResult struct {
	OrderID       string             `json:"orderId"`
	From          models.OrderStatus `json:"from"`
	To            models.OrderStatus `json:"to"`
	Mirrored      bool               `json:"mirrored"`
	MirrorWarning string             `json:"mirrorWarning,omitempty"`
}

// UpdateStatus moves the seller copy of an order to next, then best-effort
// mirrors the new status into the buyer copy. A mirror failure is reported in
// the result, not as an error.
func (s *OrderService) UpdateStatus(ctx context.Context, seller models.Party, orderID string, next models.OrderStatus) (_ *TransitionResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(seller.ID) == "" {
		return nil, ErrUnauthenticated
	}
	next, err = models.ToOrderStatus(string(next))
	if err != nil {
		return nil, ErrInvalidStatus
	}

	var order models.Order
	if err := s.store.Get(ctx, models.SellerOrderPath(seller.ID, orderID), &order); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to load seller copy: %w", err)
	}

	from := order.Status
	if !models.CanTransition(from, next) {
		if s.strict {
			util.OrderStatusRejectedTotal.WithLabelValues(string(from), string(next)).Inc()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
		}
		s.logger.Warn("Applying status transition outside the state machine",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(next)))
	}

	fields := map[string]any{
		"status":    next,
		"updatedAt": s.now().UTC(),
	}
	sellerFields := fields
	if order.MirrorPending {
		// a reconcile may be clearing the flag right now; setting it with
		// the status keeps the new status queued for repair
		sellerFields = lo.Assign(fields, map[string]any{"mirrorPending": true})
	}
	if err := s.store.Update(ctx, models.SellerOrderPath(seller.ID, orderID), sellerFields); err != nil {
		s.logger.Error("Failed to update seller copy",
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to update seller copy: %w", err)
	}
	util.OrderStatusTransitionsTotal.WithLabelValues(string(from), string(next)).Inc()

	result := &TransitionResult{OrderID: orderID, From: from, To: next, Mirrored: true}
	order.Status = next

	switch {
	case order.OrganizationID == "":
		result.Mirrored = false
		result.MirrorWarning = "order has no buyer reference"
		s.logger.Warn("Order has no buyer reference, status not mirrored", zap.String("order_id", orderID))
	case order.MirrorPending:
		// the buyer copy is already out of sync; the reconciler copies the
		// whole seller record, new status included
		result.Mirrored = false
		result.MirrorWarning = "buyer copy pending reconciliation"
		entry := mirrorEntry(&order, "status changed while buyer copy pending", s.now().UTC())
		if err := s.store.Write(ctx, models.MirrorPendingEntryPath(orderID), entry); err != nil {
			s.logger.Error("Failed to index mirror pending order", zap.String("order_id", orderID), zap.Error(err))
		}
	default:
		if err := s.store.Update(ctx, models.BuyerOrderPath(order.OrganizationID, orderID), fields); err != nil {
			result.Mirrored = false
			result.MirrorWarning = fmt.Sprintf("buyer copy not updated: %v", err)
			s.flagMirrorPending(ctx, &order, models.MirrorOpStatus, err)
		}
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:        orderID,
		FarmerID:       seller.ID,
		OrganizationID: order.OrganizationID,
		From:           from,
		To:             next,
		Mirrored:       result.Mirrored,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return result, nil
}

// GetOrder reads one order from the caller's own side
func (s *OrderService) GetOrder(ctx context.Context, who models.Identity, orderID string) (*models.Order, error) {
	if who.UserID == "" {
		return nil, ErrUnauthenticated
	}
	var order models.Order
	if err := s.store.Get(ctx, models.OrdersPathFor(who)+"/"+orderID, &order); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders returns the caller's side of the order book as a view
func (s *OrderService) ListOrders(ctx context.Context, who models.Identity) (*OrderView, error) {
	if who.UserID == "" {
		return nil, ErrUnauthenticated
	}
	snap, err := s.store.List(ctx, models.OrdersPathFor(who))
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	view := NewOrderView(who.Role)
	view.Apply(snap)
	return view, nil
}

// WatchOrders subscribes to the caller's side of the order book. fn receives
// a fresh view on every delivered snapshot.
func (s *OrderService) WatchOrders(ctx context.Context, who models.Identity, fn func(*OrderView)) (func(), error) {
	if who.UserID == "" {
		return nil, ErrUnauthenticated
	}
	view := NewOrderView(who.Role)
	return s.store.Subscribe(ctx, models.OrdersPathFor(who), func(snap docstore.Snapshot) {
		view.Apply(snap)
		fn(view)
	})
}

// flagMirrorPending records that the buyer copy of order is behind the seller
// copy so the reconciler can repair it
func (s *OrderService) flagMirrorPending(ctx context.Context, order *models.Order, op string, cause error) {
	util.MirrorWriteFailuresTotal.WithLabelValues(op).Inc()
	s.logger.Warn("Buyer copy out of sync with seller copy",
		zap.String("order_id", order.ID),
		zap.String("farmer_id", order.FarmerID),
		zap.String("organization_id", order.OrganizationID),
		zap.String("op", op),
		zap.Error(cause))

	order.MirrorPending = true
	if err := s.store.Update(ctx, models.SellerOrderPath(order.FarmerID, order.ID), map[string]any{"mirrorPending": true}); err != nil {
		s.logger.Error("Failed to flag seller copy", zap.String("order_id", order.ID), zap.Error(err))
	}

	entry := mirrorEntry(order, cause.Error(), s.now().UTC())
	if err := s.store.Write(ctx, models.MirrorPendingEntryPath(order.ID), entry); err != nil {
		s.logger.Error("Failed to index mirror pending order", zap.String("order_id", order.ID), zap.Error(err))
	}

	event := &models.MirrorFailedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeMirrorFailed),
		OrderID:        order.ID,
		FarmerID:       order.FarmerID,
		OrganizationID: order.OrganizationID,
		Operation:      op,
		Reason:         cause.Error(),
	}
	if err := s.eventPublisher.PublishMirrorFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish MirrorFailed event", zap.Error(err))
	}
}

func mirrorEntry(order *models.Order, reason string, at time.Time) models.MirrorPendingEntry {
	return models.MirrorPendingEntry{
		OrderID:   order.ID,
		SellerID:  order.FarmerID,
		BuyerID:   order.OrganizationID,
		Reason:    reason,
		FlaggedAt: at,
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func timeNow() time.Time {
	return time.Now().UTC()
}
