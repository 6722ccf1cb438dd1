package api

import (
	"io"
	"net/http"

	"farm-marketplace/internal/models"
	"farm-marketplace/internal/service"

	"github.com/gin-gonic/gin"
)

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), identityFrom(c).Party(), &req)
	if err != nil {
		h.respondError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) createBulkOrder(c *gin.Context) {
	var req service.BulkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.orderService.PlaceBulkOrder(c.Request.Context(), identityFrom(c).Party(), &req)
	if err != nil {
		h.respondError(c, "Failed to place bulk order", err)
		return
	}

	status := http.StatusCreated
	if result.Created == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	filter, ok := orderFilterFrom(c)
	if !ok {
		return
	}

	view, err := h.orderService.ListOrders(c.Request.Context(), identityFrom(c))
	if err != nil {
		h.respondError(c, "Failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, view.Orders(filter))
}

func (h *Handler) orderStats(c *gin.Context) {
	view, err := h.orderService.ListOrders(c.Request.Context(), identityFrom(c))
	if err != nil {
		h.respondError(c, "Failed to compute stats", err)
		return
	}
	c.JSON(http.StatusOK, view.Stats())
}

// streamOrders pushes the caller's order list as server-sent events, one
// "orders" event per snapshot. Snapshots the client has not consumed yet
// are replaced by newer ones.
func (h *Handler) streamOrders(c *gin.Context) {
	filter, ok := orderFilterFrom(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	updates := make(chan []models.Order, 1)
	stop, err := h.orderService.WatchOrders(ctx, identityFrom(c), func(v *service.OrderView) {
		orders := v.Orders(filter)
		select {
		case <-updates:
		default:
		}
		updates <- orders
	})
	if err != nil {
		h.respondError(c, "Failed to watch orders", err)
		return
	}
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case orders := <-updates:
			c.SSEvent("orders", orders)
			return true
		}
	})
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.orderService.UpdateStatus(c.Request.Context(), identityFrom(c).Party(), c.Param("id"), models.OrderStatus(req.Status))
	if err != nil {
		h.respondError(c, "Failed to update order status", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func orderFilterFrom(c *gin.Context) (service.OrderFilter, bool) {
	filter := service.OrderFilter{Search: c.Query("q")}
	if v := c.Query("status"); v != "" {
		status, err := models.ToOrderStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid status filter",
				"details": err.Error(),
			})
			return filter, false
		}
		filter.Status = status
	}
	return filter, true
}
