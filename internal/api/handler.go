package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"farm-marketplace/internal/models"
	"farm-marketplace/internal/service"
	"farm-marketplace/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService   *service.OrderService
	productService *service.ProductService
	authService    *service.AuthService
	checks         map[string]Pinger
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(
	orderService *service.OrderService,
	productService *service.ProductService,
	authService *service.AuthService,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		orderService:   orderService,
		productService: productService,
		authService:    authService,
		checks:         checks,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authRequired := AuthRequired(h.authService)
	farmerOnly := AuthRequired(h.authService, models.RoleFarmer)
	orgOnly := AuthRequired(h.authService, models.RoleOrganization)

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
		auth.GET("/me", authRequired, h.me)
		auth.GET("/exchange-token", authRequired, h.exchangeToken)

		products := v1.Group("/products")
		products.GET("", h.listProducts)
		products.GET("/:id", h.getProduct)
		products.GET("/category/:category", h.listProductsByCategory)
		products.GET("/farmer/:farmerId", h.listProductsByFarmer)
		products.POST("", farmerOnly, h.createProduct)
		products.PUT("/:id", farmerOnly, h.updateProduct)
		products.PATCH("/:id/stock", farmerOnly, h.updateStock)
		products.DELETE("/:id", farmerOnly, h.deleteProduct)

		orders := v1.Group("/orders")
		orders.POST("", orgOnly, h.createOrder)
		orders.POST("/bulk", orgOnly, h.createBulkOrder)
		orders.GET("", authRequired, h.listOrders)
		orders.GET("/stats", authRequired, h.orderStats)
		orders.GET("/stream", authRequired, h.streamOrders)
		orders.GET("/:id", authRequired, h.getOrder)
		orders.PATCH("/:id/status", farmerOnly, h.updateOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failed,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors to HTTP responses
func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	var mirrorErr *service.MirrorError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &mirrorErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Order saved for the farmer but not mirrored to the buyer",
			"orderId": mirrorErr.OrderID,
			"details": err.Error(),
		})
		return
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrUserExists),
		errors.Is(err, service.ErrProductInactive):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
