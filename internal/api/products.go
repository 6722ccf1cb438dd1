package api

import (
	"net/http"
	"strconv"

	"farm-marketplace/internal/service"

	"github.com/gin-gonic/gin"
)

type stockRequest struct {
	Stock *int `json:"stock" binding:"required"`
}

func (h *Handler) listProducts(c *gin.Context) {
	filter := service.ProductFilter{FarmerID: c.Query("farmerId")}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid active flag"})
			return
		}
		filter.ActiveOnly = active
	}

	products, err := h.productService.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.productService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) listProductsByCategory(c *gin.Context) {
	products, err := h.productService.ListByCategory(c.Request.Context(), c.Param("category"))
	if err != nil {
		h.respondError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) listProductsByFarmer(c *gin.Context) {
	products, err := h.productService.ListByFarmer(c.Request.Context(), c.Param("farmerId"))
	if err != nil {
		h.respondError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product, err := h.productService.Create(c.Request.Context(), identityFrom(c).Party(), &req)
	if err != nil {
		h.respondError(c, "Failed to create product", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	var req service.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product, err := h.productService.Update(c.Request.Context(), identityFrom(c).Party(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, "Failed to update product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) updateStock(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product, err := h.productService.UpdateStock(c.Request.Context(), identityFrom(c).Party(), c.Param("id"), *req.Stock)
	if err != nil {
		h.respondError(c, "Failed to update stock", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) deleteProduct(c *gin.Context) {
	hard, _ := strconv.ParseBool(c.Query("hard"))
	if err := h.productService.Delete(c.Request.Context(), identityFrom(c).Party(), c.Param("id"), hard); err != nil {
		h.respondError(c, "Failed to delete product", err)
		return
	}
	c.Status(http.StatusNoContent)
}
