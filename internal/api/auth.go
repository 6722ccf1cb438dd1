package api

import (
	"net/http"

	"farm-marketplace/internal/service"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "Failed to register", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"role":  user.Role,
	})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, "Failed to sign in", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) me(c *gin.Context) {
	identity := identityFrom(c)
	profile, err := h.authService.Profile(c.Request.Context(), identity)
	if err != nil {
		h.respondError(c, "Failed to load profile", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":    identity,
		"profile": profile,
	})
}

// exchangeToken mints the short-lived token clients use against the
// document store directly
func (h *Handler) exchangeToken(c *gin.Context) {
	token, exp, err := h.authService.MintExchangeToken(identityFrom(c))
	if err != nil {
		h.respondError(c, "Failed to mint token", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": exp,
	})
}
