package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dealpact/dealpact/internal/auth"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/validation"
)

// Handler serves wallet registration.
type Handler struct {
	store Store
}

// NewHandler creates a wallet handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the wallet routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet", h.SetWallet)
	r.GET("/wallet", h.GetWallet)
}

// SetWalletRequest is the body of POST /wallet.
type SetWalletRequest struct {
	Address string `json:"address"`
}

// SetWallet handles POST /v1/wallet
func (h *Handler) SetWallet(c *gin.Context) {
	caller, ok := auth.MustCaller(c)
	if !ok {
		return
	}

	var req SetWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be JSON"})
		return
	}
	addr := validation.SanitizeAddress(req.Address)
	if errs := validation.Validate(
		validation.Required("address", addr),
		validation.ValidAddress("address", addr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.Upsert(ctx, &User{ID: caller.ID, Handle: caller.Handle, WalletAddress: addr}); err != nil {
		logging.L(ctx).Error("failed to save wallet", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save wallet"})
		return
	}
	u, err := h.store.Get(ctx, caller.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load wallet"})
		return
	}

	logging.L(ctx).Info("wallet registered", "wallet", addr)
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	caller, ok := auth.MustCaller(c)
	if !ok {
		return
	}

	u, err := h.store.Get(c.Request.Context(), caller.ID)
	if errors.Is(err, ErrNotFound) || (err == nil && !u.HasWallet()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no wallet registered; POST /v1/wallet first"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
